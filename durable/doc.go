// 版权所有 2024 Memstore Authors
//
// Package durable 权威持久化后端
//
// Backend 接口定义权威存储的契约，GORM 实现为主力后端
// （SQLite / PostgreSQL / MySQL）。Guarded 适配器在后端外层
// 叠加熔断器与连接池：每次调用先过熔断检查，再持有连接许可，
// 调用结束后向熔断器上报结果。
//
// 写入强制版本单调递增，删除写入墓碑行而非物理删除，
// 以便对账任务把删除传播到缓存层。
package durable
