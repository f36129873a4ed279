// 版权所有 2024 Memstore Authors
//
// Package syncer 双层存储的同步协调器
//
// Coordinator 实现两阶段写入协议：先写权威后端，成功后更新缓存；
// 后端熔断时退化为仅写缓存并打上降级标记。Reconciler 在后台
// 周期性（以及熔断器恢复时）把降级记录回刷到权威后端，并按
// 状态与时间戳规则裁决冲突。
//
// 同一 (kind, id) 的写入经由分条互斥锁串行化；缓存读取不加锁。
package syncer
