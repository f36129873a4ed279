// Package tlsutil 集中管理 memstore 的 TLS 加固配置：
// 运维 HTTPS 端点、启用 TLS 的 Redis 连接与健康检查客户端共用同一套
// 基线（TLS 1.2+，仅 AEAD 密码套件，现代曲线优先）。
package tlsutil
