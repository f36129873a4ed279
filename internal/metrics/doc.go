// 版权所有 2024 Memstore Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的存储层指标采集能力，覆盖
操作、缓存、熔断器、连接池与对账五大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 主要能力

  - 操作指标：store/fetch/remove 总数与耗时，按操作与结果
    （committed/degraded/error 等）分组。
  - 缓存指标：命中、未命中、容量淘汰、过期清理计数，按层分组。
  - 熔断指标：当前状态 Gauge、状态转换计数。
  - 连接池指标：利用率 Gauge、许可等待耗时 Histogram、获取超时计数。
  - 对账指标：回刷总数、冲突裁决计数、降级积压 Gauge。
*/
package metrics
