// 版权所有 2024 Memstore Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供持久化后端的数据库打开与信号量门控连接池。

# 概述

本包通过 Open 按驱动类型（sqlite/postgres/mysql）构建 GORM 实例，
通过 Pool 在 database/sql 自身连接池之上叠加一层有界信号量，
限制对持久化后端的并发调用数，并采集等待时间等运行指标。

# 核心类型

  - Pool：信号量门控连接池，Acquire 返回作用域租约 Handle，
    超过获取超时返回 POOL_TIMEOUT。
  - Handle：连接租约，Release 幂等，保证在所有退出路径归还许可。
  - PoolStats：连接池统计信息（活跃数、等待时间、利用率）。

# 主要能力

  - 并发上限：信号量许可数即 max_connections，许可耗尽时挂起等待。
  - 作用域租约：Handle 通过 defer Release 保证不泄漏。
  - 优雅关闭：Shutdown 停止发放许可并在限定时间内等待未归还租约。
  - 健康检查：后台定时 PingContext 探活。
*/
package database
