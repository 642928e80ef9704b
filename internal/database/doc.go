// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 database 提供基于 GORM 的数据库打开与连接池管理，支持 postgres、
mysql 与 sqlite（纯 Go 实现）三种驱动。

# 核心类型

  - Config：驱动与连接参数，Dialector() 返回对应的 GORM dialector。
  - Open：打开数据库并包装为 PoolManager。
  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、
    Stats()、Close()，并在后台定时健康检查。
  - PoolConfig：最大空闲/打开连接数、连接生命周期与健康检查间隔。
  - Instrument：注册 GORM 回调，把每条语句的耗时上报给 QueryObserver。

健康检查与语句耗时都可以接入 internal/metrics 的 Collector。
*/
package database
