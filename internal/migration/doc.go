// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理 relay 数据库表（relay_tasks、relay_agents、
relay_approval_requests）的版本化 Schema，基于 golang-migrate 实现，
支持 PostgreSQL、MySQL 与 SQLite。

# 概述

SQL 迁移文件按方言内嵌在 migrations/<dialect>/ 下。表结构与
persistence 包的 GORM 模型一致：部署时可以用 `agentrelay migrate up`
管理表结构，并设置 store.skip_auto_migrate 关闭启动时的 AutoMigrate。

# 核心类型

  - Migrator / DefaultMigrator：Up、Down、DownAll、Steps、Goto、Force、
    Version、Status、Info。ctx 取消时在当前迁移完成后停止。
  - CLI：migrate 子命令的分发与终端输出。
  - DatabaseURL / BuildDatabaseURL：从 database.Config 推导连接串。
*/
package migration
