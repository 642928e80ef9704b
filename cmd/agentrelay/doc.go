// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 AgentRelay 服务端程序入口。

# 概述

cmd/agentrelay 组装委派中继的全部组件（roster、任务台账、权限、审批、
休眠调度、后台任务与推理入口），对外提供 HTTP API，并附带数据库迁移、
健康检查和版本查询子命令。

# 核心类型

  - Server     — 主服务器，管理 API 与 Metrics 端口、配置热重载和优雅关闭
  - relay      — 按配置打开的存储、调度器与编排器
  - Middleware — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、migrate、version、health
  - 中间件链：Recovery、RequestID、OTelTracing、SecurityHeaders、
    RequestLogger、MetricsMiddleware、CORS、RateLimiter（基于 IP）、
    APIKeyAuth（X-API-Key 或 Bearer）
  - 配置热重载：仅权限规则，文件变更后整体替换，非法规则被拒绝
  - 运行模型：调度器、HTTP 与 Metrics 服务在同一 errgroup 中运行，
    收到 SIGINT/SIGTERM 后依次关闭
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
