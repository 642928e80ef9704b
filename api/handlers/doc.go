// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 AgentRelay HTTP API 的请求处理器实现。

# 概述

handlers 把 relay 的对外操作暴露为 JSON over HTTP：联系另一个 agent、
让 agent 休眠或立即唤醒、对待审批的联系请求做出决定，以及健康检查。
所有 Handler 均遵循标准 net/http 接口，路由使用 Go 1.22 的方法 + 路径模式。

# 核心类型

  - ContactHandler   — POST /v1/contact，调用 delegation.Orchestrator
  - AgentHandler     — agent 列表/查询，POST /v1/agents/{id}/sleep 与 /resume
  - ApprovalHandler  — 待审批列表、查询与 POST /v1/approvals/{id}/decision
  - HealthHandler    — /health（存活）与 /ready（依赖检查）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）

# 错误映射

业务规则拒绝（权限、深度、超时等）以 delegation.Outcome 返回，
handler 按其错误码映射 HTTP 状态并把 Outcome 放在 error.details 中；
等待审批返回 202。基础设施故障统一为 500。
*/
package handlers
