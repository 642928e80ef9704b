// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package hitl 提供 Human-in-the-Loop 审批闸门。
//
// 被闸门包裹的动作永远不会被直接执行：每次调用都会生成一条 ApprovalRequest，
// 记录动作名称与完整参数（PendingExecution），以便审批通过后由外部流程重放。
// 调用方若设置了 mustWaitForApproval，则会被标记为等待该审批。
package hitl
