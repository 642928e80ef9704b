// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 delegation 实现智能体之间的联络编排：同步 ask、异步 delegate 与单向 notify。

# 概述

Orchestrator.HandleContact 是唯一入口。它按固定顺序完成校验
（动作、自联络、目标存在、上下文频道、权限、审批、离线、调用深度），
任一校验失败都以 Outcome 文本返回给调用方智能体，不产生副作用。
只有同步 ask 过程中出现的意外错误才会作为 error 向上传播。

# 三种动作

  - ask：在当前调用链内直接调用目标智能体的推理入口，受调用深度上限
    （默认 3）与超时（默认 120s）约束；目标若在休眠会被立即唤醒。
  - delegate：创建 pending 任务并投递到 dispatch 队列；目标休眠时任务
    不早于其唤醒时间执行，不会提前唤醒。
  - notify：只写一条对话记录，不创建任务也不投递作业。

# 与其他包协同

调用深度由 agent/calldepth 绑定在 context 上；任务生命周期由 agent/ledger
维护；审批由 agent/hitl 处理，审批通过后本包通过 dispatch 作业重放原请求。
*/
package delegation
