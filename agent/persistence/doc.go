// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 persistence 为 relay 的三类记录提供持久化后端：任务（ledger.Store）、
智能体（roster.Store）与审批请求（hitl.Store）。

# 后端实现

  - Memory: 直接使用各领域包自带的内存实现，适合开发与测试，重启后数据丢失。
  - Redis: JSON 文档 + Sorted Set 索引。条件更新使用 WATCH/MULTI 乐观事务，
    事务冲突时按 ErrConflict 或重试处理。
  - Database: 基于 GORM 的实现（postgres / mysql / sqlite），
    条件更新使用带状态或版本号的 WHERE 子句。

# 使用方式

通过工厂函数按配置创建整组存储：

	stores, err := persistence.Open(ctx, cfg, db, logger)
	defer stores.Close()

	l := ledger.New(stores.Tasks, logger)
	gate := hitl.NewGate(stores.Approvals, stores.Agents, logger)
*/
package persistence
