// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 AgentRelay 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 异步断言: AssertEventuallyTrue / AssertEventuallyEqual / WaitFor /
    WaitForChannel，用于 dispatcher 与 sleep 恢复这类异步路径
  - 数据工具: MustJSON / MustParseJSON

# 子包

  - testutil/mocks: Entrypoint 是可记录调用的 reasoning.Entrypoint 模拟，
    支持按目标配置回复、错误注入与延迟
  - testutil/fixtures: roster.Agent 构造器与预置成员表

# 使用示例

	ctx := testutil.TestContext(t)
	entry := mocks.NewEntrypoint().WithReply("bob", "pong")
	agents := fixtures.SeedRoster(t, roster.NewMemoryStore(), fixtures.Team()...)
*/
package testutil
