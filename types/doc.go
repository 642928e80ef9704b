// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

/*
Package types 提供 AgentRelay 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 agent、api、cmd 等上层模块
提供统一的错误码与 context 传播约定。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码与 Retryable 标记
  - WithTraceID / WithRunID / WithCurrentTaskID — context 传播
*/
package types
