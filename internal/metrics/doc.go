// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、联络（contact/ask/approval）、任务、休眠、延迟任务与数据库六大维度。

# 概述

Collector 通过 promauto.With 注册到调用方提供的 Registerer，
测试中可传入独立的 prometheus.NewRegistry() 避免重复注册。
所有 Record 方法对 nil *Collector 安全，组件可选择不启用指标。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 联络指标：按 action/outcome 计数，ask 耗时直方图，审批状态计数。
  - 任务指标：按 source/from/to 统计状态转换。
  - 休眠指标：scheduled/resumed/woken 事件计数。
  - 延迟任务指标：按 kind/outcome 计数与耗时。
  - 数据库指标：活跃/空闲连接数 Gauge、查询耗时 Histogram。
*/
package metrics
