// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 relay HTTP 服务器的生命周期管理，支持非阻塞启动、
可选 TLS 与基于 context 的优雅关闭。

# 概述

本包通过 Manager 封装 net/http.Server，统一管理监听、服务、
关闭与错误传播流程。API 服务与独立的 metrics 服务各用一个 Manager，
由 cmd/agentrelay 在 errgroup 中以 Run(ctx) 运行。

# 核心类型

  - Manager：HTTP 服务器管理器，持有 http.Server、net.Listener
    与异步错误通道，提供 Start/Run/Shutdown 等生命周期方法。
  - Config：服务器配置，包含名称、监听地址、读写超时、空闲超时、
    最大请求头大小、优雅关闭超时与 TLS 证书路径。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务。
  - 阻塞运行：Run 在 ctx 取消时优雅关闭并返回 nil，服务异常时返回错误。
  - TLS：配置证书时通过 tlsutil.ServerConfig 加载并以 HTTPS 提供服务。
  - 状态查询：IsRunning/Addr/ListenAddr。
*/
package server
