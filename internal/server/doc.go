// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP 服务器生命周期管理，支持非阻塞启动与优雅关闭。

# 概述

本包通过 Manager 封装 net/http.Server，统一管理监听、服务、
关闭与错误传播流程。SketchFlow 用它同时运行 API 服务器与
Prometheus 指标服务器。

# 核心类型

  - Manager：HTTP 服务器管理器，持有 http.Server、net.Listener
    与异步错误通道，提供 Start/Shutdown/Errors 等生命周期方法。
  - Config：服务器配置，包含名称、监听地址、读写超时、空闲超时、
    最大请求头大小与优雅关闭超时。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务。
  - 优雅关闭：Shutdown 在配置的超时内排空进行中的请求。
  - 错误传播：Errors() 返回异步错误通道，供调用方监控服务异常。
  - 地址查询：Addr 在启动后返回实际监听地址（支持 :0 随机端口）。
*/
package server
