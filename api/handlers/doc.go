// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 SketchFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现了草图转换与健康检查端点的请求处理逻辑，
以及统一的 JSON 响应/错误写出。所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - TransformHandler：草图风格化处理器：CORS 预检、方法检查、
    请求体解码与校验、在请求预算内调用 Predictor 并映射错误
  - HealthHandler   ：服务健康检查（/health, /healthz, /ready, /readyz, /version）
  - HealthCheck     ：可插拔健康检查接口，内置 UpstreamHealthCheck
  - Predictor       ：推理交付接口，由 inference.Client 实现

# 错误响应

所有失败统一写出为 {"error": kind, "detail": "..."}，状态码由
types.ErrorKind 决定；处理器内的 panic 被恢复为 500 server_error，
不向调用方暴露堆栈。
*/
package handlers
