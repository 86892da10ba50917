// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 SketchFlow 服务端程序入口。

# 概述

cmd/sketchflow 是草图风格化代理的可执行入口，提供 HTTP API 服务、
健康检查和版本查询等子命令。程序支持 .env 与 YAML 配置加载、
结构化日志（zap）、Prometheus 指标采集以及日志级别热更新。

# 核心类型

  - Server          ：主服务器，管理 API、Metrics 双端口及优雅关闭
  - Middleware      ：HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter  ：包装 http.ResponseWriter 以捕获状态码与响应大小

# 主要能力

  - 子命令：serve（启动服务）、version、health
  - 路由：/api/transform 与 /api/v1/transform，/health、/ready 等探针，/version
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、OTelTracing、CORS、RateLimiter（基于 IP）
  - 配置监听：--config 指定的文件变更后重新加载并调整日志级别
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号或服务器异常 → 停止后台任务 → 并行关闭服务器 → 刷新遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
