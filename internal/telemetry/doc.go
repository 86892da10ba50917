// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为 SketchFlow 提供集中式的 TracerProvider 和 MeterProvider 配置。
// 追踪数据来自 HTTP 追踪中间件与每次上游预测尝试。
// 当遥测功能禁用时，使用 noop 实现，不连接任何外部服务。
package telemetry
