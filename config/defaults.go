// =============================================================================
// 📦 SketchFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultBaseURL 默认上游推理服务地址
const DefaultBaseURL = "https://xiaoxiao12123-sketch-to-style.hf.space"

// DefaultCandidatePaths 上游不同版本暴露预测端点的路径，按优先级排列
var DefaultCandidatePaths = []string{
	"/run/predict",
	"/api/predict",
	"/gradio_api/run/predict",
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Upstream:  DefaultUpstreamConfig(),
		Proxy:     DefaultProxyConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    65 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    10,
		RateLimitBurst:  20,
	}
}

// DefaultUpstreamConfig 返回默认上游配置
func DefaultUpstreamConfig() UpstreamConfig {
	paths := make([]string, len(DefaultCandidatePaths))
	copy(paths, DefaultCandidatePaths)
	return UpstreamConfig{
		BaseURL:        DefaultBaseURL,
		CandidatePaths: paths,
		AttemptTimeout: 5 * time.Second,
		MaxRounds:      3,
		BackoffBase:    1500 * time.Millisecond,
		BackoffMax:     10 * time.Second,
		Warmup:         true,
		WarmupTimeout:  3 * time.Second,
	}
}

// DefaultProxyConfig 返回默认转换处理器配置
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		HandlerBudget:      58 * time.Second,
		MaxBodyBytes:       20 << 20, // 20 MB
		DefaultSteps:       15,
		DefaultGuidance:    7,
		DefaultImgGuidance: 1.5,
		DefaultSeed:        -1,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "sketchflow",
		SampleRate:   0.1,
	}
}
