// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。
// 实现 inference.AttemptRecorder 与 handlers.TransformRecorder，并发安全。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 上游指标
	upstreamAttemptsTotal   *prometheus.CounterVec
	upstreamAttemptDuration *prometheus.HistogramVec
	warmupsTotal            *prometheus.CounterVec

	// 转换指标
	transformsTotal   *prometheus.CounterVec
	transformDuration prometheus.Histogram

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 上游指标
	c.upstreamAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Total number of upstream predict attempts",
		},
		[]string{"path", "outcome"}, // outcome: ok, not_found, http_error, network_error, timeout, bad_body, no_image
	)

	c.upstreamAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_attempt_duration_seconds",
			Help:      "Upstream predict attempt duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"path"},
	)

	c.warmupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warmups_total",
			Help:      "Total number of upstream warm-up calls",
		},
		[]string{"result"}, // result: ok, failed
	)

	// 转换指标
	c.transformsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transforms_total",
			Help:      "Total number of transform requests by result",
		},
		[]string{"result"}, // result: ok 或错误类型
	)

	c.transformDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transform_duration_seconds",
			Help:      "Transform request duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60},
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🌐 上游指标记录
// =============================================================================

// RecordUpstreamAttempt 记录一次上游预测尝试
func (c *Collector) RecordUpstreamAttempt(path, outcome string, duration time.Duration) {
	c.upstreamAttemptsTotal.WithLabelValues(path, outcome).Inc()
	c.upstreamAttemptDuration.WithLabelValues(path).Observe(duration.Seconds())
}

// RecordWarmup 记录一次预热调用
func (c *Collector) RecordWarmup(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.warmupsTotal.WithLabelValues(result).Inc()
}

// =============================================================================
// 🎨 转换指标记录
// =============================================================================

// RecordTransform 记录一次转换请求的结果
func (c *Collector) RecordTransform(result string, duration time.Duration) {
	c.transformsTotal.WithLabelValues(result).Inc()
	c.transformDuration.Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
