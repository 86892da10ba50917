package inference

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Outcome 单次上游尝试的分类结果
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeNotFound     Outcome = "not_found"     // 404/405，候选路径不存在
	OutcomeHTTPError    Outcome = "http_error"    // 其他非 2xx
	OutcomeNetworkError Outcome = "network_error" // 连接失败等
	OutcomeTimeout      Outcome = "timeout"       // 单次尝试超时
	OutcomeBadBody      Outcome = "bad_body"      // 2xx 但响应体无法解析
	OutcomeNoImage      Outcome = "no_image"      // 2xx 且可解析，但没有图像
)

// Retryable 报告该结果是否应继续尝试下一个候选
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeNotFound, OutcomeHTTPError, OutcomeNetworkError, OutcomeTimeout, OutcomeBadBody:
		return true
	default:
		return false
	}
}

var (
	// ErrNoImage 上游成功响应但其中没有可用图像
	ErrNoImage = errors.New("no image in upstream response")

	// ErrExhausted 所有轮次与候选路径均已失败，或请求预算耗尽
	ErrExhausted = errors.New("upstream attempts exhausted")
)

// Params 一次转换的完整参数（默认值已填充）
type Params struct {
	Image       string  `json:"image" validate:"required"`
	Style       string  `json:"style" validate:"required"`
	Extra       string  `json:"extra"`
	Steps       int     `json:"steps"`
	Guidance    float64 `json:"guidance"`
	ImgGuidance float64 `json:"img_guidance"`
	Seed        int64   `json:"seed"`
}

// Payload 上游预测请求体: {"data": [image, style, extra, steps, guidance, img_guidance, seed]}
type Payload struct {
	Data []any `json:"data"`
}

// Prediction 一次成功交付的结果
type Prediction struct {
	Image    string // data URL
	Path     string // 应答的候选路径
	Attempts int    // 总尝试次数（含成功的那次）
}

// AttemptRecorder 记录上游调用指标，可为 nil
type AttemptRecorder interface {
	RecordUpstreamAttempt(path, outcome string, duration time.Duration)
	RecordWarmup(ok bool)
}

// StatusError 上游返回的非 2xx 响应
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	text := strings.TrimSpace(e.Body)
	if text == "" {
		text = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("POST %s: %d %s", e.Path, e.StatusCode, text)
}

// ExhaustedError 所有尝试失败后的汇总错误，Last 为最后一次观察到的诊断
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s after %d attempts", ErrExhausted.Error(), e.Attempts)
	}
	return fmt.Sprintf("%s after %d attempts: %v", ErrExhausted.Error(), e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Diagnostic 返回面向调用方的最后诊断文本
func (e *ExhaustedError) Diagnostic() string {
	if e.Last == nil {
		return "no upstream attempt completed"
	}
	return e.Last.Error()
}
