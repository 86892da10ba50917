package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/sketchflow/inference/retry"
	"github.com/BaSui01/sketchflow/internal/pool"
	"github.com/BaSui01/sketchflow/internal/tlsutil"
)

// maxResponseBytes 单次响应体读取上限
const maxResponseBytes = 32 << 20

const tracerName = "github.com/BaSui01/sketchflow/inference"

// Client 向上游推理服务交付预测请求。
// 依次尝试候选路径，每次尝试有独立超时，轮与轮之间线性退避。
// Client 只持有不可变配置，可被多个 goroutine 并发使用。
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	recorder   AttemptRecorder
	logger     *zap.Logger
	tracer     trace.Tracer

	maxResponse int64
}

// Option 客户端选项
type Option func(*Client)

// WithHTTPClient 指定底层 HTTP 客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRecorder 指定指标记录器
func WithRecorder(r AttemptRecorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithMaxResponseBytes 调整单次响应体上限，n <= 0 时忽略
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResponse = n
		}
	}
}

// NewClient 创建推理客户端
func NewClient(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Rounds = cfg.Rounds.Normalize()

	c := &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: tlsutil.SecureHTTPClient(),
		logger:     logger.With(zap.String("component", "inference")),
		tracer:     otel.Tracer(tracerName),

		maxResponse: maxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// attemptResult 单次尝试的结果
type attemptResult struct {
	image   string
	outcome Outcome
	status  int
	err     error
}

// Predict 交付一次预测请求。
//
// 404/405 立即切换到下一个候选路径；其他失败记为最后错误并继续；
// 首个 2xx 即返回。整轮只出现 404/405 时不再重试。
// 全部失败返回 *ExhaustedError（errors.Is(err, ErrExhausted)），
// 成功响应中没有图像返回 ErrNoImage，不重试。
func (c *Client) Predict(ctx context.Context, payload Payload) (*Prediction, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	if c.cfg.Warmup {
		c.Warmup(ctx)
	}

	var (
		lastErr  error
		attempts int
	)

	for round := 1; round <= c.cfg.Rounds.MaxRounds; round++ {
		structural := true

		for _, path := range c.cfg.CandidatePaths {
			if err := ctx.Err(); err != nil {
				return nil, c.exhausted(attempts, lastErr, err)
			}

			attempts++
			res := c.attempt(ctx, path, body)

			switch res.outcome {
			case OutcomeOK:
				c.logger.Info("upstream prediction succeeded",
					zap.String("path", path),
					zap.Int("round", round),
					zap.Int("attempts", attempts),
				)
				return &Prediction{Image: res.image, Path: path, Attempts: attempts}, nil

			case OutcomeNoImage:
				c.logger.Warn("upstream returned no image",
					zap.String("path", path),
					zap.Error(res.err),
				)
				return nil, res.err

			case OutcomeNotFound:
				lastErr = res.err

			default:
				structural = false
				lastErr = res.err
				c.logger.Warn("upstream attempt failed",
					zap.String("path", path),
					zap.Int("round", round),
					zap.String("outcome", string(res.outcome)),
					zap.Error(res.err),
				)
			}
		}

		if structural {
			c.logger.Warn("no candidate path accepted the request",
				zap.Strings("paths", c.cfg.CandidatePaths),
			)
			break
		}

		if round < c.cfg.Rounds.MaxRounds {
			if err := c.cfg.Rounds.Wait(ctx, round); err != nil {
				return nil, c.exhausted(attempts, lastErr, err)
			}
		}
	}

	return nil, c.exhausted(attempts, lastErr, nil)
}

// exhausted 构造汇总错误；预算耗尽且尚无诊断时以 ctx 错误作为诊断
func (c *Client) exhausted(attempts int, lastErr, ctxErr error) error {
	if lastErr == nil && ctxErr != nil {
		lastErr = fmt.Errorf("request budget expired: %w", ctxErr)
	}
	return &ExhaustedError{Attempts: attempts, Last: lastErr}
}

// attempt 在独立超时内执行一次 POST
func (c *Client) attempt(ctx context.Context, path string, body []byte) attemptResult {
	start := time.Now()

	ctx, span := c.tracer.Start(ctx, "inference.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("upstream.path", path)),
	)
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	res := c.do(attemptCtx, ctx, path, body)

	span.SetAttributes(attribute.String("upstream.outcome", string(res.outcome)))
	if res.status != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", res.status))
	}
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, string(res.outcome))
	}

	if c.recorder != nil {
		c.recorder.RecordUpstreamAttempt(path, string(res.outcome), time.Since(start))
	}
	return res
}

func (c *Client) do(attemptCtx, parent context.Context, path string, body []byte) attemptResult {
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return attemptResult{outcome: OutcomeNetworkError, err: fmt.Errorf("build request for %s: %w", path, err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, image/*")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportFailure(attemptCtx, parent, path, err)
	}
	defer resp.Body.Close()

	// 以下派生的字符串均为拷贝，缓冲区可安全回收
	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)
	// 多读一个字节用于识别超限响应
	if _, err := buf.ReadFrom(io.LimitReader(resp.Body, c.maxResponse+1)); err != nil {
		return c.transportFailure(attemptCtx, parent, path, err)
	}
	data := buf.Bytes()
	oversized := int64(len(data)) > c.maxResponse
	if oversized {
		data = data[:c.maxResponse]
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed:
		return attemptResult{
			outcome: OutcomeNotFound,
			status:  resp.StatusCode,
			err:     &StatusError{Path: path, StatusCode: resp.StatusCode, Body: snippet(data)},
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return attemptResult{
			outcome: OutcomeHTTPError,
			status:  resp.StatusCode,
			err:     &StatusError{Path: path, StatusCode: resp.StatusCode, Body: snippet(data)},
		}
	case oversized:
		// 超限响应不返回截断数据，也不重试
		return attemptResult{
			outcome: OutcomeNoImage,
			status:  resp.StatusCode,
			err:     fmt.Errorf("%w: response exceeds %d bytes", ErrNoImage, c.maxResponse),
		}
	}

	image, outcome, err := extractImage(resp.Header.Get("Content-Type"), data)
	return attemptResult{image: image, outcome: outcome, status: resp.StatusCode, err: err}
}

// transportFailure 区分单次尝试超时与其他网络错误
func (c *Client) transportFailure(attemptCtx, parent context.Context, path string, err error) attemptResult {
	if parent.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return attemptResult{
			outcome: OutcomeTimeout,
			err:     fmt.Errorf("POST %s: attempt timed out after %s", path, c.cfg.AttemptTimeout),
		}
	}
	return attemptResult{outcome: OutcomeNetworkError, err: fmt.Errorf("POST %s: %w", path, err)}
}

// Warmup 对上游基础地址发起一次尽力而为的 GET，唤醒休眠中的服务。
// 任何失败都被忽略。
func (c *Client) Warmup(ctx context.Context) {
	err := retry.BestEffort(ctx, c.cfg.WarmupTimeout, c.logger, "warmup", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
		if err != nil {
			return err
		}
		c.authorize(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	})

	if c.recorder != nil {
		c.recorder.RecordWarmup(err == nil)
	}
}

// Ping 检查上游基础地址是否可达，供就绪探针使用
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("upstream unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}
