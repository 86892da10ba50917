package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/sketchflow/api"
	"github.com/BaSui01/sketchflow/config"
	"github.com/BaSui01/sketchflow/inference"
	"github.com/BaSui01/sketchflow/inference/retry"
	"github.com/BaSui01/sketchflow/internal/ctxkeys"
	"github.com/BaSui01/sketchflow/testutil"
	"github.com/BaSui01/sketchflow/testutil/fixtures"
	"github.com/BaSui01/sketchflow/testutil/mocks"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

// stubPredictor 记录收到的载荷并返回预设结果
type stubPredictor struct {
	mu       sync.Mutex
	payloads []inference.Payload
	pred     *inference.Prediction
	err      error
	panicMsg string
}

func (s *stubPredictor) Predict(ctx context.Context, payload inference.Payload) (*inference.Prediction, error) {
	s.mu.Lock()
	s.payloads = append(s.payloads, payload)
	s.mu.Unlock()
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return s.pred, s.err
}

func (s *stubPredictor) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

type transformRecorder struct {
	mu      sync.Mutex
	results []string
}

func (r *transformRecorder) RecordTransform(result string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func defaultTransformConfig() TransformConfig {
	return NewTransformConfig(config.DefaultProxyConfig())
}

func doTransform(h *TransformHandler, method, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(method, "/api/transform", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	h.HandleTransform(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) api.TransformError {
	t.Helper()
	var e api.TransformError
	require.NoError(t, json.NewDecoder(w.Body).Decode(&e))
	return e
}

// newUpstreamHandler 创建连接到模拟上游的真实处理器
func newUpstreamHandler(t *testing.T, upstream *mocks.MockUpstream, attemptTimeout time.Duration) *TransformHandler {
	t.Helper()
	client, err := inference.NewClient(inference.Config{
		BaseURL:        upstream.URL(),
		CandidatePaths: []string{"/run/predict", "/api/predict", "/gradio_api/run/predict"},
		AttemptTimeout: attemptTimeout,
		Rounds:         retry.RoundPolicy{MaxRounds: 3, BaseDelay: time.Millisecond},
	}, zap.NewNop())
	require.NoError(t, err)
	return NewTransformHandler(client, defaultTransformConfig(), testutil.NewTestLogger(t))
}

// =============================================================================
// 🧪 方法与 CORS
// =============================================================================

func TestTransformHandler_Preflight(t *testing.T) {
	predictor := &stubPredictor{}
	h := NewTransformHandler(predictor, defaultTransformConfig(), zap.NewNop())

	w := doTransform(h, http.MethodOptions, "")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", w.Header().Get("Access-Control-Allow-Headers"))
	assert.Zero(t, predictor.calls())
}

func TestTransformHandler_MethodNotAllowed(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		t.Run(method, func(t *testing.T) {
			predictor := &stubPredictor{}
			h := NewTransformHandler(predictor, defaultTransformConfig(), zap.NewNop())

			w := doTransform(h, method, "")

			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
			assert.Equal(t, "POST, OPTIONS", w.Header().Get("Allow"))
			assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, "method_not_allowed", decodeError(t, w).Error)
			assert.Zero(t, predictor.calls())
		})
	}
}

// =============================================================================
// 🧪 输入校验
// =============================================================================

func TestTransformHandler_MissingInputs(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantDetail string
	}{
		{"missing image", `{"style":"watercolor"}`, "image"},
		{"missing style", `{"image":"aGVsbG8="}`, "style"},
		{"empty object", `{}`, "image, style"},
		{"empty strings", `{"image":"","style":""}`, "image, style"},
		{"json null", `null`, "image, style"},
		{"empty body", ``, "empty"},
		{"malformed json", `{"image":`, "invalid JSON body"},
		{"wrong type", `{"image":"aGVsbG8=","style":"x","steps":"many"}`, "invalid JSON body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			predictor := &stubPredictor{}
			h := NewTransformHandler(predictor, defaultTransformConfig(), zap.NewNop())

			w := doTransform(h, http.MethodPost, tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			e := decodeError(t, w)
			assert.Equal(t, "missing_inputs", e.Error)
			assert.Contains(t, e.Detail, tt.wantDetail)
			assert.Zero(t, predictor.calls(), "no upstream call on invalid input")
		})
	}
}

func TestTransformHandler_MissingInputsMakesNoUpstreamCall(t *testing.T) {
	upstream := mocks.NewMockUpstream(t).
		WithDefault(mocks.RespondJSON(http.StatusOK, fixtures.PredictResponse(fixtures.SampleImageBase64)))
	h := newUpstreamHandler(t, upstream, time.Second)

	w := doTransform(h, http.MethodPost, `{"style":"watercolor"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, upstream.Calls())
}

func TestTransformHandler_BodyTooLarge(t *testing.T) {
	predictor := &stubPredictor{}
	cfg := defaultTransformConfig()
	cfg.MaxBodyBytes = 64

	h := NewTransformHandler(predictor, cfg, zap.NewNop())
	w := doTransform(h, http.MethodPost, fixtures.TransformBody(strings.Repeat("A", 512), "ink"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	e := decodeError(t, w)
	assert.Equal(t, "missing_inputs", e.Error)
	assert.Contains(t, e.Detail, "exceeds 64 bytes")
	assert.Zero(t, predictor.calls())
}

// =============================================================================
// 🧪 参数构造
// =============================================================================

func TestTransformHandler_AppliesDefaults(t *testing.T) {
	predictor := &stubPredictor{pred: &inference.Prediction{Image: fixtures.SampleDataURL}}
	h := NewTransformHandler(predictor, defaultTransformConfig(), zap.NewNop())

	w := doTransform(h, http.MethodPost, fixtures.TransformBody(fixtures.SampleImageBase64, "watercolor"))
	require.Equal(t, http.StatusOK, w.Code)

	require.Equal(t, 1, predictor.calls())
	assert.Equal(t, []any{fixtures.SampleDataURL, "watercolor", "", 15, 7.0, 1.5, int64(-1)}, predictor.payloads[0].Data)
}

func TestTransformHandler_ExplicitValuesWin(t *testing.T) {
	predictor := &stubPredictor{pred: &inference.Prediction{Image: fixtures.SampleDataURL}}
	h := NewTransformHandler(predictor, defaultTransformConfig(), zap.NewNop())

	body := `{"image":"data:image/jpeg;base64,AAAA","style":"ink","extra":"moody","steps":0,"guidance":3.5,"img_guidance":0,"seed":42}`
	w := doTransform(h, http.MethodPost, body)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []any{"data:image/jpeg;base64,AAAA", "ink", "moody", 0, 3.5, 0.0, int64(42)}, predictor.payloads[0].Data)
}

func TestTransformHandler_LegacyImageField(t *testing.T) {
	predictor := &stubPredictor{pred: &inference.Prediction{Image: fixtures.SampleDataURL}}
	h := NewTransformHandler(predictor, defaultTransformConfig(), zap.NewNop())

	w := doTransform(h, http.MethodPost, fixtures.LegacyTransformBody("bGVnYWN5", "ink"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "data:image/png;base64,bGVnYWN5", predictor.payloads[0].Data[0])

	// image 优先于 imageBase64
	w = doTransform(h, http.MethodPost, `{"image":"bmV3","imageBase64":"b2xk","style":"ink"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "data:image/png;base64,bmV3", predictor.payloads[1].Data[0])
}

// =============================================================================
// 🧪 结果映射
// =============================================================================

func TestTransformHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		pred       *inference.Prediction
		wantStatus int
		wantKind   string
		wantDetail string
	}{
		{
			name: "exhausted",
			err: &inference.ExhaustedError{Attempts: 9, Last: &inference.StatusError{
				Path: "/run/predict", StatusCode: 503, Body: "Service Unavailable",
			}},
			wantStatus: http.StatusBadGateway,
			wantKind:   "hf_failed",
			wantDetail: "POST /run/predict: 503 Service Unavailable",
		},
		{
			name:       "wrapped exhausted sentinel",
			err:        fmt.Errorf("deliver: %w", inference.ErrExhausted),
			wantStatus: http.StatusBadGateway,
			wantKind:   "hf_failed",
		},
		{
			name:       "no image",
			err:        fmt.Errorf("%w: data[0] is missing", inference.ErrNoImage),
			wantStatus: http.StatusBadGateway,
			wantKind:   "no_image_in_response",
		},
		{
			name:       "empty prediction",
			pred:       &inference.Prediction{},
			wantStatus: http.StatusBadGateway,
			wantKind:   "no_image_in_response",
		},
		{
			name:       "unexpected error",
			err:        errors.New("marshal payload: unsupported value"),
			wantStatus: http.StatusInternalServerError,
			wantKind:   "server_error",
			wantDetail: "marshal payload: unsupported value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			predictor := &stubPredictor{pred: tt.pred, err: tt.err}
			h := NewTransformHandler(predictor, defaultTransformConfig(), zap.NewNop())

			w := doTransform(h, http.MethodPost, fixtures.TransformBody(fixtures.SampleImageBase64, "ink"))

			assert.Equal(t, tt.wantStatus, w.Code)
			e := decodeError(t, w)
			assert.Equal(t, tt.wantKind, e.Error)
			if tt.wantDetail != "" {
				assert.Equal(t, tt.wantDetail, e.Detail)
			}
		})
	}
}

func TestTransformHandler_RecoversPanic(t *testing.T) {
	predictor := &stubPredictor{panicMsg: "nil map write"}
	rec := &transformRecorder{}
	h := NewTransformHandler(predictor, defaultTransformConfig(), zap.NewNop()).WithRecorder(rec)

	var w *httptest.ResponseRecorder
	assert.NotPanics(t, func() {
		w = doTransform(h, http.MethodPost, fixtures.TransformBody(fixtures.SampleImageBase64, "ink"))
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	e := decodeError(t, w)
	assert.Equal(t, "server_error", e.Error)
	assert.NotContains(t, e.Detail, "goroutine")
	assert.Equal(t, []string{"server_error"}, rec.results)
}

func TestTransformHandler_BudgetIsApplied(t *testing.T) {
	var deadline time.Time
	predictor := &budgetPredictor{fn: func(ctx context.Context) {
		deadline, _ = ctx.Deadline()
	}}
	cfg := defaultTransformConfig()
	cfg.Budget = 2 * time.Second

	h := NewTransformHandler(predictor, cfg, zap.NewNop())
	start := time.Now()
	doTransform(h, http.MethodPost, fixtures.TransformBody(fixtures.SampleImageBase64, "ink"))

	require.False(t, deadline.IsZero())
	assert.WithinDuration(t, start.Add(2*time.Second), deadline, time.Second)
}

type budgetPredictor struct {
	fn func(ctx context.Context)
}

func (b *budgetPredictor) Predict(ctx context.Context, _ inference.Payload) (*inference.Prediction, error) {
	b.fn(ctx)
	return &inference.Prediction{Image: fixtures.SampleDataURL}, nil
}

func TestTransformHandler_RecordsResults(t *testing.T) {
	rec := &transformRecorder{}
	predictor := &stubPredictor{pred: &inference.Prediction{Image: fixtures.SampleDataURL}}
	h := NewTransformHandler(predictor, defaultTransformConfig(), zap.NewNop()).WithRecorder(rec)

	doTransform(h, http.MethodPost, fixtures.TransformBody(fixtures.SampleImageBase64, "ink"))
	doTransform(h, http.MethodPost, `{}`)
	doTransform(h, http.MethodGet, "")
	doTransform(h, http.MethodOptions, "")

	assert.Equal(t, []string{"ok", "missing_inputs", "method_not_allowed"}, rec.results)
}

// =============================================================================
// 🧪 端到端（真实客户端 + 模拟上游）
// =============================================================================

func TestTransformHandler_FallbackToSecondPath(t *testing.T) {
	upstream := mocks.NewMockUpstream(t).
		WithRoute("/run/predict", mocks.NotFound()).
		WithRoute("/api/predict", mocks.RespondJSON(http.StatusOK, fixtures.PredictResponse(fixtures.SampleImageBase64)))
	h := newUpstreamHandler(t, upstream, time.Second)

	w := doTransform(h, http.MethodPost, fixtures.TransformBody(fixtures.SampleImageBase64, "watercolor"))

	require.Equal(t, http.StatusOK, w.Code)
	var resp api.TransformResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, fixtures.SampleDataURL, resp.Image)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestTransformHandler_PassesDataURLThrough(t *testing.T) {
	upstream := mocks.NewMockUpstream(t).
		WithRoute("/run/predict", mocks.RespondJSON(http.StatusOK, fixtures.PredictResponse(fixtures.SampleDataURL)))
	h := newUpstreamHandler(t, upstream, time.Second)

	w := doTransform(h, http.MethodPost, fixtures.TransformBody(fixtures.SampleDataURL, "watercolor"))

	require.Equal(t, http.StatusOK, w.Code)
	resp := testutil.MustParseJSON[api.TransformResponse](w.Body.String())
	assert.Equal(t, fixtures.SampleDataURL, resp.Image)

	// 已是 data URL 的输入不被重复加前缀
	var sent struct {
		Data []any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(upstream.PredictCalls()[0].Body, &sent))
	assert.Equal(t, fixtures.SampleDataURL, sent.Data[0])
}

func TestTransformHandler_AlwaysTimeoutIsHFFailed(t *testing.T) {
	upstream := mocks.NewMockUpstream(t).WithDefault(mocks.Hang())
	h := newUpstreamHandler(t, upstream, 40*time.Millisecond)

	w := doTransform(h, http.MethodPost, fixtures.TransformBody(fixtures.SampleImageBase64, "watercolor"))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	e := decodeError(t, w)
	assert.Equal(t, "hf_failed", e.Error)
	assert.Contains(t, e.Detail, "timed out")

	testutil.AssertEventuallyTrue(t, func() bool {
		return len(upstream.PredictCalls()) == 9
	}, 2*time.Second)
}

func TestTransformHandler_NoImageInResponse(t *testing.T) {
	upstream := mocks.NewMockUpstream(t).
		WithRoute("/run/predict", mocks.RespondJSON(http.StatusOK, fixtures.EmptyPredictResponse()))
	h := newUpstreamHandler(t, upstream, time.Second)

	w := doTransform(h, http.MethodPost, fixtures.TransformBody(fixtures.SampleImageBase64, "watercolor"))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "no_image_in_response", decodeError(t, w).Error)
	assert.Len(t, upstream.PredictCalls(), 1)
}

func TestTransformHandler_ConcurrentRequestsAreIsolated(t *testing.T) {
	echo := func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Data []any `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || len(payload.Data) < 2 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{payload.Data[1]}})
	}
	upstream := mocks.NewMockUpstream(t).WithRoute("/run/predict", echo)
	h := newUpstreamHandler(t, upstream, 2*time.Second)

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// 上游回显 style，结果必须对应本请求的 style
			style := fmt.Sprintf("c3R5bGUt%02d", i)
			w := doTransform(h, http.MethodPost, fixtures.TransformBody(fixtures.SampleImageBase64, style))
			if w.Code != http.StatusOK {
				t.Errorf("request %d: status %d", i, w.Code)
				return
			}
			var resp api.TransformResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Errorf("request %d: %v", i, err)
				return
			}
			if want := "data:image/png;base64," + style; resp.Image != want {
				t.Errorf("request %d: got %q want %q", i, resp.Image, want)
			}
		}(i)
	}
	wg.Wait()
}

func TestRequestID_FromContext(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/transform", nil)
	assert.Empty(t, requestID(r))

	r = r.WithContext(ctxkeys.WithRequestID(r.Context(), "req-42"))
	assert.Equal(t, "req-42", requestID(r))
}
