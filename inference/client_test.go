package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/sketchflow/config"
	"github.com/BaSui01/sketchflow/inference/retry"
	"github.com/BaSui01/sketchflow/testutil"
	"github.com/BaSui01/sketchflow/testutil/fixtures"
	"github.com/BaSui01/sketchflow/testutil/mocks"
)

var testPaths = []string{"/run/predict", "/api/predict", "/gradio_api/run/predict"}

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		CandidatePaths: testPaths,
		AttemptTimeout: 2 * time.Second,
		Rounds: retry.RoundPolicy{
			MaxRounds: 3,
			BaseDelay: time.Millisecond,
		},
	}
}

func newTestClient(t *testing.T, cfg Config, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	return c
}

func samplePayload() Payload {
	return BuildPayload(Params{
		Image:       fixtures.SampleImageBase64,
		Style:       "watercolor",
		Steps:       15,
		Guidance:    7,
		ImgGuidance: 1.5,
		Seed:        -1,
	})
}

// recordingRecorder 记录指标调用
type recordingRecorder struct {
	mu       sync.Mutex
	attempts []string
	warmups  []bool
}

func (r *recordingRecorder) RecordUpstreamAttempt(path, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, path+"="+outcome)
}

func (r *recordingRecorder) RecordWarmup(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warmups = append(r.warmups, ok)
}

// --- 构造 ---

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	assert.Error(t, err)

	_, err = NewClient(Config{BaseURL: "http://x", AttemptTimeout: time.Second}, nil)
	assert.Error(t, err)

	_, err = NewClient(Config{BaseURL: "http://x", CandidatePaths: testPaths}, nil)
	assert.Error(t, err)

	c, err := NewClient(Config{BaseURL: "http://x/", CandidatePaths: testPaths, AttemptTimeout: time.Second}, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://x", c.baseURL)
	assert.Equal(t, 1, c.cfg.Rounds.MaxRounds)
}

func TestFromUpstream(t *testing.T) {
	u := config.DefaultUpstreamConfig()
	u.Token = "hf_x"

	cfg := FromUpstream(u)
	assert.Equal(t, u.BaseURL, cfg.BaseURL)
	assert.Equal(t, "hf_x", cfg.Token)
	assert.Equal(t, u.CandidatePaths, cfg.CandidatePaths)
	assert.Equal(t, 3, cfg.Rounds.MaxRounds)
	assert.Equal(t, 1500*time.Millisecond, cfg.Rounds.BaseDelay)
	assert.Equal(t, 10*time.Second, cfg.Rounds.MaxDelay)
	assert.True(t, cfg.Warmup)

	// 客户端配置不与应用配置共享底层数组
	u.CandidatePaths[0] = "/mutated"
	assert.Equal(t, "/run/predict", cfg.CandidatePaths[0])
}

// --- 成功路径 ---

func TestClient_Predict_NormalizesImage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"raw base64", fixtures.PredictResponse("aGVsbG8="), "data:image/png;base64,aGVsbG8="},
		{"data url", fixtures.PredictResponse("data:image/png;base64,aGVsbG8="), "data:image/png;base64,aGVsbG8="},
		{"file object", fixtures.FileObjectResponse("data:image/webp;base64,UklGRg=="), "data:image/webp;base64,UklGRg=="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := mocks.NewMockUpstream(t).
				WithRoute("/run/predict", mocks.RespondJSON(http.StatusOK, tt.body))

			pred, err := newTestClient(t, testConfig(upstream.URL())).Predict(testutil.TestContext(t), samplePayload())
			require.NoError(t, err)
			assert.Equal(t, tt.want, pred.Image)
			assert.Equal(t, "/run/predict", pred.Path)
			assert.Equal(t, 1, pred.Attempts)
		})
	}
}

func TestClient_Predict_FallsBackOnNotFoundWithoutBackoff(t *testing.T) {
	upstream := mocks.NewMockUpstream(t).
		WithRoute("/run/predict", mocks.NotFound()).
		WithRoute("/api/predict", mocks.RespondJSON(http.StatusOK, fixtures.PredictResponse("aGVsbG8=")))

	cfg := testConfig(upstream.URL())
	// 若发生轮间退避，测试会明显变慢
	cfg.Rounds.BaseDelay = 5 * time.Second

	start := time.Now()
	pred, err := newTestClient(t, cfg).Predict(testutil.TestContext(t), samplePayload())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, fixtures.SampleDataURL, pred.Image)
	assert.Equal(t, "/api/predict", pred.Path)
	assert.Equal(t, 2, pred.Attempts)
	assert.Equal(t, []string{"/run/predict", "/api/predict"}, upstream.PredictPaths())
}

func TestClient_Predict_MethodNotAllowedFallsBack(t *testing.T) {
	upstream := mocks.NewMockUpstream(t).
		WithRoute("/run/predict", mocks.RespondText(http.StatusMethodNotAllowed, "")).
		WithRoute("/api/predict", mocks.NotFound()).
		WithRoute("/gradio_api/run/predict", mocks.RespondJSON(http.StatusOK, fixtures.PredictResponse("aGVsbG8=")))

	pred, err := newTestClient(t, testConfig(upstream.URL())).Predict(testutil.TestContext(t), samplePayload())
	require.NoError(t, err)
	assert.Equal(t, "/gradio_api/run/predict", pred.Path)
	assert.Equal(t, 3, pred.Attempts)
}

func TestClient_Predict_TransientErrorThenSuccess(t *testing.T) {
	upstream := mocks.NewMockUpstream(t).
		WithRoute("/run/predict", mocks.Sequence(
			mocks.RespondText(http.StatusServiceUnavailable, "model is loading"),
			mocks.RespondJSON(http.StatusOK, fixtures.PredictResponse("aGVsbG8=")),
		))

	cfg := testConfig(upstream.URL())
	cfg.CandidatePaths = []string{"/run/predict"}

	var waits []int
	cfg.Rounds.OnWait = func(round int, _ time.Duration) { waits = append(waits, round) }

	pred, err := newTestClient(t, cfg).Predict(testutil.TestContext(t), samplePayload())
	require.NoError(t, err)
	assert.Equal(t, 2, pred.Attempts)
	assert.Equal(t, []int{1}, waits)
}

func TestClient_Predict_BadBodyIsTransient(t *testing.T) {
	upstream := mocks.NewMockUpstream(t).
		WithRoute("/run/predict", mocks.Sequence(
			mocks.RespondText(http.StatusOK, "<html>Space is building</html>"),
			mocks.RespondJSON(http.StatusOK, fixtures.PredictResponse("aGVsbG8=")),
		))

	cfg := testConfig(upstream.URL())
	cfg.CandidatePaths = []string{"/run/predict"}

	pred, err := newTestClient(t, cfg).Predict(testutil.TestContext(t), samplePayload())
	require.NoError(t, err)
	assert.Equal(t, fixtures.SampleDataURL, pred.Image)
	assert.Equal(t, 2, pred.Attempts)
}

func TestClient_Predict_ImageContentType(t *testing.T) {
	upstream := mocks.NewMockUpstream(t).
		WithRoute("/run/predict", mocks.RespondImage("image/jpeg", []byte("hello")))

	pred, err := newTestClient(t, testConfig(upstream.URL())).Predict(testutil.TestContext(t), samplePayload())
	require.NoError(t, err)
	assert.Equal(t, "data:image/jpeg;base64,aGVsbG8=", pred.Image)
}

func TestClient_Predict_OversizedImageIsRejected(t *testing.T) {
	upstream := mocks.NewMockUpstream(t).
		WithRoute("/run/predict", mocks.RespondImage("image/png", make([]byte, 1025)))

	_, err := newTestClient(t, testConfig(upstream.URL()), WithMaxResponseBytes(1024)).
		Predict(testutil.TestContext(t), samplePayload())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoImage)
	assert.Contains(t, err.Error(), "response exceeds 1024 bytes")
	// 超限不重试
	assert.Len(t, upstream.PredictCalls(), 1)
}

func TestClient_Predict_ImageAtLimitIsAccepted(t *testing.T) {
	upstream := mocks.NewMockUpstream(t).
		WithRoute("/run/predict", mocks.RespondImage("image/png", []byte("abcd")))

	pred, err := newTestClient(t, testConfig(upstream.URL()), WithMaxResponseBytes(4)).
		Predict(testutil.TestContext(t), samplePayload())
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,YWJjZA==", pred.Image)
}

func TestClient_Predict_SendsPayloadAndToken(t *testing.T) {
	upstream := mocks.NewMockUpstream(t).
		WithRoute("/run/predict", mocks.RespondJSON(http.StatusOK, fixtures.PredictResponse("aGVsbG8=")))

	cfg := testConfig(upstream.URL())
	cfg.Token = "hf_secret"

	_, err := newTestClient(t, cfg).Predict(testutil.TestContext(t), samplePayload())
	require.NoError(t, err)

	calls := upstream.PredictCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Bearer hf_secret", calls[0].Authorization)
	assert.Equal(t, "application/json", calls[0].ContentType)
	assert.JSONEq(t,
		`{"data":["data:image/png;base64,aGVsbG8=","watercolor","",15,7,1.5,-1]}`,
		string(calls[0].Body))
}

func TestClient_Predict_NoTokenNoAuthorization(t *testing.T) {
	upstream := mocks.NewMockUpstream(t).
		WithRoute("/run/predict", mocks.RespondJSON(http.StatusOK, fixtures.PredictResponse("aGVsbG8=")))

	_, err := newTestClient(t, testConfig(upstream.URL())).Predict(testutil.TestContext(t), samplePayload())
	require.NoError(t, err)
	assert.Empty(t, upstream.PredictCalls()[0].Authorization)
}

// --- 失败路径 ---

func TestClient_Predict_NoImageIsHardFailure(t *testing.T) {
	upstream := mocks.NewMockUpstream(t).
		WithRoute("/run/predict", mocks.RespondJSON(http.StatusOK, fixtures.EmptyPredictResponse()))

	_, err := newTestClient(t, testConfig(upstream.URL())).Predict(testutil.TestContext(t), samplePayload())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoImage)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Len(t, upstream.PredictCalls(), 1)
}

func TestClient_Predict_AlwaysTimeoutExhaustsEveryAttempt(t *testing.T) {
	upstream := mocks.NewMockUpstream(t).WithDefault(mocks.Hang())

	cfg := testConfig(upstream.URL())
	cfg.AttemptTimeout = 50 * time.Millisecond

	_, err := newTestClient(t, cfg).Predict(testutil.TestContext(t), samplePayload())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 9, exhausted.Attempts)
	assert.Contains(t, exhausted.Diagnostic(), "timed out")
	assert.Contains(t, exhausted.Diagnostic(), "/gradio_api/run/predict")

	testutil.AssertEventuallyTrue(t, func() bool {
		return len(upstream.PredictCalls()) == 9
	}, 2*time.Second)
}

func TestClient_Predict_StructuralFailureFailsFast(t *testing.T) {
	upstream := mocks.NewMockUpstream(t)

	cfg := testConfig(upstream.URL())
	cfg.Rounds.BaseDelay = 5 * time.Second

	start := time.Now()
	_, err := newTestClient(t, cfg).Predict(testutil.TestContext(t), samplePayload())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Less(t, time.Since(start), 2*time.Second)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Len(t, upstream.PredictCalls(), 3)
}

func TestClient_Predict_ReportsLastHTTPError(t *testing.T) {
	upstream := mocks.NewMockUpstream(t).
		WithDefault(mocks.RespondText(http.StatusInternalServerError, "CUDA out of memory"))

	cfg := testConfig(upstream.URL())
	cfg.CandidatePaths = []string{"/run/predict"}
	cfg.Rounds.MaxRounds = 2

	_, err := newTestClient(t, cfg).Predict(testutil.TestContext(t), samplePayload())

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
	assert.Equal(t, "POST /run/predict: 500 CUDA out of memory", exhausted.Diagnostic())
}

func TestClient_Predict_LongErrorBodyIsTruncated(t *testing.T) {
	upstream := mocks.NewMockUpstream(t).
		WithDefault(mocks.RespondText(http.StatusInternalServerError, strings.Repeat("x", 4096)))

	cfg := testConfig(upstream.URL())
	cfg.CandidatePaths = []string{"/run/predict"}
	cfg.Rounds.MaxRounds = 1

	_, err := newTestClient(t, cfg).Predict(testutil.TestContext(t), samplePayload())

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	diag := exhausted.Diagnostic()
	assert.True(t, strings.HasSuffix(diag, "..."))
	assert.Less(t, len(diag), 300)
}

func TestClient_Predict_BudgetBoundsLoop(t *testing.T) {
	upstream := mocks.NewMockUpstream(t).WithDefault(mocks.Hang())

	cfg := testConfig(upstream.URL())
	cfg.AttemptTimeout = 5 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := newTestClient(t, cfg).Predict(ctx, samplePayload())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestClient_Predict_CanceledContext(t *testing.T) {
	upstream := mocks.NewMockUpstream(t)

	_, err := newTestClient(t, testConfig(upstream.URL())).Predict(testutil.CancelledContext(), samplePayload())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, upstream.PredictCalls())
}

func TestClient_Predict_NetworkError(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Rounds.MaxRounds = 1

	rec := &recordingRecorder{}
	_, err := newTestClient(t, cfg, WithRecorder(rec)).Predict(testutil.TestContext(t), samplePayload())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Len(t, rec.attempts, 3)
	for _, a := range rec.attempts {
		assert.Contains(t, a, "="+string(OutcomeNetworkError))
	}
}

// --- 预热与指标 ---

func TestClient_Predict_WarmupPrecedesPredict(t *testing.T) {
	upstream := mocks.NewMockUpstream(t).
		WithRoute("/", mocks.RespondText(http.StatusOK, "<html>ok</html>")).
		WithRoute("/run/predict", mocks.RespondJSON(http.StatusOK, fixtures.PredictResponse("aGVsbG8=")))

	cfg := testConfig(upstream.URL())
	cfg.Warmup = true
	cfg.WarmupTimeout = time.Second

	rec := &recordingRecorder{}
	_, err := newTestClient(t, cfg, WithRecorder(rec)).Predict(testutil.TestContext(t), samplePayload())
	require.NoError(t, err)

	calls := upstream.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, http.MethodGet, calls[0].Method)
	assert.Equal(t, http.MethodPost, calls[1].Method)
	assert.Equal(t, []bool{true}, rec.warmups)
	assert.Equal(t, []string{"/run/predict=ok"}, rec.attempts)
}

func TestClient_Predict_WarmupFailureIgnored(t *testing.T) {
	upstream := mocks.NewMockUpstream(t).
		WithRoute("/", mocks.Hang()).
		WithRoute("/run/predict", mocks.RespondJSON(http.StatusOK, fixtures.PredictResponse("aGVsbG8=")))

	cfg := testConfig(upstream.URL())
	cfg.Warmup = true
	cfg.WarmupTimeout = 30 * time.Millisecond

	rec := &recordingRecorder{}
	pred, err := newTestClient(t, cfg, WithRecorder(rec)).Predict(testutil.TestContext(t), samplePayload())
	require.NoError(t, err)
	assert.Equal(t, fixtures.SampleDataURL, pred.Image)
	assert.Equal(t, []bool{false}, rec.warmups)
}

func TestClient_RecordsEveryAttempt(t *testing.T) {
	upstream := mocks.NewMockUpstream(t).
		WithRoute("/api/predict", mocks.RespondText(http.StatusBadGateway, "")).
		WithRoute("/gradio_api/run/predict", mocks.RespondJSON(http.StatusOK, fixtures.PredictResponse("aGVsbG8=")))

	rec := &recordingRecorder{}
	_, err := newTestClient(t, testConfig(upstream.URL()), WithRecorder(rec)).Predict(testutil.TestContext(t), samplePayload())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/run/predict=not_found",
		"/api/predict=http_error",
		"/gradio_api/run/predict=ok",
	}, rec.attempts)
}

// --- 并发 ---

func TestClient_Predict_ConcurrentRequestsAreIsolated(t *testing.T) {
	// 回显请求中的图像，验证并发请求互不干扰
	echo := func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Data []any `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || len(payload.Data) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{payload.Data[0]}})
	}

	upstream := mocks.NewMockUpstream(t).WithRoute("/run/predict", echo)
	client := newTestClient(t, testConfig(upstream.URL()))
	ctx := testutil.TestContext(t)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			image := fmt.Sprintf("data:image/png;base64,img%02d", i)
			pred, err := client.Predict(ctx, BuildPayload(Params{Image: image, Style: "s"}))
			if err != nil {
				errs <- err
				return
			}
			if pred.Image != image {
				errs <- fmt.Errorf("request %d got %q", i, pred.Image)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

// --- Ping ---

func TestClient_Ping(t *testing.T) {
	healthy := mocks.NewMockUpstream(t).WithRoute("/", mocks.RespondText(http.StatusOK, "ok"))
	assert.NoError(t, newTestClient(t, testConfig(healthy.URL())).Ping(testutil.TestContext(t)))

	broken := mocks.NewMockUpstream(t).WithDefault(mocks.RespondText(http.StatusServiceUnavailable, "down"))
	err := newTestClient(t, testConfig(broken.URL())).Ping(testutil.TestContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	err = newTestClient(t, testConfig("http://127.0.0.1:1")).Ping(testutil.TestContext(t))
	assert.True(t, err != nil && !errors.Is(err, ErrExhausted))
}
