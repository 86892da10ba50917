// MockUpstream 上游推理服务的测试模拟实现。
//
// 支持按路径配置响应、按调用次序切换行为与挂起模拟超时。
package mocks

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// --- Behavior ---

// Behavior 描述模拟上游对单个请求的响应方式
type Behavior func(w http.ResponseWriter, r *http.Request)

// RespondJSON 返回给定状态码与 JSON 响应体
func RespondJSON(status int, body string) Behavior {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

// RespondText 返回给定状态码与纯文本响应体
func RespondText(status int, body string) Behavior {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

// RespondImage 返回原始图像字节
func RespondImage(contentType string, raw []byte) Behavior {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(raw)
	}
}

// NotFound 模拟不存在的候选路径
func NotFound() Behavior {
	return RespondText(http.StatusNotFound, "Not Found")
}

// Hang 挂起直到客户端放弃请求，用于模拟超时
func Hang() Behavior {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}
}

// Delay 延迟 d 后执行 next
func Delay(d time.Duration, next Behavior) Behavior {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(d):
		}
		next(w, r)
	}
}

// Sequence 第 n 次调用使用第 n 个行为，超出后重复最后一个
func Sequence(behaviors ...Behavior) Behavior {
	var (
		mu sync.Mutex
		n  int
	)
	return func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		i := n
		n++
		mu.Unlock()
		if i >= len(behaviors) {
			i = len(behaviors) - 1
		}
		behaviors[i](w, r)
	}
}

// --- MockUpstream 结构 ---

// UpstreamCall 记录单次请求
type UpstreamCall struct {
	Method        string
	Path          string
	Body          []byte
	Authorization string
	ContentType   string
}

// MockUpstream 基于 httptest.Server 的上游模拟
type MockUpstream struct {
	mu       sync.RWMutex
	server   *httptest.Server
	routes   map[string]Behavior
	fallback Behavior
	calls    []UpstreamCall
}

// NewMockUpstream 创建并启动模拟上游，测试结束时自动关闭。
// 未配置的路径默认返回 404。
func NewMockUpstream(t testing.TB) *MockUpstream {
	t.Helper()

	m := &MockUpstream{
		routes:   make(map[string]Behavior),
		fallback: NotFound(),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.server.Close)
	return m
}

// --- Builder 方法 ---

// WithRoute 为指定路径配置行为
func (m *MockUpstream) WithRoute(path string, b Behavior) *MockUpstream {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[path] = b
	return m
}

// WithDefault 配置未匹配路径的行为
func (m *MockUpstream) WithDefault(b Behavior) *MockUpstream {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = b
	return m
}

// --- 查询方法 ---

// URL 返回模拟上游的基础地址
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Calls 返回所有请求记录的副本
func (m *MockUpstream) Calls() []UpstreamCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]UpstreamCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// PredictCalls 返回 POST 请求记录
func (m *MockUpstream) PredictCalls() []UpstreamCall {
	var out []UpstreamCall
	for _, c := range m.Calls() {
		if c.Method == http.MethodPost {
			out = append(out, c)
		}
	}
	return out
}

// PredictPaths 按顺序返回 POST 请求的路径
func (m *MockUpstream) PredictPaths() []string {
	calls := m.PredictCalls()
	paths := make([]string, len(calls))
	for i, c := range calls {
		paths[i] = c.Path
	}
	return paths
}

func (m *MockUpstream) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	// 行为函数仍可读取请求体
	r.Body = io.NopCloser(bytes.NewReader(body))

	m.mu.Lock()
	m.calls = append(m.calls, UpstreamCall{
		Method:        r.Method,
		Path:          r.URL.Path,
		Body:          body,
		Authorization: r.Header.Get("Authorization"),
		ContentType:   r.Header.Get("Content-Type"),
	})
	b, ok := m.routes[r.URL.Path]
	if !ok {
		b = m.fallback
	}
	m.mu.Unlock()

	b(w, r)
}
