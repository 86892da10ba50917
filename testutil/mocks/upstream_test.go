package mocks

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockUpstream_BehaviorCanReadBody(t *testing.T) {
	echo := func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}
	m := NewMockUpstream(t).WithRoute("/run/predict", echo)

	resp, err := http.Post(m.URL()+"/run/predict", "application/json", strings.NewReader(`{"data":["a","b"]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"data":["a","b"]}`, string(got))

	// 调用记录保留同一份请求体
	calls := m.PredictCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, `{"data":["a","b"]}`, string(calls[0].Body))
}
