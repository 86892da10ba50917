package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/BaSui01/sketchflow/api"
	"github.com/BaSui01/sketchflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// 响应头已写出，只能放弃
		return
	}
}

// WriteError 写入错误响应（从 types.Error），响应体为 {"error": kind, "detail": ...}
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	status := err.Status()

	if logger != nil {
		fields := []zap.Field{
			zap.String("error", string(err.Kind)),
			zap.String("detail", err.Detail),
			zap.Int("status", status),
		}
		if err.Cause != nil {
			fields = append(fields, zap.Error(err.Cause))
		}
		if status >= http.StatusInternalServerError {
			logger.Error("API error", fields...)
		} else {
			logger.Info("API error", fields...)
		}
	}

	WriteJSON(w, status, api.TransformError{
		Error:  string(err.Kind),
		Detail: err.Detail,
	})
}

// WriteErrorKind 写入简单错误
func WriteErrorKind(w http.ResponseWriter, kind types.ErrorKind, detail string, logger *zap.Logger) {
	WriteError(w, types.NewError(kind, detail), logger)
}

// =============================================================================
// 🛡️ 请求验证辅助函数
// =============================================================================

// DecodeJSONBody 解码 JSON 请求体，请求体上限为 maxBytes（<=0 表示不限制）。
// 失败时返回 missing_inputs 类错误，由调用方写出。
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}, maxBytes int64) *types.Error {
	if r.Body == nil || r.Body == http.NoBody {
		return types.NewError(types.ErrMissingInputs, "request body is empty")
	}
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return types.NewError(types.ErrMissingInputs, "request body is empty")
		case errors.As(err, &maxErr):
			return types.NewError(types.ErrMissingInputs,
				fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit)).WithCause(err)
		default:
			return types.NewError(types.ErrMissingInputs, "invalid JSON body: "+err.Error()).WithCause(err)
		}
	}

	return nil
}
