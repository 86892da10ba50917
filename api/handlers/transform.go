package handlers

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/BaSui01/sketchflow/api"
	"github.com/BaSui01/sketchflow/config"
	"github.com/BaSui01/sketchflow/inference"
	"github.com/BaSui01/sketchflow/internal/ctxkeys"
	"github.com/BaSui01/sketchflow/types"
)

// =============================================================================
// 🎨 草图转换 Handler
// =============================================================================

// Predictor 交付推理请求，由 inference.Client 实现
type Predictor interface {
	Predict(ctx context.Context, payload inference.Payload) (*inference.Prediction, error)
}

// TransformRecorder 记录转换结果指标
type TransformRecorder interface {
	RecordTransform(result string, duration time.Duration)
}

// TransformConfig 转换处理器配置
type TransformConfig struct {
	Budget       time.Duration    // 单个请求的总时长上限
	MaxBodyBytes int64            // 请求体大小上限
	Defaults     inference.Params // 可选参数的缺省值
}

// NewTransformConfig 由应用配置构造处理器配置
func NewTransformConfig(p config.ProxyConfig) TransformConfig {
	return TransformConfig{
		Budget:       p.HandlerBudget,
		MaxBodyBytes: p.MaxBodyBytes,
		Defaults: inference.Params{
			Steps:       p.DefaultSteps,
			Guidance:    p.DefaultGuidance,
			ImgGuidance: p.DefaultImgGuidance,
			Seed:        p.DefaultSeed,
		},
	}
}

// TransformHandler 处理草图风格化请求。
// 只持有不可变配置与并发安全的依赖，每个请求互不影响。
type TransformHandler struct {
	predictor Predictor
	cfg       TransformConfig
	recorder  TransformRecorder
	logger    *zap.Logger
}

// NewTransformHandler 创建转换处理器
func NewTransformHandler(predictor Predictor, cfg TransformConfig, logger *zap.Logger) *TransformHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransformHandler{
		predictor: predictor,
		cfg:       cfg,
		logger:    logger.With(zap.String("handler", "transform")),
	}
}

// WithRecorder 设置指标记录器
func (h *TransformHandler) WithRecorder(r TransformRecorder) *TransformHandler {
	h.recorder = r
	return h
}

var paramsValidator = newParamsValidator()

func newParamsValidator() *validator.Validate {
	v := validator.New()
	// 错误信息使用 JSON 字段名
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// HandleTransform 处理 /api/transform 请求
// @Summary 草图风格化
// @Description 将草图转换为指定风格的图像
// @Tags 转换
// @Accept json
// @Produce json
// @Param request body api.TransformRequest true "转换请求"
// @Success 200 {object} api.TransformResponse "生成的图像"
// @Failure 400 {object} api.TransformError "缺少输入"
// @Failure 405 {object} api.TransformError "方法不允许"
// @Failure 502 {object} api.TransformError "上游失败"
// @Failure 500 {object} api.TransformError "服务器错误"
// @Router /api/transform [post]
func (h *TransformHandler) HandleTransform(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var result string

	defer func() {
		if result != "" && h.recorder != nil {
			h.recorder.RecordTransform(result, time.Since(start))
		}
	}()
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("transform handler panic",
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			result = string(types.ErrServerError)
			WriteErrorKind(w, types.ErrServerError, "", nil)
		}
	}()

	SetTransformCORS(w.Header())

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		w.Header().Set("Allow", "POST, OPTIONS")
		result = h.fail(w, types.NewError(types.ErrMethodNotAllowed, ""))
		return
	}

	var req api.TransformRequest
	if apiErr := DecodeJSONBody(w, r, &req, h.cfg.MaxBodyBytes); apiErr != nil {
		result = h.fail(w, apiErr)
		return
	}

	params := req.Params(h.cfg.Defaults)
	if err := paramsValidator.Struct(params); err != nil {
		result = h.fail(w, missingInputs(err))
		return
	}

	ctx := r.Context()
	if h.cfg.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Budget)
		defer cancel()
	}

	pred, err := h.predictor.Predict(ctx, inference.BuildPayload(params))
	if err != nil {
		result = h.fail(w, classifyPredictError(err))
		return
	}
	if pred == nil || pred.Image == "" {
		result = h.fail(w, types.NewError(types.ErrNoImage, "upstream returned an empty image"))
		return
	}

	h.logger.Info("transform completed",
		zap.String("style", params.Style),
		zap.String("upstream_path", pred.Path),
		zap.Int("attempts", pred.Attempts),
		zap.Duration("duration", time.Since(start)),
		zap.String("request_id", requestID(r)),
	)

	result = "ok"
	WriteJSON(w, http.StatusOK, api.TransformResponse{Image: pred.Image})
}

// requestID 返回中间件注入的请求 ID
func requestID(r *http.Request) string {
	id, _ := ctxkeys.RequestID(r.Context())
	return id
}

// fail 写出错误并返回指标使用的结果标签
func (h *TransformHandler) fail(w http.ResponseWriter, err *types.Error) string {
	WriteError(w, err, h.logger)
	return string(err.Kind)
}

// SetTransformCORS 写入转换端点的宽松 CORS 头。
// 在处理器之前拦截转换请求的中间件也需调用，浏览器才能读到错误响应。
func SetTransformCORS(header http.Header) {
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Content-Type")
}

// missingInputs 将校验错误转换为 missing_inputs
func missingInputs(err error) *types.Error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewError(types.ErrMissingInputs, err.Error()).WithCause(err)
	}
	fields := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		return fe.Field()
	})
	return types.NewError(types.ErrMissingInputs,
		"missing required fields: "+strings.Join(fields, ", ")).WithCause(err)
}

// classifyPredictError 将推理错误映射为对外错误类型
func classifyPredictError(err error) *types.Error {
	var exhausted *inference.ExhaustedError
	switch {
	case errors.Is(err, inference.ErrNoImage):
		return types.NewError(types.ErrNoImage, err.Error()).WithCause(err)
	case errors.As(err, &exhausted):
		return types.NewError(types.ErrUpstreamFailed, exhausted.Diagnostic()).
			WithCause(err).
			WithRetryable(true)
	case errors.Is(err, inference.ErrExhausted):
		return types.NewError(types.ErrUpstreamFailed, err.Error()).
			WithCause(err).
			WithRetryable(true)
	default:
		return types.WrapError(err, types.ErrServerError)
	}
}
