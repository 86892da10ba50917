package api

import "github.com/BaSui01/sketchflow/inference"

// =============================================================================
// 转换请求类型
// =============================================================================

// TransformRequest 代表一次草图风格化请求。
// 可选数值字段使用指针，以区分"未提供"与显式的 0。
// @Description 草图转换请求结构
type TransformRequest struct {
	// base64 图像或 data URL
	Image string `json:"image,omitempty" example:"data:image/png;base64,iVBORw0KGgo="`
	// Image 的旧字段名，两者同时出现时以 image 为准
	ImageBase64 string `json:"imageBase64,omitempty"`
	// 风格名称
	Style string `json:"style" example:"watercolor"`
	// 附加提示词
	Extra string `json:"extra,omitempty" example:""`
	// 采样步数
	Steps *int `json:"steps,omitempty" example:"15"`
	// 文本引导强度
	Guidance *float64 `json:"guidance,omitempty" example:"7"`
	// 图像引导强度
	ImgGuidance *float64 `json:"img_guidance,omitempty" example:"1.5"`
	// 随机种子（-1 表示随机）
	Seed *int64 `json:"seed,omitempty" example:"-1"`
}

// SourceImage 返回请求携带的图像，image 优先于 imageBase64
func (r *TransformRequest) SourceImage() string {
	if r.Image != "" {
		return r.Image
	}
	return r.ImageBase64
}

// Params 用 defaults 填充未提供的可选字段，返回完整的推理参数。
// defaults 的 Image 与 Style 被忽略。
func (r *TransformRequest) Params(defaults inference.Params) inference.Params {
	p := inference.Params{
		Image:       r.SourceImage(),
		Style:       r.Style,
		Extra:       r.Extra,
		Steps:       defaults.Steps,
		Guidance:    defaults.Guidance,
		ImgGuidance: defaults.ImgGuidance,
		Seed:        defaults.Seed,
	}
	if r.Steps != nil {
		p.Steps = *r.Steps
	}
	if r.Guidance != nil {
		p.Guidance = *r.Guidance
	}
	if r.ImgGuidance != nil {
		p.ImgGuidance = *r.ImgGuidance
	}
	if r.Seed != nil {
		p.Seed = *r.Seed
	}
	return p
}

// TransformResponse 代表成功的转换结果。
// @Description 草图转换响应结构
type TransformResponse struct {
	// 生成图像的 data URL
	Image string `json:"image" example:"data:image/png;base64,iVBORw0KGgo="`
}

// TransformError 代表失败的转换结果。
// @Description 草图转换错误结构
type TransformError struct {
	// 错误类型: method_not_allowed, missing_inputs, hf_failed, no_image_in_response, server_error
	Error string `json:"error" example:"hf_failed"`
	// 诊断信息
	Detail string `json:"detail,omitempty" example:"POST /run/predict: 503 Service Unavailable"`
}

// =============================================================================
// 健康检查类型
// =============================================================================

// VersionInfo 代表版本信息。
// @Description 版本信息结构
type VersionInfo struct {
	Version   string `json:"version" example:"1.0.0"`
	BuildTime string `json:"build_time" example:"2026-01-01T00:00:00Z"`
	GitCommit string `json:"git_commit" example:"abc1234"`
}
