package inference

// BuildPayload 按上游约定的固定顺序构造请求体。
// 顺序为外部契约: image, style, extra, steps, guidance, img_guidance, seed。
func BuildPayload(p Params) Payload {
	return Payload{
		Data: []any{
			NormalizeDataURL(p.Image),
			p.Style,
			p.Extra,
			p.Steps,
			p.Guidance,
			p.ImgGuidance,
			p.Seed,
		},
	}
}
