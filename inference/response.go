package inference

import (
	"fmt"
	"mime"
	"strings"

	"github.com/tidwall/gjson"
)

// extractImage 从 2xx 响应中提取图像并规范为 data URL。
//
// 支持的形态:
//   - Content-Type 为 image/*: 原始字节编码为 data URL
//   - {"data": ["<base64 或 data URL>", ...]}
//   - {"data": [{"url": "data:..."}]} 或 {"data": [{"data": "data:..."}]}（文件对象）
//
// 非 JSON 响应体返回 OutcomeBadBody，可解析但无图像返回 OutcomeNoImage。
func extractImage(contentType string, body []byte) (string, Outcome, error) {
	if isImageContentType(contentType) {
		if len(body) == 0 {
			return "", OutcomeNoImage, fmt.Errorf("%w: empty image body", ErrNoImage)
		}
		return EncodeDataURL(contentType, body), OutcomeOK, nil
	}

	if !gjson.ValidBytes(body) {
		return "", OutcomeBadBody, fmt.Errorf("upstream returned a non-JSON body (%s)", snippet(body))
	}

	first := gjson.GetBytes(body, "data.0")
	var image string
	switch {
	case first.Type == gjson.String:
		image = first.String()
	case first.IsObject():
		for _, key := range []string{"url", "data"} {
			if v := first.Get(key); v.Type == gjson.String && IsDataURL(v.String()) {
				image = v.String()
				break
			}
		}
	}

	if strings.TrimSpace(image) == "" {
		return "", OutcomeNoImage, fmt.Errorf("%w: data[0] is %s", ErrNoImage, describe(first))
	}

	image = NormalizeDataURL(image)
	if dataURLPayload(image) == "" {
		return "", OutcomeNoImage, fmt.Errorf("%w: empty data URL", ErrNoImage)
	}
	return image, OutcomeOK, nil
}

func isImageContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mt, "image/")
}

func describe(r gjson.Result) string {
	if !r.Exists() {
		return "missing"
	}
	switch r.Type {
	case gjson.String:
		return "an empty string"
	case gjson.Null:
		return "null"
	case gjson.Number:
		return "a number"
	case gjson.True, gjson.False:
		return "a boolean"
	}
	if r.IsArray() {
		return "an array"
	}
	return "an object without an image"
}

// snippet 截取响应体开头用于诊断
func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "empty"
	}
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
