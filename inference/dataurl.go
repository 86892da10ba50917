package inference

import (
	"encoding/base64"
	"mime"
	"strings"
)

// DefaultImagePrefix 原始 base64 数据默认按 PNG 处理
const DefaultImagePrefix = "data:image/png;base64,"

// NormalizeDataURL 将图像值规范为 data URL。
// 以 "data:" 开头的值原样返回，否则视为裸 base64 并加上 PNG 前缀。
// 该函数幂等。
func NormalizeDataURL(image string) string {
	if IsDataURL(image) {
		return image
	}
	return DefaultImagePrefix + image
}

// IsDataURL 判断值是否已经是 data URL
func IsDataURL(s string) bool {
	return strings.HasPrefix(s, "data:")
}

// EncodeDataURL 将原始图像字节编码为 data URL
func EncodeDataURL(contentType string, raw []byte) string {
	mediaType := "image/png"
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt != "" {
			mediaType = mt
		}
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(raw)
}

// dataURLPayload 返回 data URL 逗号后的数据部分
func dataURLPayload(s string) string {
	if i := strings.IndexByte(s, ','); i >= 0 {
		return s[i+1:]
	}
	return ""
}
