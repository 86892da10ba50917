// =============================================================================
// 📦 测试数据工厂 - 上游响应与转换请求
// =============================================================================
// 提供预定义的上游预测响应与转换请求体，用于测试
// =============================================================================
package fixtures

import "fmt"

// SampleImageBase64 是 "hello" 的 base64 编码，作为最小图像载荷
const SampleImageBase64 = "aGVsbG8="

// SampleDataURL 是 SampleImageBase64 对应的 PNG data URL
const SampleDataURL = "data:image/png;base64," + SampleImageBase64

// =============================================================================
// 🎯 上游预测响应
// =============================================================================

// PredictResponse 返回 {"data": ["<image>"]} 形式的响应体
func PredictResponse(image string) string {
	return fmt.Sprintf(`{"data":[%q],"is_generating":false,"duration":1.5}`, image)
}

// FileObjectResponse 返回 data[0] 为文件对象的响应体
func FileObjectResponse(url string) string {
	return fmt.Sprintf(`{"data":[{"url":%q,"orig_name":"image.png","is_stream":false}]}`, url)
}

// EmptyPredictResponse 返回没有图像的成功响应体
func EmptyPredictResponse() string {
	return `{"data":[]}`
}

// =============================================================================
// 📝 转换请求
// =============================================================================

// TransformBody 返回最小的合法转换请求体
func TransformBody(image, style string) string {
	return fmt.Sprintf(`{"image":%q,"style":%q}`, image, style)
}

// LegacyTransformBody 使用旧客户端的 imageBase64 字段名
func LegacyTransformBody(image, style string) string {
	return fmt.Sprintf(`{"imageBase64":%q,"style":%q}`, image, style)
}
