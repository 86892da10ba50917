// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package inference 实现对上游 Gradio 风格图像生成服务的调用。

# 调用流程

	Predict
	  ├─ Warmup（可选，尽力而为，失败忽略）
	  └─ 第 1..MaxRounds 轮
	       └─ 按优先级尝试每个候选路径（独立超时）
	            ├─ 2xx   → 提取 data[0]，规范为 data URL，返回
	            ├─ 404/405 → 立即尝试下一个路径
	            └─ 其他  → 记为最后错误，继续
	     轮间等待 round × BaseDelay

# 结果

成功返回 Prediction；成功响应中无图像返回 ErrNoImage；
全部失败返回 *ExhaustedError，可通过 errors.Is(err, ErrExhausted) 判断。

请求体由 BuildPayload 按固定顺序构造，图像值由 NormalizeDataURL 规范化。
*/
package inference
