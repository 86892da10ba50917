// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 SketchFlow 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 异步断言: AssertEventuallyTrue，支持超时轮询等待条件满足
  - 数据工具: MustParseJSON
  - 日志: NewTestLogger

# 子包

  - testutil/mocks: MockUpstream，基于 httptest 的上游推理服务模拟，
    支持按路径配置响应、顺序行为与挂起超时
  - testutil/fixtures: 上游预测响应体与转换请求体样例

# 使用示例

	upstream := mocks.NewMockUpstream(t).
	    WithRoute("/run/predict", mocks.NotFound()).
	    WithRoute("/api/predict", mocks.RespondJSON(200, fixtures.PredictResponse("aGVsbG8=")))
*/
package testutil
