// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 SketchFlow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 inference、api
等上层模块提供统一的错误契约，以避免循环依赖。

# 核心类型

  - ErrorKind：返回给调用方的错误类型字符串（missing_inputs、hf_failed 等）
  - Error    ：结构化错误，含 Kind、Detail、HTTP 状态码与 Cause

# 主要能力

  - ErrorKind → HTTP 状态码映射（400/405/500/502）
  - 错误工具链：AsError / GetErrorKind / IsRetryable / WrapError
*/
package types
