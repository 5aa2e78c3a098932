// Copyright (c) Chorus Authors.
// Licensed under the MIT License.

/*
Package types 提供 Chorus 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 engine、dispatcher、cache、
orchestrator 与 api 等上层模块提供统一的错误码和上下文传播契约。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable、Engine 标记
  - EngineTimeout / EngineError — 单引擎失败（被吸收进 perEngine，不上抛）
  - AllEnginesFailed / InvalidStrategy — 仅有的两类调用方可见错误
  - CacheScopeViolation — 会话隔离防御性检查

# 主要能力

  - Context 传播：WithTraceID / WithRequestID / WithTenantID / WithUserID / WithSessionKey
  - 错误工具链：IsRetryable / GetErrorCode / IsCode，兼容 errors.Is / errors.As
*/
package types
