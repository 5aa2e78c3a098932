// Copyright (c) Chorus Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 Chorus HTTP API 的请求处理器实现。

# 概述

handlers 包把编排器、语义缓存与优化器暴露为 HTTP 端点，
所有 Handler 均遵循标准 net/http 接口，响应统一使用 api.Response 信封。

# 核心类型

  - ResolveHandler   — POST /v1/resolve 与 POST /v1/feedback
  - StreamHandler    — GET /v1/resolve/stream，websocket 逐引擎推送结果
  - CacheHandler     — 缓存统计、清扫与单条失效
  - OptimizerHandler — 各策略的样本聚合
  - HealthHandler    — /health、/healthz、/ready、/version
  - HealthCheck      — 可插拔就绪检查，CheckFunc 适配任意函数
  - ResponseWriter   — 捕获状态码，支持 Hijack 以便 websocket 升级

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON
  - 请求验证：DecodeJSONBody（大小限制 + 拒绝未知字段）
  - ErrorCode → HTTP 状态码自动映射
  - BuildRequest：会话键回退、user_tier 偏好映射、metadata 解析
*/
package handlers
