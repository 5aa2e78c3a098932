// Copyright (c) Chorus Authors.
// Licensed under the MIT License.

/*
Package main 提供 Chorus 服务端程序入口。

# 概述

cmd/chorus 基于 cobra 组织子命令：serve 启动 HTTP API 与独立的 metrics 端口，
resolve 在命令行内完成一次编排并输出 JSON，migrate 管理样本库表结构，
health 与 version 用于运维探测。

# 核心类型

  - app        — 组件装配：引擎注册表、调度器、优化器、语义缓存、编排器以及可选的数据库与 Redis
  - Server     — HTTP 服务、metrics 服务、配置热重载与优雅关闭
  - Middleware — func(http.Handler) http.Handler，由 Chain 串联

# 中间件链

Recovery → RequestID → SecurityHeaders → RequestLogger → CORS → OTelTracing →
Metrics → Auth（X-API-Key / HS256 Bearer）→ RateLimiter（按租户、用户或 IP）

# 热重载

配置文件变更后日志级别与缓存阈值即时生效，其余字段需重启。

# 构建注入

Version、BuildTime、GitCommit 通过 ldflags 设置。
*/
package main
