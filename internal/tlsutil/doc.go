// Copyright (c) Chorus Authors.
// Licensed under the MIT License.

// Package tlsutil 集中管理 TLS 配置：引擎 HTTP 客户端、API 服务端与 Redis 连接共用（TLS 1.2+，仅 AEAD 套件）。
package tlsutil
