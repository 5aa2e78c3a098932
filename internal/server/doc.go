// Copyright (c) Chorus Authors.
// Licensed under the MIT License.

/*
包 server 管理 Chorus 的 HTTP/HTTPS 监听生命周期。

chorus serve 会创建两个 Manager：一个承载 /v1 API，一个承载
Prometheus /metrics。Start/StartTLS 非阻塞启动，Run 阻塞到
上下文取消（通常来自 signal.NotifyContext）或服务异常，随后
在 ShutdownTimeout 内排空连接。StartTLS 使用 tlsutil 的
TLS 1.2+ AEAD 配置。
*/
package server
