// Copyright (c) Chorus Authors.
// Licensed under the MIT License.

/*
Package pool 提供有界的弹性 goroutine 池，用于缓存落盘等后台异步写入。

worker 按需拉起、空闲超时回收；队列满时 Submit 立即返回 ErrPoolFull 而不阻塞
请求路径。Close 停止接收新任务，排空队列后返回。
*/
package pool
