// Copyright (c) Chorus Authors.
// Licensed under the MIT License.

/*
包 cache 管理到 Redis 的连接，供语义缓存的持久化层（cache/redisstore）使用。

# 核心类型

  - Manager：持有 go-redis 客户端，启动时 PING 校验连通性，
    后台定时健康巡检，提供 SetJSON/GetJSON/Delete/Scan 与 INFO 统计解析。
  - Config：地址、密码、库号、键前缀、连接池、TLS 与巡检间隔。

缺失的键返回 ErrCacheMiss，可用 IsCacheMiss 判断。关闭后所有操作返回错误。
*/
package cache
