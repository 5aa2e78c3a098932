// Copyright (c) Chorus Authors.
// Licensed under the MIT License.

/*
包 database 负责打开性能样本库并管理其连接池。

Open 根据 DatabaseConfig.Driver 选择 GORM 方言（sqlite 纯 Go、
sqlite3 cgo、postgres、mysql），并把 SQL 日志接到 zap。
PoolManager 负责连接池参数、后台探活、连接数上报
（WithStatsReporter → metrics）以及带退避重试的事务。
*/
package database
