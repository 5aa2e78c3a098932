// Copyright (c) Chorus Authors.
// Licensed under the MIT License.

/*
包 migration 管理性能样本库的 Schema 版本，基于 golang-migrate。

各方言的 SQL 以 embed.FS 内嵌在 migrations/<dialect>/ 下，
sqlite 与 sqlite3 共用同一套文件。DefaultMigrator 可以复用已打开的
*sql.DB（chorus migrate 复用 internal/database 打开的连接），
也可以按 URL 自行连接 postgres / mysql。CLI 负责 chorus migrate
子命令的表格或 JSON 输出。
*/
package migration
