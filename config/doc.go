// Copyright (c) Chorus Authors.
// Licensed under the MIT License.

// Package config 提供 Chorus 的配置管理功能。
//
// 包含配置加载（YAML / TOML + 环境变量）、fsnotify 文件监听、
// 热重载与只读的配置查询 API。引擎列表与策略表只在启动时生效，
// 日志级别与缓存阈值支持运行时热更新。
package config
