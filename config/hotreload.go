// 配置热重载。
//
// 只有日志级别与缓存匹配阈值会在运行时生效；其余字段的变化会被记录为
// requires_restart，直到进程重启。
package config

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HotReloadableField 描述一个可热重载字段
type HotReloadableField struct {
	Path        string `json:"path"`
	Description string `json:"description"`
}

var hotReloadableFields = []HotReloadableField{
	{Path: "log.level", Description: "日志级别"},
	{Path: "cache.similarity_threshold", Description: "缓存命中的最小余弦相似度"},
	{Path: "cache.freshness_threshold", Description: "缓存命中的最小新鲜度"},
	{Path: "cache.partial_threshold", Description: "部分命中的最小相似度"},
}

// ConfigChange 代表一次字段变更
type ConfigChange struct {
	Path            string    `json:"path"`
	OldValue        any       `json:"old_value"`
	NewValue        any       `json:"new_value"`
	Applied         bool      `json:"applied"`
	RequiresRestart bool      `json:"requires_restart"`
	Timestamp       time.Time `json:"timestamp"`
}

// ReloadCallback 在热字段生效后调用
type ReloadCallback func(oldConfig, newConfig *Config)

// HotReloadOption 配置 HotReloadManager
type HotReloadOption func(*HotReloadManager)

// WithHotReloadLogger 设置记录器
func WithHotReloadLogger(logger *zap.Logger) HotReloadOption {
	return func(m *HotReloadManager) { m.logger = logger }
}

// WithReloadPath 设置配置文件路径
func WithReloadPath(path string) HotReloadOption {
	return func(m *HotReloadManager) { m.configPath = path }
}

// WithMaxChangeLog 设置变更日志最大条数
func WithMaxChangeLog(n int) HotReloadOption {
	return func(m *HotReloadManager) {
		if n > 0 {
			m.maxChangeLog = n
		}
	}
}

// WithWatcherOptions 透传给内部 FileWatcher 的选项
func WithWatcherOptions(opts ...WatcherOption) HotReloadOption {
	return func(m *HotReloadManager) { m.watcherOpts = append(m.watcherOpts, opts...) }
}

// HotReloadManager 管理配置热重载
type HotReloadManager struct {
	mu sync.RWMutex

	config       *Config
	configPath   string
	envPrefix    string
	watcher      *FileWatcher
	watcherOpts  []WatcherOption
	callbacks    []ReloadCallback
	changeLog    []ConfigChange
	maxChangeLog int
	version      int

	logger *zap.Logger
}

// NewHotReloadManager 创建一个新的热重载管理器
func NewHotReloadManager(cfg *Config, opts ...HotReloadOption) *HotReloadManager {
	m := &HotReloadManager{
		config:       cfg,
		envPrefix:    "CHORUS",
		maxChangeLog: 200,
		version:      1,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "config_reload"))
	m.watcherOpts = append(m.watcherOpts, WithWatcherLogger(m.logger))
	return m
}

// Start 开始监听配置文件；未设置路径时什么都不做
func (m *HotReloadManager) Start(ctx context.Context) error {
	if m.configPath == "" {
		return nil
	}
	w, err := NewFileWatcher([]string{m.configPath}, m.watcherOpts...)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	w.OnChange(func(ev FileEvent) {
		if ev.Op == FileOpRemove || ev.Op == FileOpRename {
			m.logger.Warn("config file removed, keeping current config", zap.String("path", ev.Path))
			return
		}
		if _, err := m.ReloadFromFile(); err != nil {
			m.logger.Error("config reload failed, keeping current config", zap.Error(err))
		}
	})
	if err := w.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.watcher = w
	m.mu.Unlock()
	return nil
}

// Stop 停止监听
func (m *HotReloadManager) Stop() error {
	m.mu.Lock()
	w := m.watcher
	m.watcher = nil
	m.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Stop()
}

// OnReload 注册重载回调
func (m *HotReloadManager) OnReload(cb ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// ReloadFromFile 重新加载配置文件并应用热字段
func (m *HotReloadManager) ReloadFromFile() ([]ConfigChange, error) {
	if m.configPath == "" {
		return nil, fmt.Errorf("no config path configured")
	}
	next, err := NewLoader().WithConfigPath(m.configPath).WithEnvPrefix(m.envPrefix).Load()
	if err != nil {
		return nil, err
	}
	return m.ApplyConfig(next), nil
}

// ApplyConfig 把 next 中的热字段应用到当前配置；其它差异只记录
func (m *HotReloadManager) ApplyConfig(next *Config) []ConfigChange {
	m.mu.Lock()
	old := m.config
	changes := diffConfig(old, next, time.Now())
	if len(changes) == 0 {
		m.mu.Unlock()
		return nil
	}

	applied := *old
	applied.Log.Level = next.Log.Level
	applied.Cache.SimilarityThreshold = next.Cache.SimilarityThreshold
	applied.Cache.FreshnessThreshold = next.Cache.FreshnessThreshold
	applied.Cache.PartialThreshold = next.Cache.PartialThreshold
	m.config = &applied
	m.version++

	m.changeLog = append(m.changeLog, changes...)
	if over := len(m.changeLog) - m.maxChangeLog; over > 0 {
		m.changeLog = append([]ConfigChange(nil), m.changeLog[over:]...)
	}
	callbacks := append([]ReloadCallback(nil), m.callbacks...)
	version := m.version
	m.mu.Unlock()

	for _, c := range changes {
		if c.RequiresRestart {
			m.logger.Warn("config change requires restart", zap.String("path", c.Path))
			continue
		}
		m.logger.Info("config change applied",
			zap.String("path", c.Path),
			zap.Any("old", c.OldValue),
			zap.Any("new", c.NewValue))
	}
	m.logger.Info("config reloaded", zap.Int("version", version), zap.Int("changes", len(changes)))

	for _, cb := range callbacks {
		m.safeCallback(cb, old, &applied)
	}
	return changes
}

func (m *HotReloadManager) safeCallback(cb ReloadCallback, old, next *Config) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("config reload callback panicked", zap.Any("panic", r))
		}
	}()
	cb(old, next)
}

// diffConfig 逐字段比较热字段，其余顶层字段整体比较
func diffConfig(old, next *Config, now time.Time) []ConfigChange {
	var changes []ConfigChange
	hot := func(path string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			changes = append(changes, ConfigChange{Path: path, OldValue: a, NewValue: b, Applied: true, Timestamp: now})
		}
	}
	hot("log.level", old.Log.Level, next.Log.Level)
	hot("cache.similarity_threshold", old.Cache.SimilarityThreshold, next.Cache.SimilarityThreshold)
	hot("cache.freshness_threshold", old.Cache.FreshnessThreshold, next.Cache.FreshnessThreshold)
	hot("cache.partial_threshold", old.Cache.PartialThreshold, next.Cache.PartialThreshold)

	// 比较时屏蔽热字段，剩余差异都需要重启
	o, n := *old, *next
	o.Log.Level, n.Log.Level = "", ""
	o.Cache.SimilarityThreshold, n.Cache.SimilarityThreshold = 0, 0
	o.Cache.FreshnessThreshold, n.Cache.FreshnessThreshold = 0, 0
	o.Cache.PartialThreshold, n.Cache.PartialThreshold = 0, 0

	ov, nv := reflect.ValueOf(o), reflect.ValueOf(n)
	t := ov.Type()
	for i := 0; i < t.NumField(); i++ {
		if reflect.DeepEqual(ov.Field(i).Interface(), nv.Field(i).Interface()) {
			continue
		}
		name := t.Field(i).Tag.Get("yaml")
		changes = append(changes, ConfigChange{Path: name, RequiresRestart: true, Timestamp: now})
	}
	return changes
}

// GetConfig 返回当前配置（只读）
func (m *HotReloadManager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Version 返回当前配置版本号，每次有变更的重载加一
func (m *HotReloadManager) Version() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// GetChangeLog 返回最近 limit 条变更，limit<=0 表示全部
func (m *HotReloadManager) GetChangeLog(limit int) []ConfigChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.changeLog
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	return append([]ConfigChange(nil), log...)
}

// GetHotReloadableFields 返回可热重载字段的列表
func GetHotReloadableFields() []HotReloadableField {
	return append([]HotReloadableField(nil), hotReloadableFields...)
}
