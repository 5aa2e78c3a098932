package cache

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/chorus/internal/tlsutil"
)

// =============================================================================
// 💾 Redis 连接管理器
// =============================================================================

// ErrCacheMiss 缓存未命中错误
var ErrCacheMiss = errors.New("cache miss")

var errClosed = errors.New("cache manager is closed")

// IsCacheMiss 判断是否为缓存未命中错误
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// Config Redis 连接配置
type Config struct {
	Addr                string        `yaml:"addr" json:"addr" env:"ADDR"`
	Password            string        `yaml:"password" json:"-" env:"PASSWORD"`
	DB                  int           `yaml:"db" json:"db" env:"DB"`
	KeyPrefix           string        `yaml:"key_prefix" json:"key_prefix" env:"KEY_PREFIX"`
	MaxRetries          int           `yaml:"max_retries" json:"max_retries" env:"MAX_RETRIES"`
	PoolSize            int           `yaml:"pool_size" json:"pool_size" env:"POOL_SIZE"`
	MinIdleConns        int           `yaml:"min_idle_conns" json:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	TLSEnabled          bool          `yaml:"tls_enabled" json:"tls_enabled" env:"TLS_ENABLED"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		KeyPrefix:           "chorus:",
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Manager 持有 go-redis 客户端，负责连通性检查、健康巡检与关闭
type Manager struct {
	client *redis.Client
	config Config
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

// NewManager connects to Redis and verifies the connection with PING.
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	opts := &redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	}
	if config.TLSEnabled {
		host := config.Addr
		if i := strings.LastIndex(host, ":"); i > 0 {
			host = host[:i]
		}
		opts.TLSConfig = tlsutil.ClientTLSConfig(host)
	}
	return newManager(redis.NewClient(opts), config, logger)
}

func newManager(client *redis.Client, config Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := &Manager{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "redis")),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	if config.HealthCheckInterval > 0 {
		go m.healthCheckLoop()
	} else {
		close(m.done)
	}

	m.logger.Info("redis manager initialized",
		zap.String("addr", config.Addr),
		zap.Int("pool_size", config.PoolSize),
		zap.Bool("tls", config.TLSEnabled),
	)
	return m, nil
}

// Client returns the underlying client.
func (m *Manager) Client() *redis.Client {
	return m.client
}

// Key prefixes k with the configured namespace.
func (m *Manager) Key(k string) string {
	return m.config.KeyPrefix + k
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// SetJSON stores v as JSON under key with ttl (0 means no expiry).
func (m *Manager) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	if err := m.check(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	if err := m.client.Set(ctx, key, data, ttl).Err(); err != nil {
		m.logger.Error("redis set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// GetJSON loads the JSON value at key into dest. A missing key returns ErrCacheMiss.
func (m *Manager) GetJSON(ctx context.Context, key string, dest any) error {
	if err := m.check(); err != nil {
		return err
	}
	data, err := m.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("redis get failed: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return nil
}

// Delete removes keys.
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	if err := m.check(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := m.client.Del(ctx, keys...).Err(); err != nil {
		m.logger.Error("redis delete failed", zap.Strings("keys", keys), zap.Error(err))
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// Scan returns all keys matching pattern using SCAN.
func (m *Manager) Scan(ctx context.Context, pattern string) ([]string, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	var keys []string
	iter := m.client.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	return keys, nil
}

// Ping 检查 Redis 连接
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.check(); err != nil {
		return err
	}
	return m.client.Ping(ctx).Err()
}

// Close stops the health loop and closes the client.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	<-m.done
	m.logger.Info("closing redis manager")
	return m.client.Close()
}

func (m *Manager) check() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errClosed
	}
	return nil
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

func (m *Manager) healthCheckLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.client.Ping(ctx).Err(); err != nil {
				m.logger.Error("redis health check failed", zap.Error(err))
			} else {
				m.logger.Debug("redis health check passed")
			}
			cancel()
		}
	}
}

// =============================================================================
// 📊 统计信息
// =============================================================================

// Stats Redis 服务端统计
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	UsedMemory  int64  `json:"used_memory"`
	Connections int    `json:"connections"`
}

// GetStats reads INFO stats/memory/clients.
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	info, err := m.client.Info(ctx, "stats", "memory", "clients").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get redis info: %w", err)
	}
	return parseInfo(info), nil
}

func parseInfo(info string) *Stats {
	stats := &Stats{}
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok {
			continue
		}
		switch k {
		case "keyspace_hits":
			stats.Hits, _ = strconv.ParseUint(v, 10, 64)
		case "keyspace_misses":
			stats.Misses, _ = strconv.ParseUint(v, 10, 64)
		case "used_memory":
			stats.UsedMemory, _ = strconv.ParseInt(v, 10, 64)
		case "connected_clients":
			stats.Connections, _ = strconv.Atoi(v)
		}
	}
	return stats
}
