// =============================================================================
// 📦 Chorus 默认配置
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/chorus/cache"
	rediscache "github.com/BaSui01/chorus/internal/cache"
	"github.com/BaSui01/chorus/optimizer"
)

// DefaultConfig 返回默认配置。默认没有任何引擎，需要在配置文件中声明。
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Classifier: DefaultClassifierConfig(),
		Dispatcher: DefaultDispatcherConfig(),
		Cache:      DefaultCacheConfig(),
		Optimizer:  optimizer.DefaultConfig(),
		Redis:      rediscache.DefaultConfig(),
		Database:   DefaultDatabaseConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		Auth:       DefaultAuthConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    2 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		MaxBodyBytes:    1 << 20,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultClassifierConfig 返回默认分类器配置
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{Tokenizer: "estimator", LengthSaturation: 200}
}

// DefaultDispatcherConfig 返回默认分发器配置
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{DefaultTimeout: 30 * time.Second}
}

// DefaultCacheConfig 返回默认缓存配置（内存缓存开启，Redis 持久化关闭）
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:            true,
		WriteBehindWorkers: 4,
		Config:             cache.DefaultConfig(),
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Name:            "chorus.db",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "chorus",
		SampleRate:   0.1,
	}
}

// DefaultAuthConfig 返回默认鉴权配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		SkipPaths: []string{"/health", "/healthz", "/ready", "/version"},
	}
}
