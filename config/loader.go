// =============================================================================
// 📦 Chorus 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML / TOML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("chorus.yaml").
//	    WithEnvPrefix("CHORUS").
//	    Load()
//
// 配置优先级: 默认值 → 配置文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/chorus/cache"
	"github.com/BaSui01/chorus/engine"
	rediscache "github.com/BaSui01/chorus/internal/cache"
	"github.com/BaSui01/chorus/optimizer"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 Chorus 的完整配置结构
type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server" env:"SERVER"`
	Engines    []engine.Config  `yaml:"engines" json:"engines" env:"-"`
	Strategies StrategyConfig   `yaml:"strategies" json:"strategies" env:"-"`
	Classifier ClassifierConfig `yaml:"classifier" json:"classifier" env:"CLASSIFIER"`
	Dispatcher DispatcherConfig `yaml:"dispatcher" json:"dispatcher" env:"DISPATCHER"`
	Cache      CacheConfig      `yaml:"cache" json:"cache" env:"CACHE"`
	Optimizer  optimizer.Config `yaml:"optimizer" json:"optimizer" env:"-"`
	Redis      RedisConfig      `yaml:"redis" json:"redis" env:"REDIS"`
	Database   DatabaseConfig   `yaml:"database" json:"database" env:"DATABASE"`
	Log        LogConfig        `yaml:"log" json:"log" env:"LOG"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" json:"telemetry" env:"TELEMETRY"`
	Auth       AuthConfig       `yaml:"auth" json:"auth" env:"AUTH"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" json:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" json:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes" env:"MAX_BODY_BYTES"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" json:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" json:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	CORSOrigins     []string      `yaml:"cors_origins" json:"cors_origins" env:"CORS_ORIGINS"`
}

// StrategyConfig 静态策略表：策略名 → 引擎 ID 列表
type StrategyConfig struct {
	Table    map[string][]engine.ID            `yaml:"table" json:"table"`
	Domains  map[string]map[string][]engine.ID `yaml:"domains" json:"domains"`
	Fallback engine.ID                         `yaml:"fallback" json:"fallback"`
}

// ClassifierConfig 复杂度分类器配置
type ClassifierConfig struct {
	// Tokenizer: estimator（默认，离线估算）或 tiktoken 编码名，如 cl100k_base
	Tokenizer        string `yaml:"tokenizer" json:"tokenizer" env:"TOKENIZER"`
	LengthSaturation int    `yaml:"length_saturation" json:"length_saturation" env:"LENGTH_SATURATION"`
}

// DispatcherConfig 分发器配置
type DispatcherConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout" env:"DEFAULT_TIMEOUT"`
}

// CacheConfig 语义缓存配置；Persist 打开 Redis 写后持久化
type CacheConfig struct {
	Enabled            bool `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Persist            bool `yaml:"persist" json:"persist" env:"PERSIST"`
	WriteBehindWorkers int  `yaml:"write_behind_workers" json:"write_behind_workers" env:"WRITE_BEHIND_WORKERS"`

	cache.Config `yaml:",inline"`
}

// RedisConfig Redis 连接配置
type RedisConfig = rediscache.Config

// DatabaseConfig 性能样本库配置
type DatabaseConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled" env:"ENABLED"`
	// 驱动类型: sqlite (纯 Go), sqlite3 (cgo), postgres, mysql
	Driver          string        `yaml:"driver" json:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" json:"host" env:"HOST"`
	Port            int           `yaml:"port" json:"port" env:"PORT"`
	User            string        `yaml:"user" json:"user" env:"USER"`
	Password        string        `yaml:"password" json:"-" env:"PASSWORD"`
	Name            string        `yaml:"name" json:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// AutoMigrate 启动时用 gorm 建表；生产环境建议改用 chorus migrate
	AutoMigrate bool `yaml:"auto_migrate" json:"auto_migrate" env:"AUTO_MIGRATE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" json:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format           string   `yaml:"format" json:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" json:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" json:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" json:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" json:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate" env:"SAMPLE_RATE"`
}

// AuthConfig 鉴权配置：JWT 与静态 API Key 二选一或同时启用
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled" env:"ENABLED"`
	JWTSecret string   `yaml:"jwt_secret" json:"-" env:"JWT_SECRET"`
	JWTIssuer string   `yaml:"jwt_issuer" json:"jwt_issuer" env:"JWT_ISSUER"`
	APIKeys   []string `yaml:"api_keys" json:"-" env:"API_KEYS"`
	// SkipPaths 免鉴权路径（健康检查等）
	SkipPaths []string `yaml:"skip_paths" json:"skip_paths" env:"SKIP_PATHS"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CHORUS",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径；.toml 按 TOML 解析，其余按 YAML
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → 配置文件 → 环境变量 → 验证
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(l.configPath), ".toml") {
		data, err = tomlToYAML(data)
		if err != nil {
			return err
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// tomlToYAML 将 TOML 文档转成 YAML，使两种格式共享同一套 yaml 标签与 duration 解析
func tomlToYAML(data []byte) ([]byte, error) {
	var doc map[string]any
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse toml config: %w", err)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert toml config: %w", err)
	}
	return out, nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段；匿名嵌入字段沿用父级前缀
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if fieldType.Anonymous && field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, prefix); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}

	seen := make(map[engine.ID]bool, len(c.Engines))
	for _, e := range c.Engines {
		if e.ID == "" {
			errs = append(errs, "engine id must not be empty")
			continue
		}
		if seen[e.ID] {
			errs = append(errs, fmt.Sprintf("duplicate engine id %q", e.ID))
		}
		seen[e.ID] = true
		if e.Weight < 0 {
			errs = append(errs, fmt.Sprintf("engine %q: weight must be >= 0", e.ID))
		}
	}
	for name := range c.Strategies.Table {
		if _, err := engine.ParseStrategy(name); err != nil {
			errs = append(errs, fmt.Sprintf("unknown strategy %q in table", name))
		}
	}
	for domain, tbl := range c.Strategies.Domains {
		for name := range tbl {
			if _, err := engine.ParseStrategy(name); err != nil {
				errs = append(errs, fmt.Sprintf("domain %q: unknown strategy %q", domain, name))
			}
		}
	}

	cc := c.Cache.Config
	if cc.SimilarityThreshold < 0 || cc.SimilarityThreshold > 1 {
		errs = append(errs, "cache similarity_threshold must be within [0, 1]")
	}
	if cc.FreshnessThreshold < 0 || cc.FreshnessThreshold > 1 {
		errs = append(errs, "cache freshness_threshold must be within [0, 1]")
	}
	if cc.PartialThreshold < 0 || cc.PartialThreshold > 1 {
		errs = append(errs, "cache partial_threshold must be within [0, 1]")
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry sample_rate must be within [0, 1]")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" && len(c.Auth.APIKeys) == 0 {
		errs = append(errs, "auth enabled without jwt_secret or api_keys")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// StrategyTable 将按名字配置的策略表转换为 engine.Table
func (s StrategyConfig) StrategyTable() (engine.Table, map[string]engine.Table, error) {
	table, err := toTable(s.Table)
	if err != nil {
		return nil, nil, err
	}
	domains := make(map[string]engine.Table, len(s.Domains))
	for name, rows := range s.Domains {
		t, err := toTable(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("domain %q: %w", name, err)
		}
		domains[name] = t
	}
	return table, domains, nil
}

func toTable(rows map[string][]engine.ID) (engine.Table, error) {
	t := make(engine.Table, len(rows))
	for name, ids := range rows {
		st, err := engine.ParseStrategy(name)
		if err != nil {
			return nil, err
		}
		t[st] = ids
	}
	return t, nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite", "sqlite3":
		return d.Name
	default:
		return ""
	}
}
