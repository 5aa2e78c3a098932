// 配置加载器测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/chorus/engine"
)

const sampleYAML = `
server:
  http_port: 8888
  read_timeout: 60s

engines:
  - id: alpha
    provider: openai
    model: gpt-4o-mini
    weight: 1.0
    timeout: 20s
  - id: beta
    provider: anthropic
    weight: 0.8
  - id: local
    provider: echo
    weight: 0.3

strategies:
  table:
    single: [alpha]
    dual: [alpha, beta]
  domains:
    code:
      single: [beta]
  fallback: local

cache:
  capacity: 50
  similarity_threshold: 0.9
  persist: true

optimizer:
  high_cpu_load: 0.75

log:
  level: debug
  format: console
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.Dispatcher.DefaultTimeout)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 1000, cfg.Cache.Capacity)
	assert.InDelta(t, 0.85, cfg.Cache.SimilarityThreshold, 1e-9)
	assert.Equal(t, "chorus:", cfg.Redis.KeyPrefix)
	assert.Empty(t, cfg.Engines)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	path := writeFile(t, "chorus.yaml", sampleYAML)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	// 未在文件中出现的字段保持默认值
	assert.Equal(t, 9091, cfg.Server.MetricsPort)

	require.Len(t, cfg.Engines, 3)
	assert.Equal(t, engine.ID("alpha"), cfg.Engines[0].ID)
	assert.Equal(t, 20*time.Second, cfg.Engines[0].Timeout)
	assert.InDelta(t, 0.8, cfg.Engines[1].Weight, 1e-9)

	assert.Equal(t, []engine.ID{"alpha", "beta"}, cfg.Strategies.Table["dual"])
	assert.Equal(t, engine.ID("local"), cfg.Strategies.Fallback)

	assert.Equal(t, 50, cfg.Cache.Capacity)
	assert.InDelta(t, 0.9, cfg.Cache.SimilarityThreshold, 1e-9)
	assert.InDelta(t, 0.7, cfg.Cache.FreshnessThreshold, 1e-9)
	assert.True(t, cfg.Cache.Persist)
	assert.True(t, cfg.Cache.Enabled)

	assert.InDelta(t, 0.75, cfg.Optimizer.HighCPULoad, 1e-9)
	assert.Equal(t, 1000, cfg.Optimizer.MaxSamples)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoader_LoadFromTOML(t *testing.T) {
	path := writeFile(t, "chorus.toml", `
[server]
http_port = 7070
read_timeout = "45s"

[[engines]]
id = "alpha"
provider = "echo"
weight = 1.0

[strategies]
fallback = "alpha"

[strategies.table]
single = ["alpha"]

[cache]
partial_threshold = 0.95
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	require.Len(t, cfg.Engines, 1)
	assert.Equal(t, "echo", cfg.Engines[0].Provider)
	assert.Equal(t, []engine.ID{"alpha"}, cfg.Strategies.Table["single"])
	assert.InDelta(t, 0.95, cfg.Cache.PartialThreshold, 1e-9)
}

func TestLoader_InvalidTOML(t *testing.T) {
	path := writeFile(t, "bad.toml", "[server\nhttp_port = ")
	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_EnvOverrides(t *testing.T) {
	path := writeFile(t, "chorus.yaml", sampleYAML)

	t.Setenv("CHORUS_SERVER_HTTP_PORT", "9999")
	t.Setenv("CHORUS_CACHE_SIMILARITY_THRESHOLD", "0.8")
	t.Setenv("CHORUS_CACHE_MAX_AGE", "2h")
	t.Setenv("CHORUS_REDIS_ADDR", "redis:6380")
	t.Setenv("CHORUS_AUTH_API_KEYS", "k1, k2")
	t.Setenv("CHORUS_LOG_LEVEL", "warn")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.InDelta(t, 0.8, cfg.Cache.SimilarityThreshold, 1e-9)
	assert.Equal(t, 2*time.Hour, cfg.Cache.MaxAge)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Auth.APIKeys)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_CustomPrefix(t *testing.T) {
	t.Setenv("ACME_SERVER_HTTP_PORT", "6060")
	cfg, err := NewLoader().WithEnvPrefix("ACME").Load()
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.HTTPPort)
}

func TestLoader_BadEnvValue(t *testing.T) {
	t.Setenv("CHORUS_SERVER_HTTP_PORT", "not-a-number")
	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestLoader_Validator(t *testing.T) {
	called := false
	_, err := NewLoader().WithValidator(func(c *Config) error {
		called = true
		return assert.AnError
	}).Load()
	assert.True(t, called)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.HTTPPort = 0 }, "invalid HTTP port"},
		{"duplicate engine", func(c *Config) {
			c.Engines = []engine.Config{{ID: "a"}, {ID: "a"}}
		}, "duplicate engine"},
		{"negative weight", func(c *Config) {
			c.Engines = []engine.Config{{ID: "a", Weight: -1}}
		}, "weight must be >= 0"},
		{"unknown strategy", func(c *Config) {
			c.Strategies.Table = map[string][]engine.ID{"quad": {"a"}}
		}, "unknown strategy"},
		{"threshold range", func(c *Config) { c.Cache.SimilarityThreshold = 1.5 }, "similarity_threshold"},
		{"auth without credentials", func(c *Config) { c.Auth.Enabled = true }, "auth enabled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestStrategyConfig_StrategyTable(t *testing.T) {
	sc := StrategyConfig{
		Table:   map[string][]engine.ID{"single": {"a"}, "Full": {"a", "b", "c", "d"}},
		Domains: map[string]map[string][]engine.ID{"code": {"dual": {"b", "c"}}},
	}
	table, domains, err := sc.StrategyTable()
	require.NoError(t, err)
	assert.Equal(t, []engine.ID{"a"}, table[engine.StrategySingle])
	assert.Len(t, table[engine.StrategyFull], 4)
	assert.Equal(t, []engine.ID{"b", "c"}, domains["code"][engine.StrategyDual])

	_, _, err = StrategyConfig{Table: map[string][]engine.ID{"nope": nil}}.StrategyTable()
	assert.Error(t, err)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "chorus", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=chorus sslmode=disable", d.DSN())

	d.Driver = "mysql"
	d.Port = 3306
	assert.Equal(t, "u:p@tcp(db:3306)/chorus?parseTime=true", d.DSN())

	d.Driver = "sqlite"
	assert.Equal(t, "chorus", d.DSN())

	d.Driver = "oracle"
	assert.Empty(t, d.DSN())
}

func TestMustLoad_Panics(t *testing.T) {
	path := writeFile(t, "bad.yaml", "server: [")
	assert.Panics(t, func() { MustLoad(path) })
}
