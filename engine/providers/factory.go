// Package providers builds engine backends from configuration.
package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chorus/engine"
	"github.com/BaSui01/chorus/engine/providers/anthropic"
	"github.com/BaSui01/chorus/engine/providers/echo"
	"github.com/BaSui01/chorus/engine/providers/gemini"
	"github.com/BaSui01/chorus/engine/providers/openai"
	"github.com/BaSui01/chorus/engine/providers/openaicompat"
)

// Provider names accepted in engine configuration.
const (
	ProviderEcho         = "echo"
	ProviderOpenAICompat = "openai-compat"
	ProviderOpenAI       = "openai"
	ProviderAnthropic    = "anthropic"
	ProviderGemini       = "gemini"
)

// New creates the backend described by cfg.
func New(ctx context.Context, cfg engine.Config, logger *zap.Logger) (engine.Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("engine", string(cfg.ID)))

	switch strings.ToLower(cfg.Provider) {
	case "", ProviderEcho:
		return echo.New(cfg.ID, 0), nil
	case ProviderOpenAICompat, "vllm", "ollama", "deepseek":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("engine %s: base_url is required for %s", cfg.ID, cfg.Provider)
		}
		return openaicompat.New(openaicompat.Config{
			ProviderName: cfg.Provider,
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			Timeout:      httpTimeout(cfg.Timeout),
		}, logger), nil
	case ProviderOpenAI:
		return openai.New(cfg.APIKey, cfg.BaseURL, cfg.Model, logger)
	case ProviderAnthropic:
		return anthropic.New(cfg.APIKey, cfg.BaseURL, cfg.Model, logger)
	case ProviderGemini:
		return gemini.New(ctx, cfg.APIKey, cfg.Model, logger)
	default:
		return nil, fmt.Errorf("engine %s: unknown provider %q", cfg.ID, cfg.Provider)
	}
}

// Members builds registry members for every config, failing on the first bad one.
func Members(ctx context.Context, cfgs []engine.Config, logger *zap.Logger) ([]engine.Member, error) {
	out := make([]engine.Member, 0, len(cfgs))
	for _, cfg := range cfgs {
		b, err := New(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, engine.Member{Config: cfg, Backend: b})
	}
	return out, nil
}

// The per-engine dispatch timeout is authoritative; the HTTP client gets headroom above it.
func httpTimeout(engineTimeout time.Duration) time.Duration {
	if engineTimeout <= 0 {
		return 60 * time.Second
	}
	return engineTimeout + 5*time.Second
}
