// =============================================================================
// Chorus 主入口
// =============================================================================
// 多引擎编排服务：HTTP API、一次性 resolve、数据库迁移、健康检查
//
// 使用方法:
//
//	chorus serve                          # 启动服务
//	chorus serve --config chorus.yaml     # 指定配置文件（YAML / TOML）
//	chorus resolve "explain raft" --offline
//	chorus migrate up                     # 运行数据库迁移
//	chorus migrate status                 # 查看迁移状态
//	chorus health --addr http://localhost:8080
//	chorus version
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/chorus/api/handlers"
	"github.com/BaSui01/chorus/config"
	"github.com/BaSui01/chorus/engine"
	"github.com/BaSui01/chorus/internal/metrics"
	"github.com/BaSui01/chorus/internal/telemetry"
	"github.com/BaSui01/chorus/orchestrator"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions 全局 flag
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "chorus",
		Short: "Multi-engine response orchestration with semantic caching",
		Long: `Chorus classifies each request, picks how many backend engines to consult,
fans the request out concurrently, merges the answers by weighted consensus
and caches the result for semantically similar follow-ups.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (.yaml or .toml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(
		serveCmd(opts),
		resolveCmd(opts),
		migrateCmd(opts),
		healthCmd(),
		versionCmd(),
	)
	return root
}

// load 读取配置并应用 --log-level
func (o *rootOptions) load() (*config.Config, error) {
	loader := config.NewLoader()
	if o.configPath != "" {
		loader = loader.WithConfigPath(o.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if o.logLevel != "" {
		if _, err := parseLevel(o.logLevel); err != nil {
			return nil, err
		}
		cfg.Log.Level = o.logLevel
	}
	return cfg, nil
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func serveCmd(opts *rootOptions) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and metrics servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, level := initLogger(cfg.Log)
			defer func() { _ = logger.Sync() }()

			logger.Info("Starting Chorus",
				zap.String("version", Version),
				zap.String("build_time", BuildTime),
				zap.String("git_commit", GitCommit),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			providers, err := telemetry.Init(cfg.Telemetry, logger, telemetry.WithVersion(Version))
			if err != nil {
				logger.Warn("failed to initialize telemetry", zap.Error(err))
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := providers.Shutdown(shutdownCtx); err != nil {
					logger.Warn("telemetry shutdown", zap.Error(err))
				}
			}()

			collector := metrics.NewCollector("chorus", logger)
			a, err := newApp(ctx, cfg, logger, appOptions{offline: offline, collector: collector, persistence: true})
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if err := NewServer(a, opts.configPath, level, collector, logger).Run(ctx); err != nil {
				logger.Error("server stopped with error", zap.Error(err))
				return err
			}
			logger.Info("Chorus stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "serve with echo engines instead of real providers")
	return cmd
}

// =============================================================================
// 🎼 resolve 命令
// =============================================================================

func resolveCmd(opts *rootOptions) *cobra.Command {
	var (
		offline       bool
		strategy      string
		domain        string
		contextKey    string
		sessionScoped bool
		timeout       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "resolve [text]",
		Short: "Resolve one request across the configured engines and print JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			// 结果走 stdout，日志只写 stderr
			cfg.Log.OutputPaths = []string{"stderr"}
			if opts.logLevel == "" {
				cfg.Log.Level = "warn"
			}
			logger, _ := initLogger(cfg.Log)
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger, appOptions{offline: offline})
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			req := orchestrator.Request{
				Text:          args[0],
				ContextKey:    contextKey,
				SessionScoped: sessionScoped,
				Domain:        domain,
				Timeout:       timeout,
			}
			if strategy != "" {
				st, err := engine.ParseStrategy(strategy)
				if err != nil {
					return err
				}
				req.StrategyHint = &st
			}

			resp, err := a.orchestrator.Resolve(ctx, req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(handlers.ToResolveResponse(resp))
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "use echo engines (no API keys or network)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "force a strategy: single, dual, synthesis, full")
	cmd.Flags().StringVar(&domain, "domain", "", "domain tag for the strategy table")
	cmd.Flags().StringVar(&contextKey, "context-key", "", "caller/session key for cache scoping")
	cmd.Flags().BoolVar(&sessionScoped, "session-scoped", false, "store the result for this context key only")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-engine timeout override")
	return cmd
}

// =============================================================================
// 🏥 health / version
// =============================================================================

func healthCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe a running server's /health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+"/health", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health check failed: status %d", resp.StatusCode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "server address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Chorus %s\n", Version)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
		},
	}
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, errors.New("unknown log level " + s)
	}
}

// initLogger 按配置构建 logger；返回的 AtomicLevel 供热重载调整级别
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	lvl, _ := parseLevel(cfg.Level)
	level := zap.NewAtomicLevelAt(lvl)

	console := cfg.Format == "console"
	var encoderConfig zapcore.EncoderConfig
	if console {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	encoding := "json"
	if console {
		encoding = "console"
	}

	zapConfig := zap.Config{
		Level:             level,
		Development:       console,
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger, level
}
