package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/chorus/api/handlers"
	"github.com/BaSui01/chorus/config"
	"github.com/BaSui01/chorus/internal/metrics"
	"github.com/BaSui01/chorus/internal/server"
)

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server 把 app 暴露为 HTTP 服务：API 端口 + 独立的 metrics 端口
type Server struct {
	app        *app
	configPath string
	level      zap.AtomicLevel
	collector  *metrics.Collector
	logger     *zap.Logger

	hotReload *config.HotReloadManager
}

// NewServer 创建服务器实例
func NewServer(a *app, configPath string, level zap.AtomicLevel, collector *metrics.Collector, logger *zap.Logger) *Server {
	return &Server{
		app:        a,
		configPath: configPath,
		level:      level,
		collector:  collector,
		logger:     logger.With(zap.String("component", "server")),
	}
}

// Run 启动全部服务并阻塞到 ctx 结束或任一服务失败
func (s *Server) Run(ctx context.Context) error {
	cfg := s.app.cfg

	if err := s.initHotReload(ctx); err != nil {
		return err
	}
	defer func() {
		if err := s.hotReload.Stop(); err != nil {
			s.logger.Warn("hot reload manager stop", zap.Error(err))
		}
	}()

	if c := s.app.cache; c != nil {
		c.StartJanitor(ctx, 0)
	}

	api := server.NewManager(s.Handler(ctx), server.FromServerConfig(cfg.Server, "api", cfg.Server.HTTPPort), s.logger)
	if err := api.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	s.logger.Info("HTTP server started", zap.String("addr", api.Addr()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Run(gctx) })

	if cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		ms := server.NewManager(mux, server.FromServerConfig(cfg.Server, "metrics", cfg.Server.MetricsPort), s.logger)
		if err := ms.Start(); err != nil {
			_ = api.Shutdown(context.WithoutCancel(ctx))
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		s.logger.Info("Metrics server started", zap.String("addr", ms.Addr()))
		g.Go(func() error { return ms.Run(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}
	s.logger.Info("Graceful shutdown completed")
	return err
}

// initHotReload 监听配置文件；日志级别与缓存阈值即时生效
func (s *Server) initHotReload(ctx context.Context) error {
	opts := []config.HotReloadOption{config.WithHotReloadLogger(s.logger)}
	if s.configPath != "" {
		opts = append(opts, config.WithReloadPath(s.configPath))
	}
	s.hotReload = config.NewHotReloadManager(s.app.cfg, opts...)
	s.hotReload.OnReload(s.applyReload)

	if err := s.hotReload.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hot reload manager: %w", err)
	}
	return nil
}

func (s *Server) applyReload(_, next *config.Config) {
	if lvl, err := parseLevel(next.Log.Level); err == nil {
		s.level.SetLevel(lvl)
	} else {
		s.logger.Warn("ignoring invalid log level", zap.String("level", next.Log.Level))
	}
	if c := s.app.cache; c != nil {
		cc := next.Cache.Config
		c.SetThresholds(cc.SimilarityThreshold, cc.FreshnessThreshold, cc.PartialThreshold)
	}
	s.logger.Info("Configuration reloaded",
		zap.String("log_level", s.level.String()),
		zap.Float64("similarity_threshold", next.Cache.SimilarityThreshold))
}

// =============================================================================
// 🌐 路由与中间件
// =============================================================================

// Handler 构建 API 路由与中间件链。ctx 结束时限流器的清理协程退出。
func (s *Server) Handler(ctx context.Context) http.Handler {
	a := s.app
	cfg := a.cfg
	build := handlers.BuildInfo{Version: Version, BuildTime: BuildTime, GitCommit: GitCommit}

	health := handlers.NewHealthHandler(build, s.logger)
	health.RegisterCheck(handlers.CheckFunc{CheckName: "engines", Fn: func(context.Context) error {
		if a.registry == nil || a.registry.Len() == 0 {
			return errors.New("no engines registered")
		}
		return nil
	}})
	if a.db != nil {
		health.RegisterCheck(handlers.CheckFunc{CheckName: "database", Fn: a.db.Ping})
	}
	if a.redis != nil {
		health.RegisterCheck(handlers.CheckFunc{CheckName: "redis", Fn: a.redis.Ping})
	}

	resolve := handlers.NewResolveHandler(a.orchestrator, cfg.Server.MaxBodyBytes, s.logger)
	stream := handlers.NewStreamHandler(a.orchestrator, cfg.Server.MaxBodyBytes, cfg.Server.CORSOrigins, s.logger)
	cacheH := handlers.NewCacheHandler(a.cache, s.logger)
	optH := handlers.NewOptimizerHandler(a.optimizer, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion)

	mux.HandleFunc("POST /v1/resolve", resolve.HandleResolve)
	mux.HandleFunc("POST /v1/feedback", resolve.HandleFeedback)
	mux.HandleFunc("GET /v1/resolve/stream", stream.HandleStream)

	mux.HandleFunc("GET /v1/cache/stats", cacheH.HandleStats)
	mux.HandleFunc("POST /v1/cache/sweep", cacheH.HandleSweep)
	mux.HandleFunc("DELETE /v1/cache/{id}", cacheH.HandleInvalidate)
	mux.HandleFunc("GET /v1/optimizer/stats", optH.HandleStats)

	if s.hotReload != nil {
		config.NewConfigAPIHandler(s.hotReload).RegisterRoutes(mux)
	}

	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		CORS(cfg.Server.CORSOrigins),
		OTelTracing(),
	}
	if s.collector != nil {
		chain = append(chain, MetricsMiddleware(s.collector))
	}
	chain = append(chain,
		Auth(cfg.Auth, s.logger),
		RateLimiter(ctx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, s.logger),
	)
	return Chain(mux, chain...)
}
