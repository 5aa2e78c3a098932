package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chorus/cache"
	"github.com/BaSui01/chorus/cache/redisstore"
	"github.com/BaSui01/chorus/classifier"
	"github.com/BaSui01/chorus/config"
	"github.com/BaSui01/chorus/dispatcher"
	"github.com/BaSui01/chorus/engine"
	"github.com/BaSui01/chorus/engine/providers"
	rediscache "github.com/BaSui01/chorus/internal/cache"
	"github.com/BaSui01/chorus/internal/database"
	"github.com/BaSui01/chorus/internal/metrics"
	"github.com/BaSui01/chorus/internal/pool"
	"github.com/BaSui01/chorus/optimizer"
	"github.com/BaSui01/chorus/optimizer/store"
	"github.com/BaSui01/chorus/orchestrator"
)

// =============================================================================
// 🧩 组件装配
// =============================================================================

// app 持有一次进程生命周期内的全部组件
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	registry     *engine.Registry
	dispatcher   *dispatcher.Dispatcher
	optimizer    *optimizer.Optimizer
	cache        *cache.SemanticCache
	resources    *optimizer.RuntimeProvider
	orchestrator *orchestrator.Orchestrator

	db      *database.PoolManager
	redis   *rediscache.Manager
	workers *pool.GoroutinePool
}

type appOptions struct {
	// offline 把所有引擎换成 echo 后端；未配置引擎时使用内置的四个
	offline bool
	// collector 为 nil 时不上报指标
	collector *metrics.Collector
	// persistence 关闭时跳过数据库与 Redis（resolve 子命令）
	persistence bool
}

// offlineEngines 内置的离线引擎，权重与默认共识规则配套
func offlineEngines() []engine.Config {
	return []engine.Config{
		{ID: "alpha", Role: "general", Weight: 1.0, Provider: providers.ProviderEcho},
		{ID: "beta", Role: "critic", Weight: 0.8, Provider: providers.ProviderEcho},
		{ID: "gamma", Role: "expert", Weight: 1.2, Provider: providers.ProviderEcho},
		{ID: "delta", Role: "creative", Weight: 0.9, Provider: providers.ProviderEcho},
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if err := a.initEngines(ctx, opts); err != nil {
		return nil, err
	}

	dopts := dispatcher.Options{DefaultTimeout: cfg.Dispatcher.DefaultTimeout, Logger: logger}
	if opts.collector != nil {
		dopts.Observer = opts.collector
	}
	a.dispatcher = dispatcher.New(a.registry, dopts)

	var optOpts []optimizer.Option
	if opts.persistence && cfg.Database.Enabled {
		if sink := a.initDatabase(ctx, opts.collector); sink != nil {
			optOpts = append(optOpts, optimizer.WithSink(sink))
		}
	}
	a.optimizer = optimizer.New(cfg.Optimizer, logger, optOpts...)

	if cfg.Cache.Enabled {
		a.cache = a.initCache(ctx, opts)
	}

	a.resources = optimizer.NewRuntimeProvider(64*a.registry.Len(), 0)

	oopts := orchestrator.Options{
		Classifier: newClassifier(cfg.Classifier),
		Optimizer:  a.optimizer,
		Dispatcher: a.dispatcher,
		Cache:      a.cache,
		Resources:  a.resources,
		Logger:     logger,
	}
	if opts.collector != nil {
		oopts.Observer = opts.collector
	}
	orch, err := orchestrator.New(oopts)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.orchestrator = orch
	return a, nil
}

func (a *app) initEngines(ctx context.Context, opts appOptions) error {
	cfgs := a.cfg.Engines
	regOpts := engine.RegistryOptions{FallbackID: a.cfg.Strategies.Fallback}

	switch {
	case len(cfgs) == 0 && opts.offline:
		cfgs = offlineEngines()
		regOpts.FallbackID = "alpha"
	case len(cfgs) == 0:
		return errors.New("no engines configured; declare engines in the config file or use --offline")
	default:
		table, domains, err := a.cfg.Strategies.StrategyTable()
		if err != nil {
			return fmt.Errorf("invalid strategy table: %w", err)
		}
		regOpts.Table, regOpts.Domains = table, domains
		if opts.offline {
			offline := make([]engine.Config, len(cfgs))
			for i, c := range cfgs {
				c.Provider, c.APIKey = providers.ProviderEcho, ""
				offline[i] = c
			}
			cfgs = offline
		}
	}

	members, err := providers.Members(ctx, cfgs, a.logger)
	if err != nil {
		return fmt.Errorf("failed to build engines: %w", err)
	}
	reg, err := engine.NewRegistry(members, regOpts)
	if err != nil {
		return fmt.Errorf("failed to build engine registry: %w", err)
	}
	a.registry = reg

	a.logger.Info("engines ready",
		zap.Int("count", reg.Len()),
		zap.Bool("offline", opts.offline),
		zap.String("fallback", string(regOpts.FallbackID)))
	return nil
}

// initDatabase 打开样本库；失败只告警，优化器退化为纯内存
func (a *app) initDatabase(ctx context.Context, collector *metrics.Collector) optimizer.Sink {
	var popts []database.PoolOption
	if collector != nil {
		popts = append(popts, database.WithStatsReporter(collector.RecordDBConnections))
	}
	pm, err := database.Open(ctx, a.cfg.Database, a.logger, popts...)
	if err != nil {
		a.logger.Warn("sample database not available, samples stay in memory", zap.Error(err))
		return nil
	}
	a.db = pm

	s := store.New(pm.DB(), a.logger)
	if a.cfg.Database.AutoMigrate {
		if err := s.AutoMigrate(ctx); err != nil {
			a.logger.Error("sample store auto-migrate failed", zap.Error(err))
		}
	}
	return s
}

// initCache 创建语义缓存；Persist 打开时挂上 Redis 写后持久化并预热
func (a *app) initCache(ctx context.Context, opts appOptions) *cache.SemanticCache {
	cc := a.cfg.Cache
	var copts []cache.Option
	if opts.collector != nil {
		copts = append(copts, cache.WithObserver(opts.collector))
	}

	var persister *redisstore.Store
	if opts.persistence && cc.Persist {
		rm, err := rediscache.NewManager(a.cfg.Redis, a.logger)
		if err != nil {
			a.logger.Warn("redis not available, cache persistence disabled", zap.Error(err))
		} else {
			pcfg := pool.DefaultConfig()
			if cc.WriteBehindWorkers > 0 {
				pcfg.MaxWorkers = cc.WriteBehindWorkers
			}
			a.redis = rm
			a.workers = pool.NewGoroutinePool(pcfg, a.logger)
			persister = redisstore.New(rm, a.workers, cc.StaleAfter, a.logger)
			copts = append(copts, cache.WithPersister(persister))
		}
	}

	c := cache.New(cc.Config, a.logger, copts...)
	if persister != nil {
		n, err := c.Warm(ctx)
		if err != nil {
			a.logger.Warn("cache warm-up failed", zap.Error(err))
		} else {
			a.logger.Info("cache warmed from redis", zap.Int("entries", n))
		}
	}
	return c
}

func newClassifier(cfg config.ClassifierConfig) *classifier.KeywordClassifier {
	opts := classifier.Options{LengthSaturation: cfg.LengthSaturation}
	switch name := strings.ToLower(strings.TrimSpace(cfg.Tokenizer)); name {
	case "", "estimator":
	case "tiktoken":
		opts.Tokenizer = classifier.NewTiktokenTokenizer("")
	default:
		opts.Tokenizer = classifier.NewTiktokenTokenizer(name)
	}
	return classifier.New(opts)
}

// Close 释放外部资源；优化器先关闭以冲刷在途样本写入
func (a *app) Close(ctx context.Context) {
	if a.optimizer != nil {
		a.optimizer.Close()
	}
	if a.cache != nil {
		// 命中计数在池关闭前写回
		a.cache.FlushUses(ctx)
	}
	if a.workers != nil {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.workers.Close(closeCtx); err != nil {
			a.logger.Warn("write-behind pool close", zap.Error(err))
		}
		cancel()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("database close", zap.Error(err))
		}
	}
}
