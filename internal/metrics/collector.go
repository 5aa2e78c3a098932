package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/chorus/cache"
	"github.com/BaSui01/chorus/dispatcher"
	"github.com/BaSui01/chorus/engine"
	"github.com/BaSui01/chorus/orchestrator"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，同时实现 dispatcher / cache / orchestrator 的 Observer
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 编排指标
	resolveTotal     *prometheus.CounterVec
	resolveDuration  *prometheus.HistogramVec
	decisionsTotal   *prometheus.CounterVec
	engineCallsTotal *prometheus.CounterVec
	engineDuration   *prometheus.HistogramVec
	fallbackTotal    *prometheus.CounterVec

	// 缓存指标
	cacheLookups         *prometheus.CounterVec
	cacheEntries         prometheus.Gauge
	cacheEvictions       *prometheus.CounterVec
	cacheScopeViolations prometheus.Counter

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

var (
	_ dispatcher.Observer   = (*Collector)(nil)
	_ cache.Observer        = (*Collector)(nil)
	_ orchestrator.Observer = (*Collector)(nil)
)

// NewCollector 创建指标收集器并注册到默认 Registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer, namespace, logger)
}

// NewCollectorWith 注册到指定 Registerer（测试使用独立 Registry）
func NewCollectorWith(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	c.httpResponseSize = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 编排指标
	c.resolveTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_total",
			Help:      "Resolve calls by decided strategy and cache outcome",
		},
		[]string{"strategy", "cache"},
	)
	c.resolveDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_duration_seconds",
			Help:      "End-to-end resolve latency in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"strategy"},
	)
	c.decisionsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimizer_decisions_total",
			Help:      "Strategy decisions by final strategy and deciding rule",
		},
		[]string{"strategy", "rule"},
	)
	c.engineCallsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_calls_total",
			Help:      "Engine calls by engine and terminal status",
		},
		[]string{"engine", "status"},
	)
	c.engineDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_duration_seconds",
			Help:      "Engine call latency in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"engine"},
	)
	c.fallbackTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_total",
			Help:      "Fallback engine attempts by result",
		},
		[]string{"result"},
	)

	// 缓存指标
	c.cacheLookups = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Semantic cache lookups by result",
		},
		[]string{"result"},
	)
	c.cacheEntries = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_entries",
		Help:      "Entries currently held by the semantic cache",
	})
	c.cacheEvictions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Entries removed from the semantic cache by reason",
		},
		[]string{"reason"},
	)
	c.cacheScopeViolations = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_scope_violations_total",
		Help:      "Session-scoped entries that matched a foreign context key",
	})

	// 数据库指标
	c.dbConnectionsOpen = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)
	c.dbConnectionsIdle = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🎼 编排指标记录
// =============================================================================

// ObserveResolve implements orchestrator.Observer.
func (c *Collector) ObserveResolve(strategy engine.Strategy, kind cache.Kind, elapsed time.Duration) {
	c.resolveTotal.WithLabelValues(strategy.String(), string(kind)).Inc()
	c.resolveDuration.WithLabelValues(strategy.String()).Observe(elapsed.Seconds())
}

// ObserveDecision implements orchestrator.Observer.
func (c *Collector) ObserveDecision(strategy engine.Strategy, rule string) {
	c.decisionsTotal.WithLabelValues(strategy.String(), rule).Inc()
}

// ObserveEngineCall implements dispatcher.Observer.
func (c *Collector) ObserveEngineCall(id engine.ID, status engine.Status, elapsed time.Duration) {
	c.engineCallsTotal.WithLabelValues(string(id), string(status)).Inc()
	c.engineDuration.WithLabelValues(string(id)).Observe(elapsed.Seconds())
}

// ObserveFallback implements dispatcher.Observer.
func (c *Collector) ObserveFallback(ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	c.fallbackTotal.WithLabelValues(result).Inc()
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// ObserveLookup implements cache.Observer.
func (c *Collector) ObserveLookup(kind cache.Kind) {
	c.cacheLookups.WithLabelValues(string(kind)).Inc()
}

// ObserveEviction implements cache.Observer.
func (c *Collector) ObserveEviction(reason string, n int) {
	c.cacheEvictions.WithLabelValues(reason).Add(float64(n))
}

// ObserveScopeViolation implements cache.Observer.
func (c *Collector) ObserveScopeViolation() {
	c.cacheScopeViolations.Inc()
}

// SetEntries implements cache.Observer.
func (c *Collector) SetEntries(n int) {
	c.cacheEntries.Set(float64(n))
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
