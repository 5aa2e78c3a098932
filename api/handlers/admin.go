package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chorus/cache"
	"github.com/BaSui01/chorus/optimizer"
	"github.com/BaSui01/chorus/types"
)

// =============================================================================
// 🗃️ 缓存管理
// =============================================================================

// CacheHandler 暴露语义缓存的统计、清扫与失效
type CacheHandler struct {
	cache  *cache.SemanticCache
	logger *zap.Logger
}

// NewCacheHandler 创建 CacheHandler；c 为 nil 时所有接口返回 503
func NewCacheHandler(c *cache.SemanticCache, logger *zap.Logger) *CacheHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheHandler{cache: c, logger: logger.With(zap.String("handler", "cache"))}
}

func (h *CacheHandler) available(w http.ResponseWriter, r *http.Request) bool {
	if h.cache != nil {
		return true
	}
	WriteErrorMessage(w, r, http.StatusServiceUnavailable, types.ErrServiceUnavailable, "semantic cache is disabled", h.logger)
	return false
}

// HandleStats 处理 GET /v1/cache/stats
func (h *CacheHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	WriteSuccess(w, r, h.cache.Stats())
}

// HandleSweep 处理 POST /v1/cache/sweep
func (h *CacheHandler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	removed := h.cache.Sweep(r.Context())
	h.logger.Info("manual cache sweep", zap.Int("removed", removed))
	WriteSuccess(w, r, map[string]int{"removed": removed, "entries": h.cache.Len()})
}

// HandleInvalidate 处理 DELETE /v1/cache/{id}
func (h *CacheHandler) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "entry id is required", h.logger)
		return
	}
	if !h.cache.Invalidate(r.Context(), id) {
		WriteErrorMessage(w, r, http.StatusNotFound, types.ErrNotFound, "cache entry not found", h.logger)
		return
	}
	WriteSuccess(w, r, map[string]string{"invalidated": id})
}

// =============================================================================
// 📈 优化器统计
// =============================================================================

// StrategyStatsView 是 StrategyStats 的线上视图（毫秒）
type StrategyStatsView struct {
	Count          int     `json:"count"`
	MeanElapsedMS  int64   `json:"mean_elapsed_ms"`
	MeanConfidence float64 `json:"mean_confidence"`
}

// OptimizerHandler 暴露样本聚合
type OptimizerHandler struct {
	optimizer *optimizer.Optimizer
	logger    *zap.Logger
}

// NewOptimizerHandler 创建 OptimizerHandler
func NewOptimizerHandler(o *optimizer.Optimizer, logger *zap.Logger) *OptimizerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OptimizerHandler{optimizer: o, logger: logger.With(zap.String("handler", "optimizer"))}
}

// HandleStats 处理 GET /v1/optimizer/stats
func (h *OptimizerHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.optimizer.Stats()
	out := make(map[string]StrategyStatsView, len(stats))
	total := 0
	for st, s := range stats {
		out[st.String()] = StrategyStatsView{
			Count:          s.Count,
			MeanElapsedMS:  s.MeanElapsed.Milliseconds(),
			MeanConfidence: s.MeanConfidence,
		}
		total += s.Count
	}
	WriteSuccess(w, r, map[string]any{
		"strategies":      out,
		"samples":         total,
		"sample_capacity": h.optimizer.Config().MaxSamples,
		"generated_at":    time.Now().UTC(),
	})
}
