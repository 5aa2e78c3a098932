package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/chorus/cache"
	"github.com/BaSui01/chorus/dispatcher"
	"github.com/BaSui01/chorus/engine"
	"github.com/BaSui01/chorus/optimizer"
	"github.com/BaSui01/chorus/types"
)

func seededCache(t *testing.T) (*cache.SemanticCache, *cache.Entry) {
	t.Helper()
	c := cache.New(cache.DefaultConfig(), zap.NewNop())
	res := &dispatcher.Result{
		Strategy: engine.StrategySingle,
		PerEngine: map[engine.ID]engine.Outcome{
			"claude": {EngineID: "claude", Status: engine.StatusSuccess, Text: "42"},
		},
		Order:         []engine.ID{"claude"},
		Attempted:     1,
		ConsensusText: "42",
		Confidence:    0.8,
	}
	e, ok := c.Store(context.Background(), cache.Key{Text: "what is six times seven", Strategy: engine.StrategySingle}, false, res)
	require.True(t, ok)
	return c, e
}

func adminMux(ch *CacheHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/cache/stats", ch.HandleStats)
	mux.HandleFunc("POST /v1/cache/sweep", ch.HandleSweep)
	mux.HandleFunc("DELETE /v1/cache/{id}", ch.HandleInvalidate)
	return mux
}

func TestCacheHandler_Stats(t *testing.T) {
	c, _ := seededCache(t)
	mux := adminMux(NewCacheHandler(c, zap.NewNop()))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data cache.Stats `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Data.Entries)
	assert.Equal(t, int64(1), resp.Data.Stores)
}

func TestCacheHandler_Sweep(t *testing.T) {
	c, _ := seededCache(t)
	mux := adminMux(NewCacheHandler(c, zap.NewNop()))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/cache/sweep", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data map[string]int `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 0, resp.Data["removed"])
	assert.Equal(t, 1, resp.Data["entries"])
}

func TestCacheHandler_Invalidate(t *testing.T) {
	c, e := seededCache(t)
	mux := adminMux(NewCacheHandler(c, zap.NewNop()))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/cache/"+e.ID, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, c.Len())

	// 第二次删除同一条目
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/cache/"+e.ID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(types.ErrNotFound), decodeEnvelope(t, w).Error.Code)
}

func TestCacheHandler_Disabled(t *testing.T) {
	mux := adminMux(NewCacheHandler(nil, nil))

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil),
		httptest.NewRequest(http.MethodPost, "/v1/cache/sweep", nil),
		httptest.NewRequest(http.MethodDelete, "/v1/cache/abc", nil),
	} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, req.URL.Path)
		assert.Equal(t, string(types.ErrServiceUnavailable), decodeEnvelope(t, w).Error.Code)
	}
}

func TestOptimizerHandler_Stats(t *testing.T) {
	o := optimizer.New(optimizer.DefaultConfig(), zap.NewNop())
	t.Cleanup(o.Close)
	o.RecordOutcome(optimizer.PerformanceSample{Strategy: engine.StrategyDual, Elapsed: 2 * time.Second, Confidence: 0.8})
	o.RecordOutcome(optimizer.PerformanceSample{Strategy: engine.StrategyDual, Elapsed: 4 * time.Second, Confidence: 0.6})
	o.RecordOutcome(optimizer.PerformanceSample{Strategy: engine.StrategySingle, Elapsed: time.Second, Confidence: 0.9})

	h := NewOptimizerHandler(o, zap.NewNop())
	w := httptest.NewRecorder()
	h.HandleStats(w, httptest.NewRequest(http.MethodGet, "/v1/optimizer/stats", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data struct {
			Strategies     map[string]StrategyStatsView `json:"strategies"`
			Samples        int                          `json:"samples"`
			SampleCapacity int                          `json:"sample_capacity"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 3, resp.Data.Samples)
	assert.Equal(t, optimizer.DefaultConfig().MaxSamples, resp.Data.SampleCapacity)

	dual := resp.Data.Strategies["dual"]
	assert.Equal(t, 2, dual.Count)
	assert.Equal(t, int64(3000), dual.MeanElapsedMS)
	assert.InDelta(t, 0.7, dual.MeanConfidence, 1e-9)
	assert.Equal(t, 1, resp.Data.Strategies["single"].Count)
}
