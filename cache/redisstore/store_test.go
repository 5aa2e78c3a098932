package redisstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/chorus/cache"
	"github.com/BaSui01/chorus/dispatcher"
	"github.com/BaSui01/chorus/engine"
	rediscache "github.com/BaSui01/chorus/internal/cache"
	"github.com/BaSui01/chorus/internal/pool"
	"github.com/BaSui01/chorus/testutil"
)

func setup(t *testing.T, withPool bool) (*miniredis.Miniredis, *Store, *pool.GoroutinePool) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := rediscache.DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.HealthCheckInterval = 0
	m, err := rediscache.NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	var p *pool.GoroutinePool
	if withPool {
		p = pool.NewGoroutinePool(pool.Config{MaxWorkers: 2}, zap.NewNop())
	}
	return mr, New(m, p, 24*time.Hour, zap.NewNop()), p
}

func result(text string) *dispatcher.Result {
	return &dispatcher.Result{
		Strategy: engine.StrategyDual,
		PerEngine: map[engine.ID]engine.Outcome{
			"a": {EngineID: "a", Status: engine.StatusSuccess, Text: text},
		},
		Order:           []engine.ID{"a"},
		Attempted:       1,
		ConsensusText:   text,
		ConsensusEngine: "a",
		Confidence:      0.8,
	}
}

func TestStore_WriteBehindAndWarm(t *testing.T) {
	mr, store, p := setup(t, true)
	ctx := context.Background()

	c := cache.New(cache.Config{}, zap.NewNop(), cache.WithPersister(store))
	k := cache.Key{Text: "what is a monad", ContextKey: "u1", Strategy: engine.StrategyDual}
	e, ok := c.Store(ctx, k, true, result("a burrito"))
	require.True(t, ok)

	testutil.AssertEventuallyTrue(t, func() bool { return mr.Exists("chorus:entry:" + e.ID) }, time.Second)
	assert.Greater(t, mr.TTL("chorus:entry:"+e.ID), 23*time.Hour)

	warm := cache.New(cache.Config{}, zap.NewNop(), cache.WithPersister(store))
	n, err := warm.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res := warm.Lookup(k)
	require.Equal(t, cache.KindHit, res.Kind)
	assert.Equal(t, "a burrito", res.Entry.Result.ConsensusText)
	assert.True(t, res.Entry.SessionScoped)
	assert.Equal(t, engine.StrategyDual, res.Entry.Strategy)

	require.True(t, c.Invalidate(ctx, e.ID))
	require.NoError(t, p.Close(ctx))
	assert.False(t, mr.Exists("chorus:entry:"+e.ID))
}

func TestStore_SynchronousWithoutPool(t *testing.T) {
	mr, store, _ := setup(t, false)
	ctx := context.Background()

	e := cache.Entry{
		ID:        "fixed-id",
		Text:      "hello",
		Strategy:  engine.StrategySingle,
		Result:    result("hi"),
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Save(ctx, e))
	assert.True(t, mr.Exists("chorus:entry:fixed-id"))

	require.NoError(t, store.Delete(ctx, "fixed-id"))
	assert.False(t, mr.Exists("chorus:entry:fixed-id"))
	require.NoError(t, store.Delete(ctx))
}

func TestStore_SkipsExpiredAndCorruptEntries(t *testing.T) {
	mr, store, _ := setup(t, false)
	ctx := context.Background()

	old := cache.Entry{ID: "old", Strategy: engine.StrategySingle, Result: result("x"), CreatedAt: time.Now().Add(-48 * time.Hour)}
	require.NoError(t, store.Save(ctx, old))
	assert.False(t, mr.Exists("chorus:entry:old"))

	require.NoError(t, mr.Set("chorus:entry:corrupt", "{"))
	entries, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_ClosedPoolReturnsError(t *testing.T) {
	_, store, p := setup(t, true)
	require.NoError(t, p.Close(context.Background()))

	err := store.Save(context.Background(), cache.Entry{ID: "x", CreatedAt: time.Now()})
	assert.ErrorIs(t, err, pool.ErrPoolClosed)
}

func TestStore_DeleteDiscardsQueuedSave(t *testing.T) {
	mr, store, _ := setup(t, false)
	p := pool.NewGoroutinePool(pool.Config{MaxWorkers: 1, QueueSize: 16}, zap.NewNop())
	store.pool = p
	ctx := context.Background()

	gate := make(chan struct{})
	require.NoError(t, p.Submit(func(context.Context) error { <-gate; return nil }))

	e := cache.Entry{ID: "doomed", Strategy: engine.StrategySingle, Result: result("x"), CreatedAt: time.Now()}
	require.NoError(t, store.Save(ctx, e))
	require.NoError(t, store.Delete(ctx, e.ID))
	close(gate)
	require.NoError(t, p.Close(ctx))

	assert.False(t, mr.Exists("chorus:entry:doomed"))
	store.mu.Lock()
	assert.Empty(t, store.entries, "per-entry state is released once the queue drains")
	store.mu.Unlock()
}

func TestStore_SaveThenDeleteNeverResurrects(t *testing.T) {
	mr, store, _ := setup(t, false)
	store.pool = pool.NewGoroutinePool(pool.Config{MaxWorkers: 8, QueueSize: 1024}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		e := cache.Entry{ID: fmt.Sprintf("e-%d", i), Strategy: engine.StrategySingle, Result: result("x"), CreatedAt: time.Now()}
		require.NoError(t, store.Save(ctx, e))
		require.NoError(t, store.Delete(ctx, e.ID))
	}
	require.NoError(t, store.pool.Close(ctx))

	assert.Empty(t, mr.Keys())
}

func TestStore_UseCountPersistsAcrossWarm(t *testing.T) {
	_, store, _ := setup(t, false)
	ctx := context.Background()

	c := cache.New(cache.Config{}, zap.NewNop(), cache.WithPersister(store))
	k := cache.Key{Text: "popular question", Strategy: engine.StrategyDual}
	_, ok := c.Store(ctx, k, false, result("answer"))
	require.True(t, ok)
	for i := 0; i < 3; i++ {
		require.Equal(t, cache.KindHit, c.Lookup(k).Kind)
	}
	assert.Equal(t, 1, c.FlushUses(ctx))

	warm := cache.New(cache.Config{}, zap.NewNop(), cache.WithPersister(store))
	_, err := warm.Warm(ctx)
	require.NoError(t, err)
	entries := warm.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].UseCount)
}
