// Package redisstore persists semantic cache entries to Redis with write-behind.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chorus/cache"
	rediscache "github.com/BaSui01/chorus/internal/cache"
	"github.com/BaSui01/chorus/internal/pool"
)

const entryPrefix = "entry:"

// Store 实现 cache.Persister：写入与删除通过 goroutine 池异步落到 Redis
//
// 池内多个 worker 会乱序执行任务，同一条目的写与删通过 entryState 串行化：
// 删除在提交时立即打上墓碑，之后执行到的写入全部跳过。
type Store struct {
	redis  *rediscache.Manager
	pool   *pool.GoroutinePool
	ttl    time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entryState
}

// entryState tracks queued work for one entry id.
type entryState struct {
	mu      sync.Mutex // held while the entry's Redis command runs
	pending int        // guarded by Store.mu
	deleted atomic.Bool
}

var _ cache.Persister = (*Store)(nil)

// New creates a Store. ttl bounds how long an entry survives in Redis; use the
// cache's StaleAfter so Redis forgets entries the janitor would sweep anyway.
func New(redis *rediscache.Manager, workers *pool.GoroutinePool, ttl time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		redis:  redis,
		pool:   workers,
		ttl:     ttl,
		logger:  logger.With(zap.String("component", "cache_redisstore")),
		entries: make(map[string]*entryState),
	}
}

func (s *Store) acquire(id string) *entryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entries[id]
	if !ok {
		st = &entryState{}
		s.entries[id] = st
	}
	st.pending++
	return st
}

func (s *Store) release(id string, st *entryState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.pending--
	if st.pending == 0 && s.entries[id] == st {
		delete(s.entries, id)
	}
}

func (s *Store) key(id string) string {
	return s.redis.Key(entryPrefix + id)
}

// Save implements cache.Persister. The write is queued; a full queue drops it.
// Saving an entry again (e.g. with a new UseCount) overwrites it.
func (s *Store) Save(_ context.Context, e cache.Entry) error {
	ttl := s.ttl
	if ttl > 0 {
		ttl -= time.Since(e.CreatedAt)
		if ttl <= 0 {
			return nil
		}
	}
	st := s.acquire(e.ID)
	err := s.submit(func(ctx context.Context) error {
		defer s.release(e.ID, st)
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.deleted.Load() {
			return nil
		}
		return s.redis.SetJSON(ctx, s.key(e.ID), e, ttl)
	})
	if err != nil && s.pool != nil {
		s.release(e.ID, st)
	}
	return err
}

// Delete implements cache.Persister. Writes for ids queued before the
// delete are discarded, whichever order the workers pick them up in.
func (s *Store) Delete(_ context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	states := make([]*entryState, len(ids))
	keys := make([]string, len(ids))
	for i, id := range ids {
		states[i] = s.acquire(id)
		states[i].deleted.Store(true)
		keys[i] = s.key(id)
	}
	releaseAll := func() {
		for i, id := range ids {
			s.release(id, states[i])
		}
	}

	err := s.submit(func(ctx context.Context) error {
		defer releaseAll()
		// 按 id 排序加锁，避免与其他删除任务死锁
		for _, st := range states {
			st.mu.Lock()
		}
		defer func() {
			for _, st := range states {
				st.mu.Unlock()
			}
		}()
		return s.redis.Delete(ctx, keys...)
	})
	if err != nil && s.pool != nil {
		releaseAll()
	}
	return err
}

// Load implements cache.Persister. Unreadable entries are skipped.
func (s *Store) Load(ctx context.Context) ([]cache.Entry, error) {
	keys, err := s.redis.Scan(ctx, s.redis.Key(entryPrefix+"*"))
	if err != nil {
		return nil, err
	}

	out := make([]cache.Entry, 0, len(keys))
	for _, k := range keys {
		var e cache.Entry
		if err := s.redis.GetJSON(ctx, k, &e); err != nil {
			if !rediscache.IsCacheMiss(err) {
				s.logger.Warn("skipping unreadable cache entry",
					zap.String("key", strings.TrimPrefix(k, s.redis.Key(""))),
					zap.Error(err))
			}
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) submit(task pool.Task) error {
	if s.pool == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return task(ctx)
	}
	if err := s.pool.Submit(task); err != nil {
		if errors.Is(err, pool.ErrPoolFull) {
			s.logger.Warn("cache write-behind queue full, dropping write")
		}
		return fmt.Errorf("queue cache write: %w", err)
	}
	return nil
}
