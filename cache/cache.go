package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/chorus/dispatcher"
	"github.com/BaSui01/chorus/engine"
	"github.com/BaSui01/chorus/types"
)

// =============================================================================
// 💾 语义响应缓存
// =============================================================================

// Kind is the outcome class of a lookup.
type Kind string

const (
	KindHit     Kind = "hit"
	KindPartial Kind = "partial"
	KindMiss    Kind = "miss"
)

// Eviction reasons reported to the Observer.
const (
	ReasonCapacity   = "capacity"
	ReasonStale      = "stale"
	ReasonInvalidate = "invalidate"
)

// Key identifies what a request is looking for.
type Key struct {
	Text       string
	ContextKey string
	Strategy   engine.Strategy
}

// Entry is one stored dispatch result. Entries handed out by the cache are copies;
// Result is shared and must be treated as read-only.
type Entry struct {
	ID            string             `json:"id"`
	Text          string             `json:"text"`
	Vector        []float64          `json:"vector"`
	Strategy      engine.Strategy    `json:"strategy"`
	ContextKey    string             `json:"context_key,omitempty"`
	SessionScoped bool               `json:"session_scoped"`
	Result        *dispatcher.Result `json:"result"`
	CreatedAt     time.Time          `json:"created_at"`
	UseCount      int                `json:"use_count"`
}

// LookupResult 查询结果：命中 / 部分命中 / 未命中
type LookupResult struct {
	Kind       Kind    `json:"kind"`
	Entry      *Entry  `json:"entry,omitempty"`
	Similarity float64 `json:"similarity"`
	Freshness  float64 `json:"freshness"`
}

// Config tunes matching and retention.
type Config struct {
	Capacity            int           `yaml:"capacity" json:"capacity" env:"CAPACITY"`
	SimilarityThreshold float64       `yaml:"similarity_threshold" json:"similarity_threshold" env:"SIMILARITY_THRESHOLD"`
	FreshnessThreshold  float64       `yaml:"freshness_threshold" json:"freshness_threshold" env:"FRESHNESS_THRESHOLD"`
	PartialThreshold    float64       `yaml:"partial_threshold" json:"partial_threshold" env:"PARTIAL_THRESHOLD"`
	MaxAge              time.Duration `yaml:"max_age" json:"max_age" env:"MAX_AGE"`
	StaleAfter          time.Duration `yaml:"stale_after" json:"stale_after" env:"STALE_AFTER"`
	StaleMinUses        int           `yaml:"stale_min_uses" json:"stale_min_uses" env:"STALE_MIN_USES"`
	JanitorInterval     time.Duration `yaml:"janitor_interval" json:"janitor_interval" env:"JANITOR_INTERVAL"`
}

// DefaultConfig 返回默认缓存配置
func DefaultConfig() Config {
	return Config{
		Capacity:            1000,
		SimilarityThreshold: 0.85,
		FreshnessThreshold:  0.7,
		PartialThreshold:    0.9,
		MaxAge:              6 * time.Hour,
		StaleAfter:          24 * time.Hour,
		StaleMinUses:        2,
		JanitorInterval:     10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = def.Capacity
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = def.SimilarityThreshold
	}
	if c.FreshnessThreshold <= 0 {
		c.FreshnessThreshold = def.FreshnessThreshold
	}
	if c.PartialThreshold <= 0 {
		c.PartialThreshold = def.PartialThreshold
	}
	if c.MaxAge <= 0 {
		c.MaxAge = def.MaxAge
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = def.StaleAfter
	}
	if c.StaleMinUses <= 0 {
		c.StaleMinUses = def.StaleMinUses
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = def.JanitorInterval
	}
	return c
}

// Persister mirrors the in-memory collection to durable storage.
// Save and Delete must not block on I/O for long; the cache calls them outside its lock.
type Persister interface {
	Save(ctx context.Context, e Entry) error
	Delete(ctx context.Context, ids ...string) error
	Load(ctx context.Context) ([]Entry, error)
}

// Observer receives cache measurements.
type Observer interface {
	ObserveLookup(kind Kind)
	ObserveEviction(reason string, n int)
	ObserveScopeViolation()
	SetEntries(n int)
}

type noopObserver struct{}

func (noopObserver) ObserveLookup(Kind)          {}
func (noopObserver) ObserveEviction(string, int) {}
func (noopObserver) ObserveScopeViolation()      {}
func (noopObserver) SetEntries(int)              {}

// ScopeFilter decides whether an entry is a candidate for a request context.
type ScopeFilter func(e *Entry, contextKey string) bool

// Compatible is the default ScopeFilter: global entries match everyone,
// session-scoped entries only their own context.
func Compatible(e *Entry, contextKey string) bool {
	return !e.SessionScoped || e.ContextKey == contextKey
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries         int     `json:"entries"`
	Capacity        int     `json:"capacity"`
	Hits            int64   `json:"hits"`
	Partials        int64   `json:"partials"`
	Misses          int64   `json:"misses"`
	Stores          int64   `json:"stores"`
	Evictions       int64   `json:"evictions"`
	Swept           int64   `json:"swept"`
	ScopeViolations int64   `json:"scope_violations"`
	HitRate         float64 `json:"hit_rate"`
}

// Option configures a SemanticCache.
type Option func(*SemanticCache)

// WithVectorizer replaces the default HashingVectorizer.
func WithVectorizer(v Vectorizer) Option {
	return func(c *SemanticCache) { c.vectorizer = v }
}

// WithPersister mirrors entries to p.
func WithPersister(p Persister) Option {
	return func(c *SemanticCache) { c.persister = p }
}

// WithObserver reports measurements to o.
func WithObserver(o Observer) Option {
	return func(c *SemanticCache) { c.observer = o }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *SemanticCache) { c.now = now }
}

// WithScopeFilter replaces Compatible for candidate selection.
// Session isolation is still enforced on whatever the filter admits.
func WithScopeFilter(f ScopeFilter) Option {
	return func(c *SemanticCache) { c.scope = f }
}

// SemanticCache 按向量相似度复用历史结果，带会话隔离、新鲜度衰减与容量淘汰
type SemanticCache struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*Entry
	stats   Stats
	// used 记录自上次落盘后命中过的条目，由 FlushUses 批量写回
	used map[string]struct{}

	vectorizer Vectorizer
	persister  Persister
	observer   Observer
	scope      ScopeFilter
	now        func() time.Time
	logger     *zap.Logger
}

// New creates a SemanticCache.
func New(cfg Config, logger *zap.Logger, opts ...Option) *SemanticCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &SemanticCache{
		cfg:      cfg.withDefaults(),
		entries:  make(map[string]*Entry),
		used:     make(map[string]struct{}),
		observer: noopObserver{},
		scope:    Compatible,
		now:      time.Now,
		logger:   logger.With(zap.String("component", "semantic_cache")),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.vectorizer == nil {
		c.vectorizer = NewHashingVectorizer(DefaultDimensions, nil)
	}
	return c
}

// Config returns the active configuration.
func (c *SemanticCache) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetThresholds updates the matching thresholds at runtime. Non-positive values are ignored.
func (c *SemanticCache) SetThresholds(similarity, freshness, partial float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if similarity > 0 {
		c.cfg.SimilarityThreshold = similarity
	}
	if freshness > 0 {
		c.cfg.FreshnessThreshold = freshness
	}
	if partial > 0 {
		c.cfg.PartialThreshold = partial
	}
}

// Freshness 线性衰减：创建时 1.0，到 maxAge 时为 0
func Freshness(createdAt, now time.Time, maxAge time.Duration) float64 {
	if maxAge <= 0 {
		return 0
	}
	age := now.Sub(createdAt)
	if age <= 0 {
		return 1
	}
	f := 1 - float64(age)/float64(maxAge)
	if f < 0 {
		return 0
	}
	return f
}

// Lookup finds the best stored match for k.
func (c *SemanticCache) Lookup(k Key) LookupResult {
	vec := c.vectorizer.Vector(k.Text)
	now := c.now()

	c.mu.Lock()
	var (
		best      *Entry
		bestSim   float64
		violation []*Entry
	)
	for _, e := range c.entries {
		if e.Strategy != k.Strategy || !c.scope(e, k.ContextKey) {
			continue
		}
		if e.SessionScoped && e.ContextKey != k.ContextKey {
			violation = append(violation, e)
			continue
		}
		sim := CosineSimilarity(vec, e.Vector)
		if best == nil || sim > bestSim || (sim == bestSim && e.CreatedAt.After(best.CreatedAt)) {
			best, bestSim = e, sim
		}
	}

	res := LookupResult{Kind: KindMiss}
	if best != nil {
		res.Similarity = bestSim
		res.Freshness = Freshness(best.CreatedAt, now, c.cfg.MaxAge)
		switch {
		case bestSim >= c.cfg.SimilarityThreshold && res.Freshness >= c.cfg.FreshnessThreshold:
			best.UseCount++
			if c.persister != nil {
				c.used[best.ID] = struct{}{}
			}
			res.Kind = KindHit
			res.Entry = best.clone()
			c.stats.Hits++
		case bestSim >= c.cfg.PartialThreshold:
			res.Kind = KindPartial
			res.Entry = best.clone()
			c.stats.Partials++
		default:
			c.stats.Misses++
		}
	} else {
		c.stats.Misses++
	}
	c.stats.ScopeViolations += int64(len(violation))
	c.mu.Unlock()

	for _, e := range violation {
		err := types.CacheScopeViolation(e.ID, e.ContextKey, k.ContextKey)
		c.logger.Error("refusing to serve session-scoped entry to another context",
			zap.String("entry_id", e.ID),
			zap.Error(err))
		c.observer.ObserveScopeViolation()
	}
	c.observer.ObserveLookup(res.Kind)
	return res
}

// Store inserts a dispatch result when at least one engine succeeded.
// It returns the stored entry (a copy) and whether anything was stored.
func (c *SemanticCache) Store(ctx context.Context, k Key, sessionScoped bool, res *dispatcher.Result) (*Entry, bool) {
	if res == nil || res.SuccessCount() == 0 || !k.Strategy.Valid() {
		return nil, false
	}

	e := &Entry{
		ID:            uuid.NewString(),
		Text:          k.Text,
		Vector:        c.vectorizer.Vector(k.Text),
		Strategy:      k.Strategy,
		ContextKey:    k.ContextKey,
		SessionScoped: sessionScoped,
		Result:        res,
		CreatedAt:     c.now(),
	}

	c.mu.Lock()
	c.entries[e.ID] = e
	c.stats.Stores++
	evicted := c.evictLocked(c.now())
	size := len(c.entries)
	out := e.clone()
	c.mu.Unlock()

	c.observer.SetEntries(size)
	if len(evicted) > 0 {
		c.observer.ObserveEviction(ReasonCapacity, len(evicted))
	}
	if c.persister != nil {
		if err := c.persister.Save(ctx, *out); err != nil {
			c.logger.Warn("persist cache entry failed", zap.String("entry_id", out.ID), zap.Error(err))
		}
	}
	c.forget(ctx, evicted)
	return out, true
}

// evictLocked drops the lowest (useCount + freshness) entries until the collection
// fits; ties go to the oldest entry.
func (c *SemanticCache) evictLocked(now time.Time) []string {
	over := len(c.entries) - c.cfg.Capacity
	if over <= 0 {
		return nil
	}

	type scored struct {
		e     *Entry
		score float64
	}
	all := make([]scored, 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, scored{e: e, score: float64(e.UseCount) + Freshness(e.CreatedAt, now, c.cfg.MaxAge)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score < all[j].score
		}
		if !all[i].e.CreatedAt.Equal(all[j].e.CreatedAt) {
			return all[i].e.CreatedAt.Before(all[j].e.CreatedAt)
		}
		return all[i].e.ID < all[j].e.ID
	})

	ids := make([]string, 0, over)
	for _, s := range all[:over] {
		delete(c.entries, s.e.ID)
		ids = append(ids, s.e.ID)
	}
	c.stats.Evictions += int64(len(ids))
	return ids
}

// Sweep removes entries older than StaleAfter that were used fewer than StaleMinUses times.
func (c *SemanticCache) Sweep(ctx context.Context) int {
	now := c.now()

	c.mu.Lock()
	var ids []string
	for id, e := range c.entries {
		if now.Sub(e.CreatedAt) > c.cfg.StaleAfter && e.UseCount < c.cfg.StaleMinUses {
			delete(c.entries, id)
			ids = append(ids, id)
		}
	}
	c.stats.Swept += int64(len(ids))
	size := len(c.entries)
	c.mu.Unlock()

	if len(ids) > 0 {
		c.logger.Debug("swept stale cache entries", zap.Int("count", len(ids)))
		c.observer.ObserveEviction(ReasonStale, len(ids))
	}
	c.observer.SetEntries(size)
	c.forget(ctx, ids)
	c.FlushUses(ctx)
	return len(ids)
}

// FlushUses re-saves entries whose UseCount changed since the last flush so
// eviction and sweeping see the same counts after a restart. It returns the
// number of entries written.
func (c *SemanticCache) FlushUses(ctx context.Context) int {
	if c.persister == nil {
		return 0
	}
	c.mu.Lock()
	batch := make([]Entry, 0, len(c.used))
	for id := range c.used {
		if e, ok := c.entries[id]; ok {
			batch = append(batch, *e.clone())
		}
	}
	clear(c.used)
	c.mu.Unlock()

	for _, e := range batch {
		if err := c.persister.Save(ctx, e); err != nil {
			c.logger.Warn("persist cache use count failed", zap.String("entry_id", e.ID), zap.Error(err))
		}
	}
	return len(batch)
}

// StartJanitor runs Sweep every interval (<= 0 uses Config.JanitorInterval) until ctx is done.
func (c *SemanticCache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.Config().JanitorInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep(ctx)
			}
		}
	}()
}

// Invalidate removes one entry. It reports whether the entry existed.
func (c *SemanticCache) Invalidate(ctx context.Context, id string) bool {
	c.mu.Lock()
	_, ok := c.entries[id]
	delete(c.entries, id)
	size := len(c.entries)
	c.mu.Unlock()

	if !ok {
		return false
	}
	c.observer.ObserveEviction(ReasonInvalidate, 1)
	c.observer.SetEntries(size)
	c.forget(ctx, []string{id})
	return true
}

// Warm loads persisted entries, skipping those already stale. Capacity is enforced afterwards.
func (c *SemanticCache) Warm(ctx context.Context) (int, error) {
	if c.persister == nil {
		return 0, nil
	}
	loaded, err := c.persister.Load(ctx)
	if err != nil {
		return 0, err
	}

	now := c.now()
	c.mu.Lock()
	n := 0
	for i := range loaded {
		e := loaded[i]
		if e.ID == "" || !e.Strategy.Valid() || e.Result == nil || now.Sub(e.CreatedAt) > c.cfg.StaleAfter {
			continue
		}
		if len(e.Vector) != c.vectorizer.Dimensions() {
			e.Vector = c.vectorizer.Vector(e.Text)
		}
		c.entries[e.ID] = &e
		n++
	}
	evicted := c.evictLocked(now)
	size := len(c.entries)
	c.mu.Unlock()

	c.observer.SetEntries(size)
	c.forget(ctx, evicted)
	c.logger.Info("cache warmed from persister", zap.Int("loaded", n), zap.Int("entries", size))
	return n, nil
}

// Len returns the number of stored entries.
func (c *SemanticCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters.
func (c *SemanticCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	s.Capacity = c.cfg.Capacity
	if total := s.Hits + s.Partials + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Entries returns copies of all entries, newest first.
func (c *SemanticCache) Entries() []Entry {
	c.mu.Lock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e.clone())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (c *SemanticCache) forget(ctx context.Context, ids []string) {
	if c.persister == nil || len(ids) == 0 {
		return
	}
	if err := c.persister.Delete(ctx, ids...); err != nil {
		c.logger.Warn("delete persisted cache entries failed", zap.Int("count", len(ids)), zap.Error(err))
	}
}

func (e *Entry) clone() *Entry {
	cp := *e
	cp.Vector = append([]float64(nil), e.Vector...)
	return &cp
}
