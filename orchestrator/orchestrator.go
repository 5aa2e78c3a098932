package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/chorus/cache"
	"github.com/BaSui01/chorus/classifier"
	"github.com/BaSui01/chorus/dispatcher"
	"github.com/BaSui01/chorus/engine"
	"github.com/BaSui01/chorus/optimizer"
	"github.com/BaSui01/chorus/types"
)

// Reasoning steps appended after the optimizer's rules.
const (
	StepCacheHit     = "cache_hit"
	StepCachePartial = "cache_partial"
	StepCacheMiss    = "cache_miss"
	StepFallback     = "fallback_engine"
	StepShared       = "shared_dispatch"
)

// Request is one Resolve call.
type Request struct {
	Text          string                `json:"text"`
	ContextKey    string                `json:"context_key,omitempty"`
	SessionScoped bool                  `json:"session_scoped,omitempty"`
	StrategyHint  *engine.Strategy      `json:"strategy_hint,omitempty"`
	Preferences   optimizer.Preferences `json:"preferences"`
	Domain        string                `json:"domain,omitempty"`
	Metadata      classifier.Metadata   `json:"metadata"`
	// Timeout overrides every engine's per-call timeout.
	Timeout time.Duration `json:"-"`
	// OutcomeHook streams per-engine outcomes; requests carrying one bypass miss collapsing
	// and are bound directly to the caller's context.
	OutcomeHook func(engine.Outcome) `json:"-"`
}

// Response Resolve 的返回：文本 + 置信度 + 实际策略 + 参与引擎
type Response struct {
	Text         string          `json:"text"`
	Confidence   float64         `json:"confidence"`
	StrategyUsed engine.Strategy `json:"strategy_used"`
	EnginesUsed  []engine.ID     `json:"engines_used"`
	CacheHit     bool            `json:"cache_hit"`
	PartialHit   bool            `json:"partial_hit,omitempty"`
	FallbackUsed bool            `json:"fallback_used,omitempty"`
	Complexity   float64         `json:"complexity"`
	Reasoning    []string        `json:"reasoning"`
	Elapsed      time.Duration   `json:"elapsed"`
}

// Observer receives per-resolve measurements.
type Observer interface {
	ObserveResolve(strategy engine.Strategy, kind cache.Kind, elapsed time.Duration)
	ObserveDecision(strategy engine.Strategy, rule string)
}

type noopObserver struct{}

func (noopObserver) ObserveResolve(engine.Strategy, cache.Kind, time.Duration) {}
func (noopObserver) ObserveDecision(engine.Strategy, string) {}

// Options wire the collaborators. Dispatcher is required; Cache nil disables caching.
type Options struct {
	Classifier classifier.Classifier
	Optimizer  *optimizer.Optimizer
	Dispatcher *dispatcher.Dispatcher
	Cache      *cache.SemanticCache
	Resources  optimizer.ResourceProvider
	Observer   Observer
	Logger     *zap.Logger
}

// Orchestrator 串联 分类 → 优化 → 缓存 → 分发，是调用方唯一入口
type Orchestrator struct {
	classifier classifier.Classifier
	optimizer  *optimizer.Optimizer
	dispatcher *dispatcher.Dispatcher
	cache      *cache.SemanticCache
	resources  optimizer.ResourceProvider
	observer   Observer
	logger     *zap.Logger

	flights  singleflight.Group
	mu       sync.Mutex
	inflight map[string]*flight
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("orchestrator: dispatcher is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	o := &Orchestrator{
		classifier: opts.Classifier,
		optimizer:  opts.Optimizer,
		dispatcher: opts.Dispatcher,
		cache:      opts.Cache,
		resources:  opts.Resources,
		observer:   opts.Observer,
		logger:     opts.Logger.With(zap.String("component", "orchestrator")),
		inflight:   make(map[string]*flight),
	}
	if o.classifier == nil {
		o.classifier = classifier.New(classifier.Options{})
	}
	if o.optimizer == nil {
		o.optimizer = optimizer.New(optimizer.DefaultConfig(), opts.Logger)
	}
	if o.resources == nil {
		o.resources = optimizer.StaticProvider{}
	}
	if o.observer == nil {
		o.observer = noopObserver{}
	}
	return o, nil
}

// Cache returns the semantic cache, or nil when caching is disabled.
func (o *Orchestrator) Cache() *cache.SemanticCache { return o.cache }

// Optimizer returns the optimizer.
func (o *Orchestrator) Optimizer() *optimizer.Optimizer { return o.optimizer }

// Dispatcher returns the dispatcher.
func (o *Orchestrator) Dispatcher() *dispatcher.Dispatcher { return o.dispatcher }

// Resolve answers one request: classify, decide a strategy, consult the cache,
// and dispatch on a miss. Per-engine failures are absorbed into Confidence;
// only INVALID_STRATEGY and ALL_ENGINES_FAILED are returned.
func (o *Orchestrator) Resolve(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	cls := o.classifier.Classify(req.Text, req.Metadata)
	recommended := cls.Strategy
	if req.StrategyHint != nil {
		if !req.StrategyHint.Valid() {
			return nil, types.InvalidStrategy(req.StrategyHint.String())
		}
		recommended = *req.StrategyHint
	}

	snap, err := o.resources.Snapshot(ctx)
	if err != nil {
		o.logger.Warn("resource snapshot unavailable, treating as unconstrained", zap.Error(err))
		snap = nil
	}

	decision := o.optimizer.Decide(cls.Score, recommended, snap, req.Preferences)
	if req.StrategyHint != nil {
		decision.Reasoning[0] = optimizer.RuleStrategyHint
	}
	o.observer.ObserveDecision(decision.Strategy, decision.Reasoning[len(decision.Reasoning)-1])

	resp := &Response{
		Complexity: cls.Score.Value,
		Reasoning:  append([]string(nil), decision.Reasoning...),
	}

	key := cache.Key{Text: req.Text, ContextKey: req.ContextKey, Strategy: decision.Strategy}
	kind := cache.KindMiss
	if o.cache != nil {
		lookup := o.cache.Lookup(key)
		kind = lookup.Kind
		switch lookup.Kind {
		case cache.KindHit:
			r := lookup.Entry.Result
			resp.Text = r.ConsensusText
			resp.Confidence = r.Confidence
			resp.StrategyUsed = r.Strategy
			resp.EnginesUsed = r.EnginesUsed()
			resp.FallbackUsed = r.FallbackUsed
			resp.CacheHit = true
			resp.Reasoning = append(resp.Reasoning, StepCacheHit)
			resp.Elapsed = time.Since(start)
			o.observer.ObserveResolve(decision.Strategy, kind, resp.Elapsed)
			o.logger.Debug("resolved from cache",
				zap.String("entry_id", lookup.Entry.ID),
				zap.Float64("similarity", lookup.Similarity))
			return resp, nil
		case cache.KindPartial:
			resp.PartialHit = true
			resp.Reasoning = append(resp.Reasoning, StepCachePartial)
		default:
			resp.Reasoning = append(resp.Reasoning, StepCacheMiss)
		}
	}

	res, shared, err := o.dispatch(ctx, req, key, o.estimateFor(cls, decision.Strategy))
	resp.Elapsed = time.Since(start)
	o.observer.ObserveResolve(decision.Strategy, kind, resp.Elapsed)
	if err != nil {
		o.logger.Error("resolve failed",
			zap.String("strategy", decision.Strategy.String()),
			zap.Error(err))
		return nil, err
	}

	if shared {
		resp.Reasoning = append(resp.Reasoning, StepShared)
	}
	if res.FallbackUsed {
		resp.Reasoning = append(resp.Reasoning, StepFallback)
	}
	resp.Text = res.ConsensusText
	resp.Confidence = res.Confidence
	resp.StrategyUsed = res.Strategy
	resp.EnginesUsed = res.EnginesUsed()
	resp.FallbackUsed = res.FallbackUsed
	return resp, nil
}

// flight is one shared dispatch. It runs detached from every caller and is
// cancelled only once the last waiting caller has gone.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// dispatch collapses concurrent identical misses into one fan-out. Whoever runs
// the flight stores the result and records the performance sample.
func (o *Orchestrator) dispatch(ctx context.Context, req Request, key cache.Key, estimate time.Duration) (*dispatcher.Result, bool, error) {
	dreq := dispatcher.Request{
		Text:             req.Text,
		Strategy:         key.Strategy,
		Domain:           req.Domain,
		Timeout:          req.Timeout,
		EstimatedTimeout: estimate,
		OutcomeHook:      req.OutcomeHook,
	}
	if req.OutcomeHook != nil {
		res, err := o.run(ctx, dreq, key, req.SessionScoped)
		return res, false, err
	}

	flightKey := strings.Join([]string{
		key.ContextKey, fmt.Sprint(req.SessionScoped), key.Strategy.String(), req.Domain,
		req.Timeout.String(), estimate.String(), key.Text,
	}, "\x00")

	o.mu.Lock()
	f, ok := o.inflight[flightKey]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		o.inflight[flightKey] = f
	}
	f.waiters++
	ch := o.flights.DoChan(flightKey, func() (any, error) {
		defer o.land(flightKey, f)
		return o.run(f.ctx, dreq, key, req.SessionScoped)
	})
	o.mu.Unlock()

	select {
	case r := <-ch:
		o.leave(flightKey, f)
		res, _ := r.Val.(*dispatcher.Result)
		return res, r.Shared, r.Err
	case <-ctx.Done():
	}

	if last := o.leave(flightKey, f); !last {
		// 其他调用方仍在等待，共享分发继续进行
		return nil, false, types.NewError(types.ErrAllEnginesFailed, "request cancelled while waiting for a shared dispatch").
			WithCause(ctx.Err()).
			WithHTTPStatus(http.StatusServiceUnavailable).
			WithRetryable(true)
	}
	// 最后一个调用方离开：分发已被取消，等待它带着已完成的结果返回
	r := <-ch
	res, _ := r.Val.(*dispatcher.Result)
	return res, r.Shared, r.Err
}

// leave drops one waiter and reports whether it was the last. The last waiter
// cancels the flight and detaches it so new callers start a fresh one.
func (o *Orchestrator) leave(flightKey string, f *flight) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return false
	}
	f.cancel()
	if o.inflight[flightKey] == f {
		delete(o.inflight, flightKey)
		o.flights.Forget(flightKey)
	}
	return true
}

// land detaches a finished flight.
func (o *Orchestrator) land(flightKey string, f *flight) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[flightKey] == f {
		delete(o.inflight, flightKey)
	}
}

// run performs one dispatch and records its sample. Only complete answers are
// cached: fallback answers and dispatches cut short by cancellation are not.
func (o *Orchestrator) run(ctx context.Context, dreq dispatcher.Request, key cache.Key, sessionScoped bool) (*dispatcher.Result, error) {
	if t, ok := o.resources.(interface{ Begin() func() }); ok {
		defer t.Begin()()
	}
	res, err := o.dispatcher.Dispatch(ctx, dreq)
	if res != nil {
		o.optimizer.RecordOutcome(sampleOf(key.Strategy, res))
	}
	if err != nil {
		return res, err
	}
	switch {
	case o.cache == nil:
	case res.FallbackUsed:
		o.logger.Debug("fallback answer not cached", zap.String("strategy", key.Strategy.String()))
	case ctx.Err() != nil:
		o.logger.Debug("cancelled dispatch not cached", zap.String("strategy", key.Strategy.String()))
	default:
		o.cache.Store(ctx, key, sessionScoped, res)
	}
	return res, nil
}

// estimateFor returns the classifier's timeout estimate for the decided strategy.
func (o *Orchestrator) estimateFor(cls classifier.Result, st engine.Strategy) time.Duration {
	if cls.Strategy == st {
		return cls.Timeout
	}
	if e, ok := o.classifier.(interface {
		TimeoutFor(engine.Strategy) time.Duration
	}); ok {
		return e.TimeoutFor(st)
	}
	return 0
}

func sampleOf(st engine.Strategy, res *dispatcher.Result) optimizer.PerformanceSample {
	util := make(map[engine.ID]float64, len(res.Order))
	for _, id := range res.Order {
		if res.PerEngine[id].OK() {
			util[id] = 1
		} else {
			util[id] = 0
		}
	}
	return optimizer.PerformanceSample{
		Strategy:          st,
		Elapsed:           res.Elapsed,
		Confidence:        res.Confidence,
		EngineUtilization: util,
		Timestamp:         time.Now(),
	}
}

// RecordFeedback forwards an externally observed sample to the optimizer's log.
func (o *Orchestrator) RecordFeedback(sample optimizer.PerformanceSample) error {
	if !sample.Strategy.Valid() {
		return types.InvalidStrategy(sample.Strategy.String())
	}
	if sample.Confidence < 0 || sample.Confidence > 1 {
		return types.NewError(types.ErrInvalidRequest, "confidence must be within [0, 1]").
			WithHTTPStatus(http.StatusBadRequest)
	}
	if sample.Elapsed < 0 {
		return types.NewError(types.ErrInvalidRequest, "elapsed must not be negative").
			WithHTTPStatus(http.StatusBadRequest)
	}
	o.optimizer.RecordOutcome(sample)
	return nil
}
