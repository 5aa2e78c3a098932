package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/chorus/engine"
	"github.com/BaSui01/chorus/types"
)

const instrumentationName = "github.com/BaSui01/chorus/dispatcher"

// DefaultEngineTimeout applies when neither the request, the engine config nor an estimate sets one.
const DefaultEngineTimeout = 30 * time.Second

var errEmptyResponse = errors.New("backend returned an empty response")

// Request is one dispatch.
type Request struct {
	Text     string
	Strategy engine.Strategy
	// Domain selects a domain override row in the strategy table, if configured.
	Domain string
	// Timeout overrides every engine's per-call timeout for this dispatch.
	Timeout time.Duration
	// EstimatedTimeout bounds engines whose config sets no timeout, ahead of the dispatcher default.
	EstimatedTimeout time.Duration
	// OutcomeHook is invoked once per engine as it terminates. Calls are serialized
	// among themselves but never block outcome recording.
	OutcomeHook func(engine.Outcome)
}

// Result 一次扇出的完整结果
type Result struct {
	Strategy        engine.Strategy              `json:"strategy"`
	PerEngine       map[engine.ID]engine.Outcome `json:"per_engine"`
	Order           []engine.ID                  `json:"order"`
	Attempted       int                          `json:"attempted"`
	ConsensusText   string                       `json:"consensus_text"`
	ConsensusEngine engine.ID                    `json:"consensus_engine,omitempty"`
	Confidence      float64                      `json:"confidence"`
	Elapsed         time.Duration                `json:"elapsed"`
	FallbackUsed    bool                         `json:"fallback_used"`
}

// SuccessCount returns the number of engines that produced text.
func (r *Result) SuccessCount() int {
	n := 0
	for _, o := range r.PerEngine {
		if o.OK() {
			n++
		}
	}
	return n
}

// EnginesUsed lists the engines whose text backs the result, in selection order.
// After a fallback it is exactly the fallback engine.
func (r *Result) EnginesUsed() []engine.ID {
	if r.FallbackUsed {
		if r.ConsensusEngine == "" {
			return nil
		}
		return []engine.ID{r.ConsensusEngine}
	}
	out := make([]engine.ID, 0, len(r.Order))
	for _, id := range r.Order {
		if r.PerEngine[id].OK() {
			out = append(out, id)
		}
	}
	return out
}

// Texts returns the successful texts keyed by engine.
func (r *Result) Texts() map[engine.ID]string {
	out := make(map[engine.ID]string)
	for id, o := range r.PerEngine {
		if o.OK() {
			out[id] = o.Text
		}
	}
	return out
}

// Observer receives per-call measurements (typically the Prometheus collector).
type Observer interface {
	ObserveEngineCall(id engine.ID, status engine.Status, elapsed time.Duration)
	ObserveFallback(ok bool)
}

type noopObserver struct{}

func (noopObserver) ObserveEngineCall(engine.ID, engine.Status, time.Duration) {}
func (noopObserver) ObserveFallback(bool) {}

// Options configure a Dispatcher. Zero fields take defaults.
type Options struct {
	DefaultTimeout time.Duration
	Aggregator     Aggregator
	Observer       Observer
	Logger         *zap.Logger
}

// Dispatcher 并发调用引擎、汇总共识、在全失败时执行一次兜底
type Dispatcher struct {
	registry       *engine.Registry
	defaultTimeout time.Duration
	aggregator     Aggregator
	observer       Observer
	tracer         trace.Tracer
	logger         *zap.Logger
}

// New creates a Dispatcher over a registry.
func New(registry *engine.Registry, opts Options) *Dispatcher {
	d := &Dispatcher{
		registry:       registry,
		defaultTimeout: opts.DefaultTimeout,
		aggregator:     opts.Aggregator,
		observer:       opts.Observer,
		tracer:         otel.Tracer(instrumentationName),
		logger:         opts.Logger,
	}
	if d.defaultTimeout <= 0 {
		d.defaultTimeout = DefaultEngineTimeout
	}
	if d.aggregator == nil {
		d.aggregator = WeightAggregator{}
	}
	if d.observer == nil {
		d.observer = noopObserver{}
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	d.logger = d.logger.With(zap.String("component", "dispatcher"))
	return d
}

// Registry returns the engine registry in use.
func (d *Dispatcher) Registry() *engine.Registry {
	return d.registry
}

// Dispatch fans the request out to the engines selected for its strategy.
//
// Per-engine failures are recorded in Result.PerEngine and never returned.
// The returned error is either INVALID_STRATEGY (no engine was called) or
// ALL_ENGINES_FAILED (every engine and the fallback failed); in the latter case
// the all-failed Result is returned alongside the error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if !req.Strategy.Valid() {
		return nil, types.InvalidStrategy(req.Strategy.String())
	}
	members, err := d.registry.Select(req.Strategy, req.Domain)
	if err != nil {
		return nil, err
	}

	ctx, span := d.tracer.Start(ctx, "chorus.dispatch",
		trace.WithAttributes(
			attribute.String("chorus.strategy", req.Strategy.String()),
			attribute.Int("chorus.engines", len(members)),
		))
	defer span.End()

	start := time.Now()
	outcomes := d.fanOut(ctx, members, req)

	res := &Result{
		Strategy:  req.Strategy,
		PerEngine: make(map[engine.ID]engine.Outcome, len(members)+1),
		Order:     make([]engine.ID, 0, len(members)+1),
		Attempted: len(members),
	}
	candidates := make([]Candidate, 0, len(members))
	for i, m := range members {
		o := outcomes[i]
		res.PerEngine[m.Config.ID] = o
		res.Order = append(res.Order, m.Config.ID)
		if o.OK() {
			candidates = append(candidates, Candidate{Outcome: o, Weight: m.Config.Weight, Rank: i})
		}
	}

	if best, ok := d.aggregator.Aggregate(candidates); ok {
		res.ConsensusText = best.Outcome.Text
		res.ConsensusEngine = best.Outcome.EngineID
		res.Confidence = Confidence(len(candidates), len(members))
		res.Elapsed = time.Since(start)
		span.SetAttributes(
			attribute.Int("chorus.success", len(candidates)),
			attribute.Float64("chorus.confidence", res.Confidence))
		return res, nil
	}

	failed := types.AllEnginesFailed(len(members), lastError(outcomes))
	if ctx.Err() != nil {
		res.Elapsed = time.Since(start)
		span.SetStatus(codes.Error, "cancelled")
		return res, failed.WithCause(ctx.Err())
	}

	d.logger.Warn("all engines failed, trying fallback",
		zap.String("strategy", req.Strategy.String()),
		zap.Int("attempted", len(members)))

	fb, ok := d.registry.Fallback()
	if !ok {
		res.Elapsed = time.Since(start)
		d.logger.Error("all engines failed and no fallback is configured",
			zap.String("strategy", req.Strategy.String()))
		span.SetStatus(codes.Error, string(types.ErrAllEnginesFailed))
		return res, failed
	}

	fbOutcome := d.call(ctx, fb, req)
	if req.OutcomeHook != nil {
		req.OutcomeHook(fbOutcome)
	}
	d.observer.ObserveFallback(fbOutcome.OK())
	span.SetAttributes(attribute.Bool("chorus.fallback", true))

	// 注册表保证兜底引擎不在任何扇出行中，这里一定是新条目
	res.Order = append(res.Order, fb.Config.ID)
	res.PerEngine[fb.Config.ID] = fbOutcome
	res.Attempted++
	res.Elapsed = time.Since(start)

	if !fbOutcome.OK() {
		d.logger.Error("fallback engine failed",
			zap.String("engine", string(fb.Config.ID)),
			zap.Error(fbOutcome.Err))
		span.SetStatus(codes.Error, string(types.ErrAllEnginesFailed))
		return res, types.AllEnginesFailed(res.Attempted, fbOutcome.Err)
	}

	res.FallbackUsed = true
	res.Strategy = engine.StrategySingle
	res.ConsensusText = fbOutcome.Text
	res.ConsensusEngine = fb.Config.ID
	// 兜底结果的覆盖率只按兜底这一次尝试计算
	res.Confidence = Confidence(1, 1)
	return res, nil
}

// fanOut runs one task per member and returns outcomes indexed like members.
func (d *Dispatcher) fanOut(ctx context.Context, members []engine.Member, req Request) []engine.Outcome {
	outcomes := make([]engine.Outcome, len(members))
	var (
		mu     sync.Mutex
		hookMu sync.Mutex
	)

	g, gctx := errgroup.WithContext(ctx)
	for i, m := range members {
		g.Go(func() error {
			o := d.call(gctx, m, req)
			mu.Lock()
			outcomes[i] = o
			mu.Unlock()
			// 先记录结果再回调，慢速订阅方只会阻塞其他回调
			if req.OutcomeHook != nil {
				hookMu.Lock()
				req.OutcomeHook(o)
				hookMu.Unlock()
			}
			return nil // 单个引擎失败不终止其他引擎
		})
	}
	_ = g.Wait()
	return outcomes
}

type reply struct {
	text string
	err  error
}

// call invokes one backend under its own timeout. It returns when the backend
// answers or the timeout fires, whichever comes first, so a backend that
// ignores ctx cannot stall the dispatch.
func (d *Dispatcher) call(ctx context.Context, m engine.Member, req Request) engine.Outcome {
	id := m.Config.ID
	timeout := d.timeoutFor(m.Config, req)

	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	taskCtx, span := d.tracer.Start(taskCtx, "chorus.engine.call",
		trace.WithAttributes(
			attribute.String("chorus.engine", string(id)),
			attribute.String("chorus.backend", m.Backend.Name()),
			attribute.Float64("chorus.timeout_s", timeout.Seconds()),
		))
	defer span.End()

	start := time.Now()
	ch := make(chan reply, 1)
	go func() {
		text, err := m.Backend.Generate(taskCtx, engine.Request{
			Text:        req.Text,
			Model:       m.Config.Model,
			Temperature: m.Config.Temperature,
			Role:        m.Config.Role,
		})
		ch <- reply{text: text, err: err}
	}()

	var r reply
	select {
	case r = <-ch:
	case <-taskCtx.Done():
		r = reply{err: taskCtx.Err()}
	}

	o := engine.Outcome{EngineID: id, Elapsed: time.Since(start)}
	switch {
	case r.err == nil && strings.TrimSpace(r.text) != "":
		o.Status = engine.StatusSuccess
		o.Text = r.text
	case r.err == nil:
		o.Status = engine.StatusError
		o.Err = types.EngineError(string(id), errEmptyResponse)
	case ctx.Err() != nil:
		o.Status = engine.StatusError
		o.Err = types.EngineError(string(id), fmt.Errorf("dispatch cancelled: %w", ctx.Err()))
	case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		o.Status = engine.StatusTimeout
		o.Err = types.EngineTimeout(string(id), fmt.Errorf("no response within %s", timeout))
	default:
		o.Status = engine.StatusError
		o.Err = types.EngineError(string(id), r.err)
	}

	span.SetAttributes(attribute.String("chorus.status", string(o.Status)))
	if o.Err != nil {
		span.RecordError(o.Err)
		span.SetStatus(codes.Error, string(o.Status))
	}
	d.observer.ObserveEngineCall(id, o.Status, o.Elapsed)
	d.logger.Debug("engine call finished",
		zap.String("engine", string(id)),
		zap.String("status", string(o.Status)),
		zap.Duration("elapsed", o.Elapsed),
		zap.Error(o.Err))
	return o
}

func (d *Dispatcher) timeoutFor(cfg engine.Config, req Request) time.Duration {
	switch {
	case req.Timeout > 0:
		return req.Timeout
	case cfg.Timeout > 0:
		return cfg.Timeout
	case req.EstimatedTimeout > 0:
		return req.EstimatedTimeout
	default:
		return d.defaultTimeout
	}
}

func lastError(outcomes []engine.Outcome) error {
	for i := len(outcomes) - 1; i >= 0; i-- {
		if outcomes[i].Err != nil {
			return outcomes[i].Err
		}
	}
	return nil
}
