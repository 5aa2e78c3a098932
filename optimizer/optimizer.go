package optimizer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chorus/classifier"
	"github.com/BaSui01/chorus/engine"
)

// Rule names recorded in Decision.Reasoning.
const (
	RuleClassifier       = "classifier_recommendation"
	RuleStrategyHint     = "strategy_hint"
	RuleResourcePressure = "resource_pressure_downgrade"
	RulePreferSpeed      = "prefer_speed"
	RulePreferQuality    = "prefer_quality_upgrade"
	RuleUnconstrained    = "resources_unknown_unconstrained"
)

// ResourceSnapshot is the live load signal supplied by a ResourceProvider.
type ResourceSnapshot struct {
	CPULoad                float64       `json:"cpu_load"`
	AvailableMemory        uint64        `json:"available_memory"`
	BackendLatencyEstimate time.Duration `json:"backend_latency_estimate"`
}

// Preferences are explicit caller hints.
type Preferences struct {
	PreferSpeed   bool `json:"prefer_speed,omitempty"`
	PreferQuality bool `json:"prefer_quality,omitempty"`
}

// Decision 最终策略 + 推理链 + 性能预估
type Decision struct {
	Strategy            engine.Strategy `json:"strategy"`
	Reasoning           []string        `json:"reasoning"`
	EstimatedLatency    time.Duration   `json:"estimated_latency"`
	EstimatedConfidence float64         `json:"estimated_confidence"`
}

// Config tunes the decision rules.
type Config struct {
	// HighCPULoad triggers a one-step downgrade when exceeded.
	HighCPULoad float64 `yaml:"high_cpu_load" json:"high_cpu_load"`
	// QualityCPUCeiling is the load below which preferQuality may upgrade.
	QualityCPUCeiling float64 `yaml:"quality_cpu_ceiling" json:"quality_cpu_ceiling"`
	// MemoryFloor in bytes; below it the strategy is downgraded. Zero disables the check.
	MemoryFloor uint64 `yaml:"memory_floor" json:"memory_floor"`
	// MaxSamples bounds the performance ring buffer.
	MaxSamples int `yaml:"max_samples" json:"max_samples"`
	// BaseLatency per strategy for EstimatedLatency.
	BaseLatency map[engine.Strategy]time.Duration `yaml:"-" json:"-"`
	// PriorConfidence per strategy for EstimatedConfidence.
	PriorConfidence map[engine.Strategy]float64 `yaml:"-" json:"-"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		HighCPULoad:       0.8,
		QualityCPUCeiling: 0.5,
		MemoryFloor:       256 << 20,
		MaxSamples:        1000,
		BaseLatency: map[engine.Strategy]time.Duration{
			engine.StrategySingle:    2 * time.Second,
			engine.StrategyDual:      3 * time.Second,
			engine.StrategySynthesis: 5 * time.Second,
			engine.StrategyFull:      8 * time.Second,
		},
		PriorConfidence: map[engine.Strategy]float64{
			engine.StrategySingle:    0.5,
			engine.StrategyDual:      0.7,
			engine.StrategySynthesis: 0.85,
			engine.StrategyFull:      0.9,
		},
	}
}

// Sink receives samples after they are appended (e.g. a database store).
type Sink interface {
	Save(ctx context.Context, s PerformanceSample) error
}

// Optimizer reconciles the classifier recommendation with resources and preferences.
// Decide is a pure function of its inputs; RecordOutcome only appends to the sample log.
type Optimizer struct {
	cfg    Config
	log    *ring
	sink   Sink
	logger *zap.Logger

	sinkMu   sync.Mutex
	sinkWG   sync.WaitGroup
	sinkStop bool
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithSink forwards every recorded sample to s asynchronously.
func WithSink(s Sink) Option {
	return func(o *Optimizer) { o.sink = s }
}

// New creates an Optimizer.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Optimizer {
	def := DefaultConfig()
	if cfg.HighCPULoad <= 0 {
		cfg.HighCPULoad = def.HighCPULoad
	}
	if cfg.QualityCPUCeiling <= 0 {
		cfg.QualityCPUCeiling = def.QualityCPUCeiling
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = def.MaxSamples
	}
	if cfg.BaseLatency == nil {
		cfg.BaseLatency = def.BaseLatency
	}
	if cfg.PriorConfidence == nil {
		cfg.PriorConfidence = def.PriorConfidence
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Optimizer{
		cfg:    cfg,
		log:    newRing(cfg.MaxSamples),
		logger: logger.With(zap.String("component", "optimizer")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Decide applies the rules in order; the first adjustment short-circuits the rest.
// A nil snapshot is treated as unconstrained.
func (o *Optimizer) Decide(score classifier.ComplexityScore, recommended engine.Strategy, snap *ResourceSnapshot, prefs Preferences) Decision {
	strategy := recommended
	reasoning := []string{RuleClassifier}

	constrained := false
	cpu := 0.0
	if snap == nil {
		reasoning = append(reasoning, RuleUnconstrained)
	} else {
		cpu = snap.CPULoad
		constrained = snap.CPULoad > o.cfg.HighCPULoad ||
			(o.cfg.MemoryFloor > 0 && snap.AvailableMemory < o.cfg.MemoryFloor)
	}

	switch {
	case constrained:
		strategy = strategy.Downgrade()
		reasoning = append(reasoning, RuleResourcePressure)
	case prefs.PreferSpeed && strategy != engine.StrategySingle:
		strategy = engine.StrategyDual
		reasoning = append(reasoning, RulePreferSpeed)
	case prefs.PreferQuality && cpu < o.cfg.QualityCPUCeiling:
		strategy = strategy.Upgrade()
		reasoning = append(reasoning, RulePreferQuality)
	}

	d := Decision{
		Strategy:            strategy,
		Reasoning:           reasoning,
		EstimatedLatency:    o.estimateLatency(strategy, snap),
		EstimatedConfidence: o.cfg.PriorConfidence[strategy],
	}

	o.logger.Debug("strategy decided",
		zap.Float64("complexity", score.Value),
		zap.String("recommended", recommended.String()),
		zap.String("strategy", strategy.String()),
		zap.Strings("reasoning", reasoning))

	return d
}

func (o *Optimizer) estimateLatency(st engine.Strategy, snap *ResourceSnapshot) time.Duration {
	base := o.cfg.BaseLatency[st]
	if snap != nil && snap.BackendLatencyEstimate > base {
		return snap.BackendLatencyEstimate
	}
	return base
}

// RecordOutcome appends a sample to the bounded log and forwards it to the sink.
func (o *Optimizer) RecordOutcome(s PerformanceSample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	o.log.append(s)

	if o.sink == nil {
		return
	}

	o.sinkMu.Lock()
	if o.sinkStop {
		o.sinkMu.Unlock()
		return
	}
	o.sinkWG.Add(1)
	o.sinkMu.Unlock()

	go func() {
		defer o.sinkWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.sink.Save(ctx, s); err != nil {
			o.logger.Warn("failed to persist performance sample", zap.Error(err))
		}
	}()
}

// Samples returns the retained samples, oldest first.
func (o *Optimizer) Samples() []PerformanceSample {
	return o.log.snapshot()
}

// Stats aggregates the retained samples per strategy.
func (o *Optimizer) Stats() map[engine.Strategy]StrategyStats {
	return aggregate(o.log.snapshot())
}

// Config returns the effective configuration.
func (o *Optimizer) Config() Config {
	return o.cfg
}

// Close waits for in-flight sink writes.
func (o *Optimizer) Close() {
	o.sinkMu.Lock()
	o.sinkStop = true
	o.sinkMu.Unlock()
	o.sinkWG.Wait()
}
