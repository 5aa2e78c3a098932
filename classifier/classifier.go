package classifier

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/BaSui01/chorus/engine"
)

// Factors are the five independent sub-scores, each in [0,1].
type Factors struct {
	Length         float64 `json:"length"`
	EmotionalDepth float64 `json:"emotional_depth"`
	Abstractness   float64 `json:"abstractness"`
	HasContext     float64 `json:"has_context"`
	Urgency        float64 `json:"urgency"`
}

// ComplexityScore is the combined difficulty estimate of one request.
type ComplexityScore struct {
	Value   float64 `json:"value"`
	Factors Factors `json:"factors"`
}

// Metadata is optional prior-interaction information about the caller.
type Metadata struct {
	MessageCount int  `json:"message_count,omitempty"`
	HasContext   bool `json:"has_context,omitempty"`
}

// Result 分类结果：分数 + 推荐策略 + 预估超时
type Result struct {
	Score    ComplexityScore `json:"score"`
	Strategy engine.Strategy `json:"strategy"`
	Timeout  time.Duration   `json:"timeout"`
	Reasons  []string        `json:"reasons"`
}

// Classifier scores request text. Implementations must be deterministic and side-effect free.
type Classifier interface {
	Classify(text string, meta Metadata) Result
}

// Thresholds map a combined score to a strategy: < Single → single, < Dual → dual,
// < Synthesis → synthesis, otherwise full.
type Thresholds struct {
	Single    float64 `yaml:"single" json:"single"`
	Dual      float64 `yaml:"dual" json:"dual"`
	Synthesis float64 `yaml:"synthesis" json:"synthesis"`
}

// DefaultThresholds returns 0.3 / 0.6 / 0.8.
func DefaultThresholds() Thresholds {
	return Thresholds{Single: 0.3, Dual: 0.6, Synthesis: 0.8}
}

// StrategyFor maps a score to a strategy. Monotonic in value.
func (t Thresholds) StrategyFor(value float64) engine.Strategy {
	switch {
	case value < t.Single:
		return engine.StrategySingle
	case value < t.Dual:
		return engine.StrategyDual
	case value < t.Synthesis:
		return engine.StrategySynthesis
	default:
		return engine.StrategyFull
	}
}

// Options configure a KeywordClassifier. Zero fields take defaults.
type Options struct {
	Keywords   KeywordTable
	Weights    *Weights
	Thresholds *Thresholds
	Tokenizer  Tokenizer
	// LengthSaturation is the token count at which the length sub-score reaches 1.
	LengthSaturation int
	// CategorySaturation is the weighted hit total at which a category sub-score reaches 1.
	CategorySaturation float64
	// Timeouts per recommended strategy.
	Timeouts map[engine.Strategy]time.Duration
}

// DefaultTimeouts 每种策略的预估超时
func DefaultTimeouts() map[engine.Strategy]time.Duration {
	return map[engine.Strategy]time.Duration{
		engine.StrategySingle:    10 * time.Second,
		engine.StrategyDual:      15 * time.Second,
		engine.StrategySynthesis: 25 * time.Second,
		engine.StrategyFull:      30 * time.Second,
	}
}

// KeywordClassifier scores text with enumerated keyword-category tables and a fixed weighted sum.
type KeywordClassifier struct {
	keywords           KeywordTable
	weights            Weights
	thresholds         Thresholds
	tokenizer          Tokenizer
	lengthSaturation   int
	categorySaturation float64
	timeouts           map[engine.Strategy]time.Duration
}

var _ Classifier = (*KeywordClassifier)(nil)

// New creates a KeywordClassifier.
func New(opts Options) *KeywordClassifier {
	c := &KeywordClassifier{
		keywords:           opts.Keywords,
		weights:            DefaultWeights(),
		thresholds:         DefaultThresholds(),
		tokenizer:          opts.Tokenizer,
		lengthSaturation:   opts.LengthSaturation,
		categorySaturation: opts.CategorySaturation,
		timeouts:           DefaultTimeouts(),
	}
	if c.keywords == nil {
		c.keywords = DefaultKeywords()
	}
	if opts.Weights != nil {
		c.weights = *opts.Weights
	}
	if opts.Thresholds != nil {
		c.thresholds = *opts.Thresholds
	}
	if c.tokenizer == nil {
		c.tokenizer = NewEstimatorTokenizer()
	}
	if c.lengthSaturation <= 0 {
		c.lengthSaturation = 200
	}
	if c.categorySaturation <= 0 {
		c.categorySaturation = 3
	}
	for st, d := range opts.Timeouts {
		c.timeouts[st] = d
	}
	return c
}

// Thresholds returns the score→strategy mapping in use.
func (c *KeywordClassifier) Thresholds() Thresholds {
	return c.thresholds
}

// TimeoutFor returns the estimated timeout for a strategy, or 0 if none is configured.
func (c *KeywordClassifier) TimeoutFor(st engine.Strategy) time.Duration {
	return c.timeouts[st]
}

// Classify implements Classifier.
func (c *KeywordClassifier) Classify(text string, meta Metadata) Result {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return Result{
			Strategy: engine.StrategySingle,
			Timeout:  c.timeouts[engine.StrategySingle],
			Reasons:  []string{"empty"},
		}
	}

	words := splitWords(normalized)
	reasons := make([]string, 0, 6)

	var f Factors
	f.Length = c.lengthScore(normalized, len(words))
	reasons = append(reasons, fmt.Sprintf("length=%.2f", f.Length))

	var hits []string
	f.EmotionalDepth, hits = c.categoryScore(CategoryEmotional, normalized, words)
	reasons = appendHits(reasons, CategoryEmotional, hits)
	f.Abstractness, hits = c.categoryScore(CategoryAbstract, normalized, words)
	reasons = appendHits(reasons, CategoryAbstract, hits)
	f.Urgency, hits = c.categoryScore(CategoryUrgent, normalized, words)
	reasons = appendHits(reasons, CategoryUrgent, hits)

	if meta.HasContext || meta.MessageCount > 0 {
		f.HasContext = 1
		reasons = append(reasons, "has_context")
	}

	value := clamp01(c.weights.Length*f.Length +
		c.weights.EmotionalDepth*f.EmotionalDepth +
		c.weights.Abstractness*f.Abstractness +
		c.weights.HasContext*f.HasContext +
		c.weights.Urgency*f.Urgency)

	strategy := c.thresholds.StrategyFor(value)
	if f.Urgency > 0 {
		// 紧急请求优先延迟而非广度
		strategy = engine.StrategyDual
		reasons = append(reasons, "urgent_override")
	}

	return Result{
		Score:    ComplexityScore{Value: value, Factors: f},
		Strategy: strategy,
		Timeout:  c.timeouts[strategy],
		Reasons:  reasons,
	}
}

func (c *KeywordClassifier) lengthScore(text string, wordCount int) float64 {
	tokens, err := c.tokenizer.CountTokens(text)
	if err != nil {
		// word count is a stable fallback when the BPE data cannot be loaded
		tokens = wordCount
	}
	return clamp01(float64(tokens) / float64(c.lengthSaturation))
}

func (c *KeywordClassifier) categoryScore(category, text string, words map[string]bool) (float64, []string) {
	var total float64
	var hits []string
	for _, kw := range c.keywords[category] {
		term := strings.ToLower(kw.Term)
		matched := false
		if strings.ContainsRune(term, ' ') || strings.ContainsRune(term, '-') {
			matched = strings.Contains(text, term)
		} else {
			matched = words[term]
		}
		if matched {
			total += kw.Weight
			hits = append(hits, term)
		}
	}
	return clamp01(total / c.categorySaturation), hits
}

func splitWords(text string) map[string]bool {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := make(map[string]bool, len(fields))
	for _, w := range fields {
		out[w] = true
	}
	return out
}

func appendHits(reasons []string, category string, hits []string) []string {
	if len(hits) == 0 {
		return reasons
	}
	return append(reasons, category+":"+strings.Join(hits, ","))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
