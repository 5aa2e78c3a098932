package dispatcher

import (
	"math"

	"github.com/BaSui01/chorus/engine"
)

const (
	confidenceFloor   = 0.3
	confidenceCeiling = 0.95
	coverageFactor    = 0.8
	consensusBonus    = 0.1
)

// Candidate is one successful engine outcome offered to an Aggregator.
type Candidate struct {
	Outcome engine.Outcome
	Weight  float64
	// Rank is the engine's position in the strategy row; lower wins ties.
	Rank int
}

// Aggregator picks the consensus among successful outcomes.
// Implementations must not depend on the order of the candidates slice.
type Aggregator interface {
	Aggregate(candidates []Candidate) (Candidate, bool)
}

// WeightAggregator 选择权重最高的成功结果；同权重时按选择顺序（Rank 更小）取胜
type WeightAggregator struct{}

// Aggregate implements Aggregator.
func (WeightAggregator) Aggregate(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Weight > best.Weight || (c.Weight == best.Weight && c.Rank < best.Rank) {
			best = c
		}
	}
	return best, true
}

// Confidence scores a dispatch from its coverage.
// Zero successes give 0; otherwise the value lies in [0.3, 0.95].
func Confidence(successCount, attemptedCount int) float64 {
	if successCount <= 0 || attemptedCount <= 0 {
		return 0
	}
	coverage := float64(successCount) / float64(attemptedCount)
	bonus := 0.0
	if successCount > 1 {
		bonus = consensusBonus
	}
	return math.Min(confidenceCeiling, math.Max(confidenceFloor, coverage*coverageFactor+bonus))
}
