package dispatcher

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/BaSui01/chorus/engine"
)

// Property: confidence stays within [0.3, 0.95] and is 0 exactly when nothing succeeded.
func TestProperty_ConfidenceBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("confidence bounded for every coverage", prop.ForAll(
		func(attempted int, seed int) bool {
			success := seed % (attempted + 1)
			c := Confidence(success, attempted)
			if success == 0 {
				return c == 0
			}
			return c >= 0.3 && c <= 0.95
		},
		gen.IntRange(1, 32),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

func TestConfidence_Table(t *testing.T) {
	tests := []struct {
		success, attempted int
		want               float64
	}{
		{4, 4, 0.9},
		{1, 2, 0.4},
		{1, 1, 0.8},
		{1, 4, 0.3},
		{3, 3, 0.9},
		{2, 2, 0.9},
		{0, 3, 0},
		{0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_of_%d", tt.success, tt.attempted), func(t *testing.T) {
			assert.InDelta(t, tt.want, Confidence(tt.success, tt.attempted), 1e-9)
		})
	}
}

// Property: the consensus never depends on the order candidates arrive in.
func TestProperty_ConsensusIgnoresCompletionOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "n")
		candidates := make([]Candidate, n)
		for i := range candidates {
			// 权重取自小集合，保证经常出现平局
			w := float64(rapid.IntRange(0, 3).Draw(t, fmt.Sprintf("w%d", i))) / 2
			candidates[i] = Candidate{
				Outcome: engine.Outcome{
					EngineID: engine.ID(fmt.Sprintf("e%d", i)),
					Status:   engine.StatusSuccess,
					Text:     fmt.Sprintf("text-%d", i),
				},
				Weight: w,
				Rank:   i,
			}
		}

		want, ok := WeightAggregator{}.Aggregate(candidates)
		if !ok {
			t.Fatalf("expected a consensus for %d candidates", n)
		}

		perm := rapid.Permutation(candidates).Draw(t, "perm")
		got, _ := WeightAggregator{}.Aggregate(perm)
		if got.Outcome.EngineID != want.Outcome.EngineID {
			t.Fatalf("order changed consensus: %s vs %s", got.Outcome.EngineID, want.Outcome.EngineID)
		}
	})
}

func TestWeightAggregator_TieGoesToEarliestRank(t *testing.T) {
	cands := []Candidate{
		{Outcome: engine.Outcome{EngineID: "late", Text: "l"}, Weight: 1, Rank: 2},
		{Outcome: engine.Outcome{EngineID: "early", Text: "e"}, Weight: 1, Rank: 0},
		{Outcome: engine.Outcome{EngineID: "light", Text: "x"}, Weight: 0.5, Rank: 1},
	}
	best, ok := WeightAggregator{}.Aggregate(cands)
	assert.True(t, ok)
	assert.Equal(t, engine.ID("early"), best.Outcome.EngineID)

	_, ok = WeightAggregator{}.Aggregate(nil)
	assert.False(t, ok)
}
