package optimizer

import (
	"sync"
	"time"

	"github.com/BaSui01/chorus/engine"
)

// PerformanceSample is one observed dispatch outcome.
type PerformanceSample struct {
	Strategy          engine.Strategy       `json:"strategy"`
	Elapsed           time.Duration         `json:"elapsed"`
	Confidence        float64               `json:"confidence"`
	EngineUtilization map[engine.ID]float64 `json:"engine_utilization,omitempty"`
	Timestamp         time.Time             `json:"timestamp"`
}

// StrategyStats summarizes samples for one strategy.
type StrategyStats struct {
	Count          int           `json:"count"`
	MeanElapsed    time.Duration `json:"mean_elapsed"`
	MeanConfidence float64       `json:"mean_confidence"`
}

// ring 固定容量的环形缓冲：只追加，满了覆盖最旧样本
type ring struct {
	mu    sync.Mutex
	buf   []PerformanceSample
	next  int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]PerformanceSample, capacity)}
}

func (r *ring) append(s PerformanceSample) {
	r.mu.Lock()
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

func (r *ring) snapshot() []PerformanceSample {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PerformanceSample, 0, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

func aggregate(samples []PerformanceSample) map[engine.Strategy]StrategyStats {
	type acc struct {
		n       int
		elapsed time.Duration
		conf    float64
	}
	sums := make(map[engine.Strategy]*acc)
	for _, s := range samples {
		a, ok := sums[s.Strategy]
		if !ok {
			a = &acc{}
			sums[s.Strategy] = a
		}
		a.n++
		a.elapsed += s.Elapsed
		a.conf += s.Confidence
	}

	out := make(map[engine.Strategy]StrategyStats, len(sums))
	for st, a := range sums {
		out[st] = StrategyStats{
			Count:          a.n,
			MeanElapsed:    a.elapsed / time.Duration(a.n),
			MeanConfidence: a.conf / float64(a.n),
		}
	}
	return out
}
