package optimizer

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"
)

// ResourceProvider supplies the live ResourceSnapshot. Owned by ops tooling.
type ResourceProvider interface {
	Snapshot(ctx context.Context) (*ResourceSnapshot, error)
}

// StaticProvider always returns the same snapshot. Nil means unconstrained.
type StaticProvider struct {
	Snap *ResourceSnapshot
}

// Snapshot implements ResourceProvider.
func (p StaticProvider) Snapshot(context.Context) (*ResourceSnapshot, error) {
	if p.Snap == nil {
		return nil, nil
	}
	s := *p.Snap
	return &s, nil
}

// RuntimeProvider derives a snapshot from the Go runtime and an in-flight gauge.
//
// CPULoad is approximated as inFlight / capacity; AvailableMemory is the
// configured budget minus the heap in use; BackendLatencyEstimate is an
// exponentially weighted moving average of observed dispatch latency.
type RuntimeProvider struct {
	capacity     int64
	memoryBudget uint64

	inFlight  atomic.Int64
	latencyNs atomic.Int64
}

// NewRuntimeProvider creates a provider. capacity is the number of concurrent
// dispatches considered full load; memoryBudget the bytes the process may use.
func NewRuntimeProvider(capacity int, memoryBudget uint64) *RuntimeProvider {
	if capacity <= 0 {
		capacity = 64
	}
	return &RuntimeProvider{capacity: int64(capacity), memoryBudget: memoryBudget}
}

// Begin marks one dispatch in flight and returns a func that ends it and records latency.
func (p *RuntimeProvider) Begin() func() {
	start := time.Now()
	p.inFlight.Add(1)
	return func() {
		p.inFlight.Add(-1)
		p.observe(time.Since(start))
	}
}

func (p *RuntimeProvider) observe(d time.Duration) {
	for {
		old := p.latencyNs.Load()
		next := int64(d)
		if old != 0 {
			next = old + (int64(d)-old)/5
		}
		if p.latencyNs.CompareAndSwap(old, next) {
			return
		}
	}
}

// Snapshot implements ResourceProvider.
func (p *RuntimeProvider) Snapshot(context.Context) (*ResourceSnapshot, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	// 未配置预算时不施加内存压力
	avail := ^uint64(0)
	if p.memoryBudget > 0 {
		avail = 0
		if p.memoryBudget > ms.HeapInuse {
			avail = p.memoryBudget - ms.HeapInuse
		}
	}

	load := float64(p.inFlight.Load()) / float64(p.capacity)
	if load > 1 {
		load = 1
	}

	return &ResourceSnapshot{
		CPULoad:                load,
		AvailableMemory:        avail,
		BackendLatencyEstimate: time.Duration(p.latencyNs.Load()),
	}, nil
}
