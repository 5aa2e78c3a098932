package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task represents a unit of work.
type Task func(ctx context.Context) error

// Config configures the pool.
type Config struct {
	MaxWorkers  int           `yaml:"max_workers" json:"max_workers"`
	QueueSize   int           `yaml:"queue_size" json:"queue_size"`
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	// TaskTimeout bounds each task's context. Zero means no per-task deadline.
	TaskTimeout time.Duration `yaml:"task_timeout" json:"task_timeout"`
}

// DefaultConfig returns sensible defaults for cache write-behind.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  8,
		QueueSize:   1024,
		IdleTimeout: 30 * time.Second,
		TaskTimeout: 5 * time.Second,
	}
}

// GoroutinePool 弹性 worker 池：按需拉起 worker，空闲超时回收，队列满时拒绝
//
// Tasks run detached from the submitter's context; only the per-task timeout applies.
type GoroutinePool struct {
	cfg    Config
	logger *zap.Logger

	// mu guards closed and sends on queue so Submit never races Close.
	mu     sync.RWMutex
	closed bool
	queue  chan Task
	wg     sync.WaitGroup

	workers   atomic.Int32
	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// NewGoroutinePool creates a pool. Zero config fields take defaults.
func NewGoroutinePool(cfg Config, logger *zap.Logger) *GoroutinePool {
	def := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GoroutinePool{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "goroutine_pool")),
		queue:  make(chan Task, cfg.QueueSize),
	}
}

// Submit enqueues a task without blocking.
func (p *GoroutinePool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- task:
		p.submitted.Add(1)
		p.ensureWorker()
		return nil
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

func (p *GoroutinePool) ensureWorker() {
	for {
		current := p.workers.Load()
		if current >= int32(p.cfg.MaxWorkers) {
			return
		}
		// 已有空闲 worker 时不再扩容
		if current > p.active.Load() && len(p.queue) <= int(current-p.active.Load()) {
			return
		}
		if p.workers.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return
		}
	}
}

func (p *GoroutinePool) worker() {
	defer p.wg.Done()

	timer := time.NewTimer(p.cfg.IdleTimeout)
	defer timer.Stop()

	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				p.workers.Add(-1)
				return
			}
			p.active.Add(1)
			err := p.run(task)
			p.active.Add(-1)
			if err != nil {
				p.failed.Add(1)
				p.logger.Debug("pool task failed", zap.Error(err))
			} else {
				p.completed.Add(1)
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.cfg.IdleTimeout)

		case <-timer.C:
			p.workers.Add(-1)
			// Submit 可能在递减之前把任务交给了本 worker
			if len(p.queue) == 0 {
				return
			}
			p.workers.Add(1)
			timer.Reset(p.cfg.IdleTimeout)
		}
	}
}

func (p *GoroutinePool) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pool task panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	ctx := context.Background()
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}
	return task(ctx)
}

// Close stops accepting tasks, drains the queue and waits for workers,
// or returns ctx.Err() if ctx ends first.
func (p *GoroutinePool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	// 确保排队任务有人处理
	if len(p.queue) > 0 && p.workers.Load() == 0 {
		p.workers.Add(1)
		p.wg.Add(1)
		go p.worker()
	}
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats contains pool statistics.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

// Stats returns pool statistics.
func (p *GoroutinePool) Stats() Stats {
	return Stats{
		Workers:   int(p.workers.Load()),
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
