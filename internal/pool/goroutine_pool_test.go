package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGoroutinePool_RunsTasks(t *testing.T) {
	p := NewGoroutinePool(Config{MaxWorkers: 4, QueueSize: 64}, zap.NewNop())

	var n atomic.Int32
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(func(context.Context) error {
			n.Add(1)
			return nil
		}))
	}
	require.NoError(t, p.Close(context.Background()))

	assert.Equal(t, int32(50), n.Load())
	stats := p.Stats()
	assert.Equal(t, int64(50), stats.Submitted)
	assert.Equal(t, int64(50), stats.Completed)
	assert.Zero(t, stats.Workers)
}

func TestGoroutinePool_RejectsWhenFull(t *testing.T) {
	p := NewGoroutinePool(Config{MaxWorkers: 1, QueueSize: 1}, zap.NewNop())

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.NoError(t, p.Submit(func(context.Context) error { return nil }))

	err := p.Submit(func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)

	close(release)
	require.NoError(t, p.Close(context.Background()))
}

func TestGoroutinePool_SubmitAfterClose(t *testing.T) {
	p := NewGoroutinePool(Config{}, zap.NewNop())
	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))
	assert.ErrorIs(t, p.Submit(func(context.Context) error { return nil }), ErrPoolClosed)
}

func TestGoroutinePool_ConcurrentSubmitAndClose(t *testing.T) {
	p := NewGoroutinePool(Config{MaxWorkers: 2, QueueSize: 8}, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				err := p.Submit(func(context.Context) error { return nil })
				if err != nil && !errors.Is(err, ErrPoolFull) && !errors.Is(err, ErrPoolClosed) {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}()
	}
	require.NoError(t, p.Close(context.Background()))
	wg.Wait()
}

func TestGoroutinePool_PanicAndFailureCounted(t *testing.T) {
	p := NewGoroutinePool(Config{MaxWorkers: 1}, zap.NewNop())
	require.NoError(t, p.Submit(func(context.Context) error { panic("boom") }))
	require.NoError(t, p.Submit(func(context.Context) error { return errors.New("bad") }))
	require.NoError(t, p.Submit(func(context.Context) error { return nil }))
	require.NoError(t, p.Close(context.Background()))

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestGoroutinePool_TaskTimeout(t *testing.T) {
	p := NewGoroutinePool(Config{MaxWorkers: 1, TaskTimeout: 10 * time.Millisecond}, zap.NewNop())

	var got error
	done := make(chan struct{})
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		<-ctx.Done()
		got = ctx.Err()
		close(done)
		return got
	}))
	<-done
	require.NoError(t, p.Close(context.Background()))
	assert.ErrorIs(t, got, context.DeadlineExceeded)
}

func TestGoroutinePool_IdleWorkersRetire(t *testing.T) {
	p := NewGoroutinePool(Config{MaxWorkers: 2, IdleTimeout: 10 * time.Millisecond}, zap.NewNop())
	require.NoError(t, p.Submit(func(context.Context) error { return nil }))

	assert.Eventually(t, func() bool { return p.Stats().Workers == 0 }, time.Second, 5*time.Millisecond)

	var ran atomic.Bool
	require.NoError(t, p.Submit(func(context.Context) error {
		ran.Store(true)
		return nil
	}))
	assert.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Close(context.Background()))
}
