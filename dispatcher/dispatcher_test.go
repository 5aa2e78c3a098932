package dispatcher_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/chorus/dispatcher"
	"github.com/BaSui01/chorus/engine"
	"github.com/BaSui01/chorus/testutil"
	"github.com/BaSui01/chorus/testutil/mocks"
	"github.com/BaSui01/chorus/types"
)

type recordingObserver struct {
	mu        sync.Mutex
	calls     map[engine.ID]engine.Status
	fallbacks []bool
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{calls: make(map[engine.ID]engine.Status)}
}

func (o *recordingObserver) ObserveEngineCall(id engine.ID, status engine.Status, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls[id] = status
}

func (o *recordingObserver) ObserveFallback(ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fallbacks = append(o.fallbacks, ok)
}

func newDispatcher(t *testing.T, cfgs []engine.Config, backends []engine.Backend, opts engine.RegistryOptions, obs dispatcher.Observer) *dispatcher.Dispatcher {
	t.Helper()
	reg, err := engine.NewRegistry(testutil.Members(cfgs, backends), opts)
	require.NoError(t, err)
	return dispatcher.New(reg, dispatcher.Options{Observer: obs, Logger: zap.NewNop()})
}

func TestDispatch_FullSuccessPicksHeaviestEngine(t *testing.T) {
	t.Parallel()

	cfgs := []engine.Config{
		{ID: "a", Weight: 1.0},
		{ID: "b", Weight: 0.8},
		{ID: "c", Weight: 1.2},
		{ID: "d", Weight: 0.9},
	}
	backends := []engine.Backend{
		mocks.NewMockBackend("a").WithResponse("text-a"),
		mocks.NewMockBackend("b").WithResponse("text-b"),
		mocks.NewMockBackend("c").WithResponse("text-c"),
		mocks.NewMockBackend("d").WithResponse("text-d"),
	}
	d := newDispatcher(t, cfgs, backends, engine.RegistryOptions{}, nil)

	res, err := d.Dispatch(testutil.TestContext(t), dispatcher.Request{Text: "hello", Strategy: engine.StrategyFull})
	require.NoError(t, err)

	assert.Equal(t, "text-c", res.ConsensusText)
	assert.Equal(t, engine.ID("c"), res.ConsensusEngine)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	assert.Equal(t, 4, res.SuccessCount())
	assert.Equal(t, 4, res.Attempted)
	assert.Equal(t, []engine.ID{"a", "b", "c", "d"}, res.EnginesUsed())
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, engine.StrategyFull, res.Strategy)
	assert.Len(t, res.Texts(), 4)
}

func TestDispatch_PartialFailureTimeout(t *testing.T) {
	t.Parallel()

	cfgs := []engine.Config{
		{ID: "a", Weight: 2.0, Timeout: 20 * time.Millisecond},
		{ID: "b", Weight: 1.0},
	}
	slow := mocks.NewMockBackend("a").WithResponse("late").WithDelay(2 * time.Second)
	fast := mocks.NewMockBackend("b").WithResponse("text-b")
	obs := newRecordingObserver()
	d := newDispatcher(t, cfgs, []engine.Backend{slow, fast}, engine.RegistryOptions{}, obs)

	start := time.Now()
	res, err := d.Dispatch(testutil.TestContext(t), dispatcher.Request{Text: "hi", Strategy: engine.StrategyDual})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, engine.StatusTimeout, res.PerEngine["a"].Status)
	assert.True(t, types.IsCode(res.PerEngine["a"].Err, types.ErrEngineTimeout))
	assert.Equal(t, engine.StatusSuccess, res.PerEngine["b"].Status)
	assert.Equal(t, "text-b", res.ConsensusText)
	assert.InDelta(t, 0.4, res.Confidence, 1e-9)
	assert.Equal(t, []engine.ID{"b"}, res.EnginesUsed())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, engine.StatusTimeout, obs.calls["a"])
	assert.Equal(t, engine.StatusSuccess, obs.calls["b"])
}

func TestDispatch_BackendErrorRecorded(t *testing.T) {
	t.Parallel()

	cfgs := []engine.Config{{ID: "a", Weight: 1}, {ID: "b", Weight: 1}}
	backends := []engine.Backend{
		mocks.NewMockBackend("a").WithError(errors.New("503 from upstream")),
		mocks.NewMockBackend("b").WithResponse("ok"),
	}
	d := newDispatcher(t, cfgs, backends, engine.RegistryOptions{}, nil)

	res, err := d.Dispatch(testutil.TestContext(t), dispatcher.Request{Text: "x", Strategy: engine.StrategyDual})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusError, res.PerEngine["a"].Status)
	assert.True(t, types.IsCode(res.PerEngine["a"].Err, types.ErrEngineError))
	assert.Contains(t, res.PerEngine["a"].ErrorMessage(), "503 from upstream")
}

func TestDispatch_EmptyResponseIsError(t *testing.T) {
	t.Parallel()

	cfgs := []engine.Config{{ID: "a", Weight: 1}, {ID: "b", Weight: 0.5}}
	backends := []engine.Backend{
		mocks.NewMockBackend("a").WithResponse("   "),
		mocks.NewMockBackend("b").WithResponse("real"),
	}
	d := newDispatcher(t, cfgs, backends, engine.RegistryOptions{}, nil)

	res, err := d.Dispatch(testutil.TestContext(t), dispatcher.Request{Text: "x", Strategy: engine.StrategyDual})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusError, res.PerEngine["a"].Status)
	assert.Equal(t, "real", res.ConsensusText)
}

func synthesisWithFallback(t *testing.T, fb *mocks.MockBackend, obs dispatcher.Observer) (*dispatcher.Dispatcher, []*mocks.MockBackend) {
	t.Helper()
	cfgs := []engine.Config{
		{ID: "a", Weight: 1}, {ID: "b", Weight: 1}, {ID: "c", Weight: 1}, {ID: "fb", Weight: 0.1},
	}
	failing := []*mocks.MockBackend{
		mocks.NewMockBackend("a").WithError(errors.New("a down")),
		mocks.NewMockBackend("b").WithError(errors.New("b down")),
		mocks.NewMockBackend("c").WithError(errors.New("c down")),
	}
	backends := []engine.Backend{failing[0], failing[1], failing[2], fb}
	opts := engine.RegistryOptions{
		Table: engine.Table{
			engine.StrategySingle:    {"a"},
			engine.StrategyDual:      {"a", "b"},
			engine.StrategySynthesis: {"a", "b", "c"},
			engine.StrategyFull:      {"a", "b", "c"},
		},
		FallbackID: "fb",
	}
	return newDispatcher(t, cfgs, backends, opts, obs), failing
}

func TestDispatch_TotalFailureWithWorkingFallback(t *testing.T) {
	t.Parallel()

	fb := mocks.NewMockBackend("fb").WithResponse("fallback answer")
	obs := newRecordingObserver()
	d, failing := synthesisWithFallback(t, fb, obs)

	res, err := d.Dispatch(testutil.TestContext(t), dispatcher.Request{Text: "x", Strategy: engine.StrategySynthesis})
	require.NoError(t, err)

	assert.True(t, res.FallbackUsed)
	assert.Equal(t, engine.StrategySingle, res.Strategy)
	assert.Equal(t, []engine.ID{"fb"}, res.EnginesUsed())
	assert.Equal(t, "fallback answer", res.ConsensusText)
	assert.InDelta(t, 0.8, res.Confidence, 1e-9)
	assert.Equal(t, 4, res.Attempted)
	assert.Equal(t, []engine.ID{"a", "b", "c", "fb"}, res.Order)
	assert.Len(t, res.PerEngine, res.Attempted, "one entry per attempted engine")
	for _, b := range failing {
		assert.Equal(t, 1, b.Calls())
	}
	assert.Equal(t, 1, fb.Calls())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []bool{true}, obs.fallbacks)
}

func TestDispatch_FallbackFailureSurfaces(t *testing.T) {
	t.Parallel()

	fb := mocks.NewMockBackend("fb").WithError(errors.New("fallback down"))
	d, _ := synthesisWithFallback(t, fb, nil)

	res, err := d.Dispatch(testutil.TestContext(t), dispatcher.Request{Text: "x", Strategy: engine.StrategySynthesis})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAllEnginesFailed))
	require.NotNil(t, res)
	assert.False(t, res.FallbackUsed)
	assert.Zero(t, res.Confidence)
	assert.Empty(t, res.ConsensusText)
	assert.Empty(t, res.EnginesUsed())
	assert.Equal(t, 1, fb.Calls(), "fallback is attempted exactly once")
}

func TestDispatch_NoFallbackConfigured(t *testing.T) {
	t.Parallel()

	cfgs := []engine.Config{{ID: "a", Weight: 1}}
	d := newDispatcher(t, cfgs, []engine.Backend{mocks.NewMockBackend("a").WithError(errors.New("down"))}, engine.RegistryOptions{}, nil)

	res, err := d.Dispatch(testutil.TestContext(t), dispatcher.Request{Text: "x", Strategy: engine.StrategySingle})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAllEnginesFailed))
	assert.Equal(t, 1, res.Attempted)
}

func TestDispatch_InvalidStrategyCallsNothing(t *testing.T) {
	t.Parallel()

	b := mocks.NewMockBackend("a")
	d := newDispatcher(t, []engine.Config{{ID: "a", Weight: 1}}, []engine.Backend{b}, engine.RegistryOptions{}, nil)

	res, err := d.Dispatch(testutil.TestContext(t), dispatcher.Request{Text: "x", Strategy: engine.Strategy(42)})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, types.IsCode(err, types.ErrInvalidStrategy))
	assert.Zero(t, b.Calls())
}

func TestDispatch_CancellationKeepsCompletedResults(t *testing.T) {
	t.Parallel()

	cfgs := []engine.Config{{ID: "a", Weight: 1}, {ID: "b", Weight: 5}}
	fast := mocks.NewMockBackend("a").WithResponse("done early")
	slow := mocks.NewMockBackend("b").WithResponse("never").WithDelay(5 * time.Second)
	d := newDispatcher(t, cfgs, []engine.Backend{fast, slow}, engine.RegistryOptions{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		testutil.WaitFor(func() bool { return fast.Calls() == 1 && slow.Calls() == 1 }, time.Second)
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := d.Dispatch(ctx, dispatcher.Request{Text: "x", Strategy: engine.StrategyDual})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, engine.StatusSuccess, res.PerEngine["a"].Status)
	assert.Equal(t, engine.StatusError, res.PerEngine["b"].Status)
	assert.ErrorIs(t, res.PerEngine["b"].Err, context.Canceled)
	assert.Equal(t, "done early", res.ConsensusText)
}

func TestDispatch_CancelledWithNoSuccessSkipsFallback(t *testing.T) {
	t.Parallel()

	fb := mocks.NewMockBackend("fb").WithResponse("fallback")
	d, _ := synthesisWithFallback(t, fb, nil)

	res, err := d.Dispatch(testutil.CancelledContext(), dispatcher.Request{Text: "x", Strategy: engine.StrategySynthesis})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAllEnginesFailed))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotNil(t, res)
	assert.Zero(t, fb.Calls())
}

func TestDispatch_BackendIgnoringContextStillTimesOut(t *testing.T) {
	t.Parallel()

	stubborn := mocks.NewMockBackend("a").WithFunc(func(_ context.Context, _ engine.Request) (string, error) {
		time.Sleep(300 * time.Millisecond)
		return "too late", nil
	})
	cfgs := []engine.Config{{ID: "a", Weight: 1}, {ID: "b", Weight: 1}}
	d := newDispatcher(t, cfgs, []engine.Backend{stubborn, mocks.NewMockBackend("b")}, engine.RegistryOptions{}, nil)

	start := time.Now()
	res, err := d.Dispatch(testutil.TestContext(t), dispatcher.Request{
		Text:     "x",
		Strategy: engine.StrategyDual,
		Timeout:  20 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, engine.StatusTimeout, res.PerEngine["a"].Status)
}

func TestDispatch_PassesEngineParameters(t *testing.T) {
	t.Parallel()

	b := mocks.NewMockBackend("a")
	cfgs := []engine.Config{{ID: "a", Weight: 1, Role: "critic", Model: "m-1", Temperature: 0.7}}
	d := newDispatcher(t, cfgs, []engine.Backend{b}, engine.RegistryOptions{}, nil)

	_, err := d.Dispatch(testutil.TestContext(t), dispatcher.Request{Text: "prompt", Strategy: engine.StrategySingle})
	require.NoError(t, err)

	reqs := b.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, engine.Request{Text: "prompt", Model: "m-1", Temperature: 0.7, Role: "critic"}, reqs[0])
}

func TestDispatch_OutcomeHookSeesEveryEngine(t *testing.T) {
	t.Parallel()

	cfgs := []engine.Config{{ID: "a", Weight: 1}, {ID: "b", Weight: 1}, {ID: "c", Weight: 1}}
	backends := []engine.Backend{
		mocks.NewMockBackend("a"),
		mocks.NewMockBackend("b").WithError(errors.New("x")),
		mocks.NewMockBackend("c"),
	}
	d := newDispatcher(t, cfgs, backends, engine.RegistryOptions{}, nil)

	var seen []engine.ID
	_, err := d.Dispatch(testutil.TestContext(t), dispatcher.Request{
		Text:     "x",
		Strategy: engine.StrategyFull,
		OutcomeHook: func(o engine.Outcome) {
			seen = append(seen, o.EngineID)
		},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []engine.ID{"a", "b", "c"}, seen)
}

func TestDispatch_DomainOverride(t *testing.T) {
	t.Parallel()

	cfgs := []engine.Config{{ID: "a", Weight: 1}, {ID: "b", Weight: 1}}
	a := mocks.NewMockBackend("a")
	b := mocks.NewMockBackend("b").WithResponse("from b")
	opts := engine.RegistryOptions{
		Domains: map[string]engine.Table{"legal": {engine.StrategySingle: {"b"}}},
	}
	d := newDispatcher(t, cfgs, []engine.Backend{a, b}, opts, nil)

	res, err := d.Dispatch(testutil.TestContext(t), dispatcher.Request{Text: "x", Strategy: engine.StrategySingle, Domain: "legal"})
	require.NoError(t, err)
	assert.Equal(t, "from b", res.ConsensusText)
	assert.Zero(t, a.Calls())
}

func TestDispatch_SlowOutcomeHookIsSerialized(t *testing.T) {
	t.Parallel()

	cfgs := []engine.Config{{ID: "a", Weight: 1}, {ID: "b", Weight: 1}, {ID: "c", Weight: 1}}
	backends := []engine.Backend{mocks.NewMockBackend("a"), mocks.NewMockBackend("b"), mocks.NewMockBackend("c")}
	d := newDispatcher(t, cfgs, backends, engine.RegistryOptions{}, nil)

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		seen    []engine.ID
	)
	res, err := d.Dispatch(testutil.TestContext(t), dispatcher.Request{
		Text:     "x",
		Strategy: engine.StrategyFull,
		OutcomeHook: func(o engine.Outcome) {
			mu.Lock()
			active++
			maxSeen = max(maxSeen, active)
			mu.Unlock()

			time.Sleep(30 * time.Millisecond) // 模拟慢速 websocket 客户端

			mu.Lock()
			active--
			seen = append(seen, o.EngineID)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, maxSeen, "hook calls never overlap")
	assert.ElementsMatch(t, []engine.ID{"a", "b", "c"}, seen)
	assert.Len(t, res.PerEngine, 3)
	assert.Equal(t, 3, res.SuccessCount())
}

func TestDispatch_EstimatedTimeoutPrecedence(t *testing.T) {
	t.Parallel()

	cfgs := []engine.Config{{ID: "a", Weight: 1}, {ID: "b", Weight: 1, Timeout: time.Second}}
	backends := []engine.Backend{
		mocks.NewMockBackend("a").WithDelay(300 * time.Millisecond),
		mocks.NewMockBackend("b").WithResponse("configured").WithDelay(100 * time.Millisecond),
	}
	d := newDispatcher(t, cfgs, backends, engine.RegistryOptions{}, nil)

	res, err := d.Dispatch(testutil.TestContext(t), dispatcher.Request{
		Text:             "x",
		Strategy:         engine.StrategyDual,
		EstimatedTimeout: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	// 未配置超时的引擎使用预估值，配置了超时的引擎不受影响
	assert.Equal(t, engine.StatusTimeout, res.PerEngine["a"].Status)
	assert.Equal(t, engine.StatusSuccess, res.PerEngine["b"].Status)
	assert.Equal(t, "configured", res.ConsensusText)

	// 显式请求超时优先于一切
	res, err = d.Dispatch(testutil.TestContext(t), dispatcher.Request{
		Text:             "x",
		Strategy:         engine.StrategyDual,
		Timeout:          20 * time.Millisecond,
		EstimatedTimeout: time.Second,
	})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAllEnginesFailed))
	assert.Equal(t, engine.StatusTimeout, res.PerEngine["b"].Status)
}
