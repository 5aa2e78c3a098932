package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/chorus/api"
	"github.com/BaSui01/chorus/engine"
	"github.com/BaSui01/chorus/optimizer"
	"github.com/BaSui01/chorus/orchestrator"
	"github.com/BaSui01/chorus/types"
)

// fakeResolver 记录收到的请求并返回预设结果
type fakeResolver struct {
	mu       sync.Mutex
	requests []orchestrator.Request
	samples  []optimizer.PerformanceSample

	outcomes []engine.Outcome
	resp     *orchestrator.Response
	err      error
	fbErr    error
}

func (f *fakeResolver) Resolve(_ context.Context, req orchestrator.Request) (*orchestrator.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if req.OutcomeHook != nil {
		for _, o := range f.outcomes {
			req.OutcomeHook(o)
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeResolver) RecordFeedback(sample optimizer.PerformanceSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, sample)
	return f.fbErr
}

func (f *fakeResolver) lastRequest(t *testing.T) orchestrator.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func sampleResponse() *orchestrator.Response {
	return &orchestrator.Response{
		Text:         "merged answer",
		Confidence:   0.87,
		StrategyUsed: engine.StrategyDual,
		EnginesUsed:  []engine.ID{"claude", "gpt"},
		Complexity:   0.42,
		Reasoning:    []string{"moderate complexity"},
		Elapsed:      1500 * time.Millisecond,
	}
}

func postJSON(t *testing.T, handler http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	r.Header.Set("Content-Type", "application/json")
	handler(w, r)
	return w
}

// =============================================================================
// 🧪 HandleResolve
// =============================================================================

func TestResolveHandler_HandleResolve(t *testing.T) {
	fake := &fakeResolver{resp: sampleResponse()}
	h := NewResolveHandler(fake, 0, zap.NewNop())

	w := postJSON(t, h.HandleResolve, "/v1/resolve", `{"text":"compare these designs","strategy_hint":"dual","prefer_quality":true}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success bool                `json:"success"`
		Data    api.ResolveResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "merged answer", resp.Data.Text)
	assert.Equal(t, "dual", resp.Data.StrategyUsed)
	assert.Equal(t, []engine.ID{"claude", "gpt"}, resp.Data.EnginesUsed)
	assert.Equal(t, int64(1500), resp.Data.ElapsedMS)

	req := fake.lastRequest(t)
	require.NotNil(t, req.StrategyHint)
	assert.Equal(t, engine.StrategyDual, *req.StrategyHint)
	assert.True(t, req.Preferences.PreferQuality)
}

func TestResolveHandler_HandleResolve_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		resolveErr error
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{name: "empty text", body: `{"text":"   "}`, wantStatus: http.StatusBadRequest, wantCode: types.ErrInvalidRequest},
		{name: "unknown field", body: `{"text":"hi","model":"x"}`, wantStatus: http.StatusBadRequest, wantCode: types.ErrInvalidRequest},
		{name: "bad strategy", body: `{"text":"hi","strategy_hint":"turbo"}`, wantStatus: http.StatusBadRequest, wantCode: types.ErrInvalidStrategy},
		{name: "bad timeout", body: `{"text":"hi","timeout":"-3s"}`, wantStatus: http.StatusBadRequest, wantCode: types.ErrInvalidRequest},
		{
			name:       "all engines failed",
			body:       `{"text":"hi"}`,
			resolveErr: types.AllEnginesFailed(2, errors.New("boom")),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   types.ErrAllEnginesFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeResolver{resp: sampleResponse(), err: tt.resolveErr}
			h := NewResolveHandler(fake, 0, zap.NewNop())

			w := postJSON(t, h.HandleResolve, "/v1/resolve", tt.body)

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeEnvelope(t, w)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.wantCode), resp.Error.Code)
		})
	}
}

// =============================================================================
// 🧪 HandleFeedback
// =============================================================================

func TestResolveHandler_HandleFeedback(t *testing.T) {
	fake := &fakeResolver{}
	h := NewResolveHandler(fake, 0, zap.NewNop())

	w := postJSON(t, h.HandleFeedback, "/v1/feedback",
		`{"strategy":"synthesis","elapsed_ms":2300,"confidence":0.9,"engine_utilization":{"claude":0.5,"gpt":0.5}}`)

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, fake.samples, 1)
	s := fake.samples[0]
	assert.Equal(t, engine.StrategySynthesis, s.Strategy)
	assert.Equal(t, 2300*time.Millisecond, s.Elapsed)
	assert.InDelta(t, 0.9, s.Confidence, 1e-9)
	assert.Len(t, s.EngineUtilization, 2)
	assert.False(t, s.Timestamp.IsZero())
}

func TestResolveHandler_HandleFeedback_InvalidStrategy(t *testing.T) {
	fake := &fakeResolver{}
	h := NewResolveHandler(fake, 0, zap.NewNop())

	w := postJSON(t, h.HandleFeedback, "/v1/feedback", `{"strategy":"quad","elapsed_ms":10}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, fake.samples)
}

// =============================================================================
// 🧪 BuildRequest
// =============================================================================

func TestBuildRequest(t *testing.T) {
	t.Run("context key falls back to session", func(t *testing.T) {
		ctx := types.WithSessionKey(context.Background(), "session-7")
		req, err := BuildRequest(ctx, api.ResolveRequest{Text: "hi", SessionScoped: true})
		require.NoError(t, err)
		assert.Equal(t, "session-7", req.ContextKey)
		assert.True(t, req.SessionScoped)
	})

	t.Run("explicit context key wins", func(t *testing.T) {
		ctx := types.WithSessionKey(context.Background(), "session-7")
		req, err := BuildRequest(ctx, api.ResolveRequest{Text: "hi", ContextKey: "thread-1"})
		require.NoError(t, err)
		assert.Equal(t, "thread-1", req.ContextKey)
	})

	t.Run("session scoped without key", func(t *testing.T) {
		_, err := BuildRequest(context.Background(), api.ResolveRequest{Text: "hi", SessionScoped: true})
		assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
	})

	t.Run("timeout", func(t *testing.T) {
		req, err := BuildRequest(context.Background(), api.ResolveRequest{Text: "hi", Timeout: "20s"})
		require.NoError(t, err)
		assert.Equal(t, 20*time.Second, req.Timeout)
	})

	t.Run("metadata", func(t *testing.T) {
		req, err := BuildRequest(context.Background(), api.ResolveRequest{
			Text:     "hi",
			Metadata: map[string]string{"message_count": "12", "has_context": "true", "ignored": "x"},
		})
		require.NoError(t, err)
		assert.Equal(t, 12, req.Metadata.MessageCount)
		assert.True(t, req.Metadata.HasContext)
	})

	t.Run("malformed metadata is ignored", func(t *testing.T) {
		req, err := BuildRequest(context.Background(), api.ResolveRequest{
			Text:     "hi",
			Metadata: map[string]string{"message_count": "many", "has_context": "maybe"},
		})
		require.NoError(t, err)
		assert.Zero(t, req.Metadata.MessageCount)
		assert.False(t, req.Metadata.HasContext)
	})
}

func TestBuildRequest_UserTier(t *testing.T) {
	tests := []struct {
		name        string
		body        api.ResolveRequest
		wantSpeed   bool
		wantQuality bool
	}{
		{name: "premium", body: api.ResolveRequest{Text: "x", UserTier: "premium"}, wantQuality: true},
		{name: "enterprise mixed case", body: api.ResolveRequest{Text: "x", UserTier: "Enterprise"}, wantQuality: true},
		{name: "free", body: api.ResolveRequest{Text: "x", UserTier: "free"}, wantSpeed: true},
		{name: "unknown tier", body: api.ResolveRequest{Text: "x", UserTier: "gold"}},
		{name: "explicit preference wins", body: api.ResolveRequest{Text: "x", UserTier: "free", PreferQuality: true}, wantQuality: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := BuildRequest(context.Background(), tt.body)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSpeed, req.Preferences.PreferSpeed)
			assert.Equal(t, tt.wantQuality, req.Preferences.PreferQuality)
		})
	}
}

func TestToResolveResponse_Nil(t *testing.T) {
	assert.Nil(t, ToResolveResponse(nil))
}
