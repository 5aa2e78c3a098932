package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/chorus/api"
)

// =============================================================================
// 🧪 HealthHandler 测试
// =============================================================================

func newTestHealthHandler() *HealthHandler {
	return NewHealthHandler(BuildInfo{Version: "1.2.3", BuildTime: "2026-01-01", GitCommit: "abc123"}, zap.NewNop())
}

func TestHealthHandler_HandleHealth(t *testing.T) {
	h := newTestHealthHandler()
	// 存活探针不执行依赖检查
	h.RegisterCheck(CheckFunc{CheckName: "redis", Fn: func(context.Context) error { return errors.New("down") }})

	w := httptest.NewRecorder()
	h.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var status api.HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "1.2.3", status.Version)
	assert.Empty(t, status.Checks)
}

func TestHealthHandler_HandleReady(t *testing.T) {
	tests := []struct {
		name       string
		checks     []HealthCheck
		wantStatus int
		wantState  string
	}{
		{
			name:       "no checks",
			wantStatus: http.StatusOK,
			wantState:  "healthy",
		},
		{
			name: "all pass",
			checks: []HealthCheck{
				CheckFunc{CheckName: "database", Fn: func(context.Context) error { return nil }},
				CheckFunc{CheckName: "engines", Fn: func(context.Context) error { return nil }},
			},
			wantStatus: http.StatusOK,
			wantState:  "healthy",
		},
		{
			name: "one fails",
			checks: []HealthCheck{
				CheckFunc{CheckName: "database", Fn: func(context.Context) error { return nil }},
				CheckFunc{CheckName: "redis", Fn: func(context.Context) error { return errors.New("connection refused") }},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHealthHandler()
			for _, c := range tt.checks {
				h.RegisterCheck(c)
			}

			w := httptest.NewRecorder()
			h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			var status api.HealthStatus
			require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
			assert.Equal(t, tt.wantState, status.Status)
			assert.Len(t, status.Checks, len(tt.checks))
			if tt.wantState == "unhealthy" {
				assert.Equal(t, "fail", status.Checks["redis"].Status)
				assert.Equal(t, "connection refused", status.Checks["redis"].Message)
				assert.Equal(t, "pass", status.Checks["database"].Status)
			}
		})
	}
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	h := newTestHealthHandler()

	w := httptest.NewRecorder()
	h.HandleVersion(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success bool      `json:"success"`
		Data    BuildInfo `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, BuildInfo{Version: "1.2.3", BuildTime: "2026-01-01", GitCommit: "abc123"}, resp.Data)
}

func TestHealthHandler_ConcurrentChecks(t *testing.T) {
	h := newTestHealthHandler()

	// 所有检查都阻塞到彼此都已开始，串行执行会超时失败
	const n = 5
	var started sync.WaitGroup
	started.Add(n)
	for i := 0; i < n; i++ {
		h.RegisterCheck(CheckFunc{
			CheckName: fmt.Sprintf("check-%d", i),
			Fn: func(ctx context.Context) error {
				started.Done()
				done := make(chan struct{})
				go func() { started.Wait(); close(done) }()
				select {
				case <-done:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		})
	}

	w := httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthHandler_ReadyHonorsContext(t *testing.T) {
	h := newTestHealthHandler()
	h.RegisterCheck(CheckFunc{CheckName: "slow", Fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil).WithContext(ctx))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
