package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chorus/api"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// HealthCheck 可插拔的就绪检查
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc 把函数适配为 HealthCheck
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.CheckName }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// BuildInfo 是 /version 的内容
type BuildInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

// HealthHandler 处理 /health、/healthz、/ready 与 /version
type HealthHandler struct {
	logger  *zap.Logger
	build   BuildInfo
	timeout time.Duration

	mu     sync.RWMutex
	checks []HealthCheck
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(build BuildInfo, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger:  logger.With(zap.String("handler", "health")),
		build:   build,
		timeout: 5 * time.Second,
	}
}

// RegisterCheck 注册就绪检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// HandleHealth 处理 /health 与 /healthz（存活探针，不跑依赖检查）
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, api.HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   h.build.Version,
	})
}

// HandleReady 处理 /ready：并发执行全部检查，任一失败返回 503
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := api.HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   h.build.Version,
		Checks:    make(map[string]api.CheckResult, len(checks)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range checks {
		wg.Add(1)
		go func(c HealthCheck) {
			defer wg.Done()
			start := time.Now()
			err := c.Check(ctx)
			latency := time.Since(start)

			res := api.CheckResult{Status: "pass", Latency: latency.String()}
			if err != nil {
				res.Status = "fail"
				res.Message = err.Error()
				h.logger.Warn("readiness check failed",
					zap.String("check", c.Name()),
					zap.Duration("latency", latency),
					zap.Error(err))
			}
			mu.Lock()
			status.Checks[c.Name()] = res
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	for _, res := range status.Checks {
		if res.Status != "pass" {
			status.Status = "unhealthy"
			WriteJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	WriteJSON(w, http.StatusOK, status)
}

// HandleVersion 处理 /version
func (h *HealthHandler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, h.build)
}
