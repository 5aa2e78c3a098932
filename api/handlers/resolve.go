package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chorus/api"
	"github.com/BaSui01/chorus/classifier"
	"github.com/BaSui01/chorus/engine"
	"github.com/BaSui01/chorus/optimizer"
	"github.com/BaSui01/chorus/orchestrator"
	"github.com/BaSui01/chorus/types"
)

// =============================================================================
// 🎼 Resolve Handler
// =============================================================================

// Resolver 是 handler 依赖的编排入口，*orchestrator.Orchestrator 实现它
type Resolver interface {
	Resolve(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)
	RecordFeedback(sample optimizer.PerformanceSample) error
}

// ResolveHandler 处理 /v1/resolve 与 /v1/feedback
type ResolveHandler struct {
	resolver     Resolver
	logger       *zap.Logger
	maxBodyBytes int64
}

// NewResolveHandler 创建 ResolveHandler
func NewResolveHandler(resolver Resolver, maxBodyBytes int64, logger *zap.Logger) *ResolveHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResolveHandler{
		resolver:     resolver,
		logger:       logger.With(zap.String("handler", "resolve")),
		maxBodyBytes: maxBodyBytes,
	}
}

// HandleResolve 处理 POST /v1/resolve
func (h *ResolveHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	var body api.ResolveRequest
	if err := DecodeJSONBody(w, r, &body, h.maxBodyBytes, h.logger); err != nil {
		return
	}

	req, err := BuildRequest(r.Context(), body)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	resp, err := h.resolver.Resolve(r.Context(), req)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, ToResolveResponse(resp))
}

// HandleFeedback 处理 POST /v1/feedback
func (h *ResolveHandler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	var body api.FeedbackRequest
	if err := DecodeJSONBody(w, r, &body, h.maxBodyBytes, h.logger); err != nil {
		return
	}

	st, err := engine.ParseStrategy(body.Strategy)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	sample := optimizer.PerformanceSample{
		Strategy:          st,
		Elapsed:           time.Duration(body.ElapsedMS) * time.Millisecond,
		Confidence:        body.Confidence,
		EngineUtilization: body.EngineUtilization,
		Timestamp:         time.Now(),
	}
	if err := h.resolver.RecordFeedback(sample); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusAccepted, Response{Success: true, Timestamp: time.Now(), RequestID: requestID(r)})
}

// =============================================================================
// 🔄 请求 / 响应转换
// =============================================================================

// BuildRequest 把线上请求转成编排请求。
// context_key 为空时取认证中间件放入的会话键；user_tier 只在未显式给出偏好时生效。
func BuildRequest(ctx context.Context, body api.ResolveRequest) (orchestrator.Request, error) {
	text := strings.TrimSpace(body.Text)
	if text == "" {
		return orchestrator.Request{}, types.NewError(types.ErrInvalidRequest, "text is required").
			WithHTTPStatus(http.StatusBadRequest)
	}

	req := orchestrator.Request{
		Text:          body.Text,
		ContextKey:    body.ContextKey,
		SessionScoped: body.SessionScoped,
		Domain:        body.Domain,
		Preferences: optimizer.Preferences{
			PreferSpeed:   body.PreferSpeed,
			PreferQuality: body.PreferQuality,
		},
	}
	if req.ContextKey == "" {
		if key, ok := types.SessionKey(ctx); ok {
			req.ContextKey = key
		}
	}
	if req.SessionScoped && req.ContextKey == "" {
		return orchestrator.Request{}, types.NewError(types.ErrInvalidRequest, "session_scoped requires a context_key").
			WithHTTPStatus(http.StatusBadRequest)
	}

	if body.StrategyHint != "" {
		st, err := engine.ParseStrategy(body.StrategyHint)
		if err != nil {
			return orchestrator.Request{}, err
		}
		req.StrategyHint = &st
	}

	if !req.Preferences.PreferSpeed && !req.Preferences.PreferQuality {
		switch strings.ToLower(body.UserTier) {
		case "premium", "enterprise":
			req.Preferences.PreferQuality = true
		case "free":
			req.Preferences.PreferSpeed = true
		}
	}

	req.Metadata = parseMetadata(body.Metadata)

	if body.Timeout != "" {
		d, err := time.ParseDuration(body.Timeout)
		if err != nil || d <= 0 {
			return orchestrator.Request{}, types.NewError(types.ErrInvalidRequest, "timeout must be a positive duration such as \"20s\"").
				WithHTTPStatus(http.StatusBadRequest)
		}
		req.Timeout = d
	}
	return req, nil
}

func parseMetadata(m map[string]string) classifier.Metadata {
	var meta classifier.Metadata
	if n, err := strconv.Atoi(m["message_count"]); err == nil && n > 0 {
		meta.MessageCount = n
	}
	if b, err := strconv.ParseBool(m["has_context"]); err == nil {
		meta.HasContext = b
	}
	return meta
}

// ToResolveResponse 把编排结果转成线上结构
func ToResolveResponse(resp *orchestrator.Response) *api.ResolveResponse {
	if resp == nil {
		return nil
	}
	return &api.ResolveResponse{
		Text:         resp.Text,
		Confidence:   resp.Confidence,
		StrategyUsed: resp.StrategyUsed.String(),
		EnginesUsed:  resp.EnginesUsed,
		CacheHit:     resp.CacheHit,
		PartialHit:   resp.PartialHit,
		FallbackUsed: resp.FallbackUsed,
		Complexity:   resp.Complexity,
		Reasoning:    resp.Reasoning,
		ElapsedMS:    resp.Elapsed.Milliseconds(),
	}
}
