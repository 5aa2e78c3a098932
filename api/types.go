package api

import (
	"time"

	"github.com/BaSui01/chorus/engine"
)

// =============================================================================
// 统一响应信封
// =============================================================================

// Response 是所有 HTTP 接口的统一响应结构。
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	Engine     string `json:"engine,omitempty"`
	HTTPStatus int    `json:"-"`
}

// =============================================================================
// Resolve
// =============================================================================

// ResolveRequest 是 POST /v1/resolve 的请求体。
type ResolveRequest struct {
	Text          string `json:"text"`
	ContextKey    string `json:"context_key,omitempty"`
	SessionScoped bool   `json:"session_scoped,omitempty"`
	// StrategyHint 取值 single / dual / synthesis / full
	StrategyHint  string            `json:"strategy_hint,omitempty"`
	PreferSpeed   bool              `json:"prefer_speed,omitempty"`
	PreferQuality bool              `json:"prefer_quality,omitempty"`
	Domain        string            `json:"domain,omitempty"`
	UserTier      string            `json:"user_tier,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	// Timeout 覆盖单引擎超时，如 "20s"
	Timeout string `json:"timeout,omitempty"`
}

// ResolveResponse 是 Resolve 的序列化视图。
type ResolveResponse struct {
	Text         string      `json:"text"`
	Confidence   float64     `json:"confidence"`
	StrategyUsed string      `json:"strategy_used"`
	EnginesUsed  []engine.ID `json:"engines_used"`
	CacheHit     bool        `json:"cache_hit"`
	PartialHit   bool        `json:"partial_hit,omitempty"`
	FallbackUsed bool        `json:"fallback_used,omitempty"`
	Complexity   float64     `json:"complexity"`
	Reasoning    []string    `json:"reasoning"`
	ElapsedMS    int64       `json:"elapsed_ms"`
}

// FeedbackRequest 是 POST /v1/feedback 的请求体。
type FeedbackRequest struct {
	Strategy          string                `json:"strategy"`
	ElapsedMS         int64                 `json:"elapsed_ms"`
	Confidence        float64               `json:"confidence"`
	EngineUtilization map[engine.ID]float64 `json:"engine_utilization,omitempty"`
}

// =============================================================================
// Stream
// =============================================================================

// Stream event types.
const (
	StreamEventEngineOutcome = "engine_outcome"
	StreamEventResult        = "result"
	StreamEventError         = "error"
)

// StreamEvent 是 websocket 流上的一条消息。
type StreamEvent struct {
	Type    string           `json:"type"`
	Outcome *EngineOutcome   `json:"outcome,omitempty"`
	Result  *ResolveResponse `json:"result,omitempty"`
	Error   *ErrorInfo       `json:"error,omitempty"`
}

// EngineOutcome 单个引擎的结果（流式推送）
type EngineOutcome struct {
	EngineID  engine.ID `json:"engine_id"`
	Status    string    `json:"status"`
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms"`
}

// =============================================================================
// Health
// =============================================================================

// HealthStatus 健康检查结果
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单项检查结果
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}
