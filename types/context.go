package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID    contextKey = "trace_id"
	keyRequestID  contextKey = "request_id"
	keyTenantID   contextKey = "tenant_id"
	keyUserID     contextKey = "user_id"
	keySessionKey contextKey = "session_key"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithRequestID adds request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// RequestID extracts request ID from context.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}

// WithTenantID adds tenant ID to context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, keyTenantID, tenantID)
}

// TenantID extracts tenant ID from context.
func TenantID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTenantID).(string)
	return v, ok && v != ""
}

// WithUserID adds user ID to context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, keyUserID, userID)
}

// UserID extracts user ID from context.
func UserID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyUserID).(string)
	return v, ok && v != ""
}

// WithSessionKey attaches the cache scope key derived from the caller identity.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, keySessionKey, key)
}

// SessionKey returns the cache scope key attached by the auth layer.
func SessionKey(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keySessionKey).(string)
	return v, ok && v != ""
}
