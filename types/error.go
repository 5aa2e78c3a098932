package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Orchestration error codes
const (
	ErrEngineTimeout       ErrorCode = "ENGINE_TIMEOUT"
	ErrEngineError         ErrorCode = "ENGINE_ERROR"
	ErrAllEnginesFailed    ErrorCode = "ALL_ENGINES_FAILED"
	ErrCacheScopeViolation ErrorCode = "CACHE_SCOPE_VIOLATION"
	ErrInvalidStrategy     ErrorCode = "INVALID_STRATEGY"
)

// Service error codes
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrForbidden          ErrorCode = "FORBIDDEN"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Engine     string    `json:"engine,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code so that sentinel comparisons work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithEngine sets the engine id the error originated from.
func (e *Error) WithEngine(engine string) *Error {
	e.Engine = engine
	return e
}

// =============================================================================
// 🏭 Constructors for the orchestration taxonomy
// =============================================================================

// EngineTimeout 单个引擎超过其调用超时
func EngineTimeout(engine string, cause error) *Error {
	return NewError(ErrEngineTimeout, "engine timed out").
		WithEngine(engine).
		WithCause(cause).
		WithHTTPStatus(http.StatusGatewayTimeout).
		WithRetryable(true)
}

// EngineError 单个引擎返回后端错误
func EngineError(engine string, cause error) *Error {
	return NewError(ErrEngineError, "engine returned an error").
		WithEngine(engine).
		WithCause(cause).
		WithHTTPStatus(http.StatusBadGateway).
		WithRetryable(true)
}

// AllEnginesFailed is returned when every selected engine and the fallback failed.
func AllEnginesFailed(attempted int, cause error) *Error {
	return NewError(ErrAllEnginesFailed, fmt.Sprintf("all %d engines failed", attempted)).
		WithCause(cause).
		WithHTTPStatus(http.StatusServiceUnavailable).
		WithRetryable(true)
}

// InvalidStrategy is returned before any engine is attempted.
func InvalidStrategy(value string) *Error {
	return NewError(ErrInvalidStrategy, fmt.Sprintf("unrecognized orchestration strategy %q", value)).
		WithHTTPStatus(http.StatusBadRequest)
}

// CacheScopeViolation 会话隔离被破坏（不应发生）
func CacheScopeViolation(entryID, entryKey, requestKey string) *Error {
	return NewError(ErrCacheScopeViolation,
		fmt.Sprintf("session-scoped entry %s (context %q) offered to context %q", entryID, entryKey, requestKey)).
		WithHTTPStatus(http.StatusInternalServerError)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
