package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrEngineError, "backend failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true).
		WithEngine("alpha")

	if GetErrorCode(err) != ErrEngineError {
		t.Fatalf("expected code %s, got %s", ErrEngineError, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	inner := AllEnginesFailed(3, errors.New("fallback down"))
	wrapped := fmt.Errorf("resolve: %w", inner)

	assert.Equal(t, ErrAllEnginesFailed, GetErrorCode(wrapped))
	assert.True(t, IsCode(wrapped, ErrAllEnginesFailed))
	assert.True(t, IsRetryable(wrapped))
	assert.True(t, errors.Is(wrapped, NewError(ErrAllEnginesFailed, "")))
	assert.False(t, errors.Is(wrapped, NewError(ErrInvalidStrategy, "")))
}

func TestConstructors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       *Error
		code      ErrorCode
		status    int
		retryable bool
	}{
		{"timeout", EngineTimeout("a", nil), ErrEngineTimeout, http.StatusGatewayTimeout, true},
		{"engine", EngineError("a", nil), ErrEngineError, http.StatusBadGateway, true},
		{"all failed", AllEnginesFailed(2, nil), ErrAllEnginesFailed, http.StatusServiceUnavailable, true},
		{"strategy", InvalidStrategy("huge"), ErrInvalidStrategy, http.StatusBadRequest, false},
		{"scope", CacheScopeViolation("id", "A", "B"), ErrCacheScopeViolation, http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotNil(t, tt.err)
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.HTTPStatus)
			assert.Equal(t, tt.retryable, tt.err.Retryable)
		})
	}
}

func TestGetErrorCode_PlainError(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}
