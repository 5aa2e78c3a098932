package types

import (
	"context"
	"testing"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if _, ok := UserID(ctx); ok {
		t.Fatalf("expected no user id on empty context")
	}

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithTenantID(ctx, "tenant-1")
	ctx = WithUserID(ctx, "user-1")
	ctx = WithSessionKey(ctx, "tenant-1:user-1")

	checks := []struct {
		name string
		get  func(context.Context) (string, bool)
		want string
	}{
		{"trace", TraceID, "trace-1"},
		{"request", RequestID, "req-1"},
		{"tenant", TenantID, "tenant-1"},
		{"user", UserID, "user-1"},
		{"session", SessionKey, "tenant-1:user-1"},
	}
	for _, c := range checks {
		got, ok := c.get(ctx)
		if !ok || got != c.want {
			t.Fatalf("%s: expected %q, got %q (ok=%v)", c.name, c.want, got, ok)
		}
	}

	if _, ok := UserID(WithUserID(context.Background(), "")); ok {
		t.Fatalf("empty user id must report not-present")
	}
}
