// Package echo provides an offline backend that answers from the request text.
// It is used by `chorus resolve --offline` and local demos where no API keys exist.
package echo

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/chorus/engine"
)

// Provider echoes the request, optionally after a fixed latency.
type Provider struct {
	id      engine.ID
	latency time.Duration
}

// New creates an echo backend for one engine id.
func New(id engine.ID, latency time.Duration) *Provider {
	return &Provider{id: id, latency: latency}
}

// Name implements engine.Backend.
func (p *Provider) Name() string {
	return "echo"
}

// Generate implements engine.Backend.
func (p *Provider) Generate(ctx context.Context, req engine.Request) (string, error) {
	if p.latency > 0 {
		timer := time.NewTimer(p.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	role := req.Role
	if role == "" {
		role = "general"
	}
	return fmt.Sprintf("[%s/%s] %s", p.id, role, req.Text), nil
}
