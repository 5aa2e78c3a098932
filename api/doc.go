// Copyright (c) Chorus Authors.
// Licensed under the MIT License.

// Package api defines the wire types of the Chorus HTTP API.
//
// # API Overview
//
//   - POST /v1/resolve          resolve one request across the engine pool
//   - GET  /v1/resolve/stream   websocket variant streaming per-engine outcomes
//   - POST /v1/feedback         record an externally observed performance sample
//   - GET  /v1/cache/stats      semantic cache statistics
//   - POST /v1/cache/sweep      remove stale entries
//   - DELETE /v1/cache/{id}     invalidate one entry
//   - GET  /v1/optimizer/stats  per-strategy sample aggregates
//   - GET  /v1/config           sanitized running configuration
//   - GET  /health, /healthz, /ready, /version
//
// Every JSON endpoint answers with the Response envelope.
//
// # Authentication
//
// When auth is enabled, requests carry either a bearer JWT or an API key:
//
//	Authorization: Bearer <jwt>
//	X-API-Key: your-api-key
//
// The JWT user_id (or tenant_id) claim becomes the default context key for
// session-scoped cache entries.
package api
