// Package ratelimit throttles API clients with a per-key token bucket.
// Requests carry a cost so that submissions, which queue language-model work,
// drain a client's budget faster than reads.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one Allow call. RetryAfter is set when the
// request was denied and says when the same cost would next fit.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may spend cost tokens.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether the request should proceed. The key is opaque;
	// callers construct it (e.g. "ip:10.0.0.1" or "sub:operator:<jti>").
	// Returning an error signals a limiter malfunction and callers fail open.
	Allow(ctx context.Context, key string, cost int) (Decision, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always allows.
func (NoopLimiter) Allow(context.Context, string, int) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
