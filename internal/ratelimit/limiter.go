// Package ratelimit implements per-client request admission over fixed time
// windows.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Limit is the window budget the decision was made against.
	Limit int64

	// Remaining is the budget left in the current window. Saturates at
	// zero; it never goes negative however far past the limit the client
	// is.
	Remaining int64

	// ResetAt is when the current window ends and the budget replenishes.
	ResetAt time.Time
}

// RetryAfter returns the whole seconds until the window resets, rounded up
// and at least one. Used for the Retry-After response header.
func (d *Decision) RetryAfter(now time.Time) int64 {
	seconds := int64(d.ResetAt.Sub(now).Seconds())
	if d.ResetAt.Sub(now) > time.Duration(seconds)*time.Second {
		seconds++
	}
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// Limiter decides whether a client request fits its rate budget.
type Limiter interface {
	// Admit records one request for the given client and returns the
	// decision. A store failure is reported as an error; the caller
	// applies the configured fail-open or fail-closed policy.
	Admit(ctx context.Context, key ClientKey) (*Decision, error)

	// Ready verifies the limiter's backing store is reachable.
	Ready(ctx context.Context) error

	// Close releases limiter resources.
	Close() error
}
