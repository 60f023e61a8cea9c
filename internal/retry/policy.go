// Package retry decides whether a failed upstream request may be reissued.
package retry

import (
	"math/rand"
	"net/http"
	"time"
)

// Policy controls retries of forwarded requests. Only connection-level
// failures are ever retried; once any response bytes arrive the request is
// not safe to replay.
type Policy struct {
	// MaxRetries is the number of reissues after the initial attempt.
	MaxRetries int

	// BaseDelay is the delay before the first retry; subsequent retries
	// double it.
	BaseDelay time.Duration

	// Jitter randomizes each delay by up to this fraction.
	Jitter float64
}

// DefaultPolicy retries idempotent requests once after a short pause.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 1,
		BaseDelay:  50 * time.Millisecond,
		Jitter:     0.2,
	}
}

// ShouldRetry reports whether one more attempt is allowed for the given
// method. attempt is zero-based: 0 is the initial attempt.
func (p Policy) ShouldRetry(method string, attempt int) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	return method == http.MethodGet || method == http.MethodHead
}

// Backoff returns the delay before the given retry attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay << uint(attempt)
	if p.Jitter > 0 && delay > 0 {
		jitter := time.Duration(rand.Int63n(int64(float64(delay) * p.Jitter)))
		delay += jitter
	}
	return delay
}
