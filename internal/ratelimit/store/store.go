// Package store provides counter storage backends for rate limiting.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable indicates the backing store could not be reached.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Store is a windowed counter store. Implementations must make
// IncrementWindow atomic: concurrent increments of the same key may never
// lose updates or produce two different window expiries.
type Store interface {
	// IncrementWindow atomically increments the counter for key and, when
	// the counter is created by this call, sets it to expire after ttl.
	// It returns the counter value after the increment.
	IncrementWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close() error
}
