package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/retailedge/gateway/internal/observability"
	"github.com/retailedge/gateway/internal/ratelimit/store"
)

// Bucket is a fixed-window budget.
type Bucket struct {
	Limit  int64
	Window time.Duration
}

// BucketResolver maps a bucket name to its limits.
type BucketResolver func(name string) Bucket

// FixedWindow is a fixed-window limiter over a shared counter store. Windows
// are aligned to wall-clock boundaries, so all gateway instances agree on the
// current window without coordination.
type FixedWindow struct {
	store     store.Store
	resolve   BucketResolver
	keyPrefix string
	logger    observability.Logger
	metrics   *Metrics
	now       func() time.Time
}

// FixedWindowOption is a functional option for the limiter.
type FixedWindowOption func(*FixedWindow)

// WithKeyPrefix namespaces counter keys in a shared store.
func WithKeyPrefix(prefix string) FixedWindowOption {
	return func(fw *FixedWindow) {
		fw.keyPrefix = prefix
	}
}

// WithLimiterLogger sets the logger.
func WithLimiterLogger(logger observability.Logger) FixedWindowOption {
	return func(fw *FixedWindow) {
		fw.logger = logger
	}
}

// WithLimiterMetrics sets the metrics.
func WithLimiterMetrics(metrics *Metrics) FixedWindowOption {
	return func(fw *FixedWindow) {
		fw.metrics = metrics
	}
}

// withLimiterClock overrides the time source in tests.
func withLimiterClock(now func() time.Time) FixedWindowOption {
	return func(fw *FixedWindow) {
		fw.now = now
	}
}

// NewFixedWindow creates a fixed-window limiter.
func NewFixedWindow(st store.Store, resolve BucketResolver, opts ...FixedWindowOption) *FixedWindow {
	fw := &FixedWindow{
		store:     st,
		resolve:   resolve,
		keyPrefix: "ratelimit",
		logger:    observability.NopLogger(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(fw)
	}

	return fw
}

// Admit implements Limiter.
func (fw *FixedWindow) Admit(ctx context.Context, key ClientKey) (*Decision, error) {
	bucket := fw.resolve(key.Bucket)
	now := fw.now()

	windowStart := now.Truncate(bucket.Window)
	resetAt := windowStart.Add(bucket.Window)

	// The window start is part of the key, so a counter can never leak
	// into the next window even if its expiry lags.
	counterKey := fmt.Sprintf("%s:%s:%s:%d",
		fw.keyPrefix, key.Bucket, key.ClientID, windowStart.Unix())

	count, err := fw.store.IncrementWindow(ctx, counterKey, bucket.Window)
	if err != nil {
		if fw.metrics != nil {
			fw.metrics.RecordStoreError()
		}
		fw.logger.Error("rate limit store increment failed",
			observability.String("bucket", key.Bucket),
			observability.Error(err),
		)
		return nil, NewError(KindStoreUnavailable, "counter increment failed", err)
	}

	decision := &Decision{
		Allowed:   count <= bucket.Limit,
		Limit:     bucket.Limit,
		Remaining: bucket.Limit - count,
		ResetAt:   resetAt,
	}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}

	if fw.metrics != nil {
		fw.metrics.RecordDecision(key.Bucket, decision.Allowed)
	}

	return decision, nil
}

// Ready implements Limiter.
func (fw *FixedWindow) Ready(ctx context.Context) error {
	return fw.store.Ping(ctx)
}

// Close implements Limiter.
func (fw *FixedWindow) Close() error {
	return fw.store.Close()
}
