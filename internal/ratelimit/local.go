package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// staleAfter is how long an idle client's limiter is kept before eviction.
const staleAfter = 10 * time.Minute

// Local is an in-process token bucket limiter for single-instance
// deployments. Unlike the fixed-window limiter it smooths admission over the
// window instead of allowing the full budget in a burst, and it shares
// nothing across processes.
type Local struct {
	resolve BucketResolver
	metrics *Metrics

	mu      sync.Mutex
	clients map[string]*localClient
}

type localClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocal creates an in-process limiter.
func NewLocal(resolve BucketResolver, metrics *Metrics) *Local {
	return &Local{
		resolve: resolve,
		metrics: metrics,
		clients: make(map[string]*localClient),
	}
}

// Admit implements Limiter. It never fails: there is no store to lose.
func (l *Local) Admit(_ context.Context, key ClientKey) (*Decision, error) {
	bucket := l.resolve(key.Bucket)
	now := time.Now()

	client := l.client(key, bucket, now)

	allowed := client.limiter.Allow()
	remaining := int64(client.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}

	if l.metrics != nil {
		l.metrics.RecordDecision(key.Bucket, allowed)
	}

	return &Decision{
		Allowed:   allowed,
		Limit:     bucket.Limit,
		Remaining: remaining,
		ResetAt:   now.Add(bucket.Window),
	}, nil
}

// client returns the per-client limiter, creating it on first sight.
func (l *Local) client(key ClientKey, bucket Bucket, now time.Time) *localClient {
	id := key.Bucket + ":" + key.ClientID

	l.mu.Lock()
	defer l.mu.Unlock()

	client, ok := l.clients[id]
	if !ok {
		perSecond := rate.Limit(float64(bucket.Limit) / bucket.Window.Seconds())
		client = &localClient{
			limiter: rate.NewLimiter(perSecond, int(bucket.Limit)),
		}
		l.clients[id] = client
	}
	client.lastSeen = now

	return client
}

// Sweep evicts limiters for clients not seen recently.
func (l *Local) Sweep() {
	cutoff := time.Now().Add(-staleAfter)

	l.mu.Lock()
	defer l.mu.Unlock()

	for id, client := range l.clients {
		if client.lastSeen.Before(cutoff) {
			delete(l.clients, id)
		}
	}
}

// Ready implements Limiter.
func (l *Local) Ready(_ context.Context) error {
	return nil
}

// Close implements Limiter.
func (l *Local) Close() error {
	return nil
}
