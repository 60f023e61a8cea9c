package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailedge/gateway/internal/ratelimit/store"
)

func newTestLimiter(t *testing.T, bucket Bucket, opts ...FixedWindowOption) *FixedWindow {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewRedisStoreWithClient(client)
	resolve := func(string) Bucket { return bucket }

	return NewFixedWindow(st, resolve, opts...)
}

func TestFixedWindowAllowsWithinBudget(t *testing.T) {
	fw := newTestLimiter(t, Bucket{Limit: 5, Window: time.Minute})
	key := ClientKey{Bucket: "products", ClientID: "user-1"}

	for i := 0; i < 5; i++ {
		decision, err := fw.Admit(context.Background(), key)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, int64(5), decision.Limit)
		assert.Equal(t, int64(4-i), decision.Remaining)
	}
}

func TestFixedWindowRejectsOverBudget(t *testing.T) {
	fw := newTestLimiter(t, Bucket{Limit: 3, Window: time.Minute})
	key := ClientKey{Bucket: "products", ClientID: "user-1"}

	for i := 0; i < 3; i++ {
		decision, err := fw.Admit(context.Background(), key)
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}

	decision, err := fw.Admit(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, int64(0), decision.Remaining)

	// Remaining stays at zero however far over the client goes.
	decision, err = fw.Admit(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, int64(0), decision.Remaining)
}

func TestFixedWindowResets(t *testing.T) {
	current := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	fw := newTestLimiter(t, Bucket{Limit: 1, Window: time.Minute},
		withLimiterClock(func() time.Time { return current }))
	key := ClientKey{Bucket: "products", ClientID: "user-1"}

	decision, err := fw.Admit(context.Background(), key)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC), decision.ResetAt)

	decision, err = fw.Admit(context.Background(), key)
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	// Crossing the window boundary replenishes the budget.
	current = current.Add(time.Minute)
	decision, err = fw.Admit(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestFixedWindowIsolatesClients(t *testing.T) {
	fw := newTestLimiter(t, Bucket{Limit: 1, Window: time.Minute})

	decision, err := fw.Admit(context.Background(), ClientKey{Bucket: "products", ClientID: "user-1"})
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	decision, err = fw.Admit(context.Background(), ClientKey{Bucket: "products", ClientID: "user-2"})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestFixedWindowConcurrentAdmission(t *testing.T) {
	fw := newTestLimiter(t, Bucket{Limit: 100, Window: time.Minute})
	key := ClientKey{Bucket: "products", ClientID: "user-1"}

	const requests = 1000
	var allowed atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := fw.Admit(context.Background(), key)
			if !assert.NoError(t, err) {
				return
			}
			if decision.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	// The atomic counter makes the budget exact under contention.
	assert.Equal(t, int64(100), allowed.Load())
}

func TestFixedWindowStoreFailure(t *testing.T) {
	st := &failingStore{err: errors.New("connection refused")}
	fw := NewFixedWindow(st, func(string) Bucket {
		return Bucket{Limit: 10, Window: time.Minute}
	})

	_, err := fw.Admit(context.Background(), ClientKey{Bucket: "products", ClientID: "user-1"})
	require.Error(t, err)
	assert.Equal(t, KindStoreUnavailable, KindOf(err))
}

// failingStore always errors.
type failingStore struct {
	err error
}

func (s *failingStore) IncrementWindow(context.Context, string, time.Duration) (int64, error) {
	return 0, s.err
}

func (s *failingStore) Ping(context.Context) error { return s.err }

func (s *failingStore) Close() error { return nil }

func TestDecisionRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)

	d := &Decision{ResetAt: now.Add(29*time.Second + 500*time.Millisecond)}
	assert.Equal(t, int64(30), d.RetryAfter(now))

	d = &Decision{ResetAt: now}
	assert.Equal(t, int64(1), d.RetryAfter(now))
}
