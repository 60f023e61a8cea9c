package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStoreWithClient(client), mr
}

func TestRedisStoreIncrements(t *testing.T) {
	st, _ := newRedisStore(t)

	for want := int64(1); want <= 3; want++ {
		got, err := st.IncrementWindow(context.Background(), "counter", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestRedisStoreSetsExpiryOnce(t *testing.T) {
	st, mr := newRedisStore(t)

	_, err := st.IncrementWindow(context.Background(), "counter", time.Minute)
	require.NoError(t, err)

	ttl := mr.TTL("counter")
	assert.Equal(t, time.Minute, ttl)

	// Later increments must not push the expiry out.
	mr.FastForward(30 * time.Second)
	_, err = st.IncrementWindow(context.Background(), "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, mr.TTL("counter"))
}

func TestRedisStoreCounterExpires(t *testing.T) {
	st, mr := newRedisStore(t)

	_, err := st.IncrementWindow(context.Background(), "counter", time.Minute)
	require.NoError(t, err)

	mr.FastForward(61 * time.Second)

	got, err := st.IncrementWindow(context.Background(), "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestRedisStoreUnavailable(t *testing.T) {
	st, mr := newRedisStore(t)
	mr.Close()

	_, err := st.IncrementWindow(context.Background(), "counter", time.Minute)
	require.ErrorIs(t, err, ErrStoreUnavailable)

	require.ErrorIs(t, st.Ping(context.Background()), ErrStoreUnavailable)
}
