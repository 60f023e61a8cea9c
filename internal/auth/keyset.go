package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/retailedge/gateway/internal/observability"
)

// ErrKeyNotFound is returned when no cached key matches the requested key ID
// even after a refresh.
var ErrKeyNotFound = errors.New("signing key not found")

// defaultFetchTimeout bounds a single JWKS fetch independent of any caller
// deadline, since the fetch result is shared.
const defaultFetchTimeout = 10 * time.Second

// KeySet caches the identity provider's signing keys. The cached set is
// replaced wholesale on refresh; individual entries are never mutated, so a
// rotated key ID is a new entry, not an in-place update.
type KeySet struct {
	url                string
	httpClient         *http.Client
	minRefreshInterval time.Duration
	logger             observability.Logger
	metrics            *Metrics

	mu          sync.RWMutex
	keys        jwk.Set
	lastRefresh time.Time

	group singleflight.Group
}

// KeySetOption is a functional option for the key set.
type KeySetOption func(*KeySet)

// WithKeySetHTTPClient sets the HTTP client used for JWKS fetches.
func WithKeySetHTTPClient(client *http.Client) KeySetOption {
	return func(ks *KeySet) {
		ks.httpClient = client
	}
}

// WithKeySetLogger sets the logger.
func WithKeySetLogger(logger observability.Logger) KeySetOption {
	return func(ks *KeySet) {
		ks.logger = logger
	}
}

// WithKeySetMetrics sets the metrics.
func WithKeySetMetrics(metrics *Metrics) KeySetOption {
	return func(ks *KeySet) {
		ks.metrics = metrics
	}
}

// WithMinRefreshInterval throttles miss-triggered refreshes.
func WithMinRefreshInterval(interval time.Duration) KeySetOption {
	return func(ks *KeySet) {
		ks.minRefreshInterval = interval
	}
}

// NewKeySet creates a key set backed by the given JWKS URL. The cache starts
// empty; the first lookup triggers a fetch.
func NewKeySet(url string, opts ...KeySetOption) *KeySet {
	ks := &KeySet{
		url:                url,
		httpClient:         &http.Client{Timeout: defaultFetchTimeout},
		minRefreshInterval: 15 * time.Second,
		logger:             observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(ks)
	}

	return ks
}

// Key returns the public key for the given key ID. A cache miss triggers at
// most one refresh shared by all concurrent callers; callers whose context
// is cancelled stop waiting without aborting the shared fetch.
func (ks *KeySet) Key(ctx context.Context, kid string) (jwk.Key, error) {
	if key, ok := ks.lookup(kid); ok {
		return key, nil
	}

	if !ks.refreshAllowed() {
		return nil, ErrKeyNotFound
	}

	ch := ks.group.DoChan("refresh", func() (interface{}, error) {
		return nil, ks.refresh()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if key, ok := ks.lookup(kid); ok {
		return key, nil
	}

	return nil, ErrKeyNotFound
}

// lookup finds a key in the cached snapshot.
func (ks *KeySet) lookup(kid string) (jwk.Key, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if ks.keys == nil {
		return nil, false
	}

	return ks.keys.LookupKeyID(kid)
}

// refreshAllowed throttles refreshes triggered by unknown key IDs so a flood
// of garbage tokens cannot hammer the identity provider.
func (ks *KeySet) refreshAllowed() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.keys == nil || time.Since(ks.lastRefresh) >= ks.minRefreshInterval
}

// refresh fetches the JWKS and replaces the cached snapshot. The fetch uses
// its own deadline because its result is shared across callers.
func (ks *KeySet) refresh() error {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), defaultFetchTimeout)
	defer cancel()

	set, err := jwk.Fetch(ctx, ks.url, jwk.WithHTTPClient(ks.httpClient))
	if err != nil {
		if ks.metrics != nil {
			ks.metrics.RecordKeyRefresh("error", time.Since(start))
		}
		ks.logger.Error("signing key refresh failed",
			observability.String("url", ks.url),
			observability.Error(err),
		)
		return NewError(KindProviderUnavailable, "failed to fetch signing keys", err)
	}

	ks.mu.Lock()
	ks.keys = set
	ks.lastRefresh = time.Now()
	ks.mu.Unlock()

	if ks.metrics != nil {
		ks.metrics.RecordKeyRefresh("success", time.Since(start))
	}
	ks.logger.Info("signing keys refreshed",
		observability.String("url", ks.url),
		observability.Int("keys", set.Len()),
	)

	return nil
}

// LastRefresh returns the time of the last successful refresh.
func (ks *KeySet) LastRefresh() time.Time {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.lastRefresh
}

// Clear drops the cached keys. Used at shutdown.
func (ks *KeySet) Clear() {
	ks.mu.Lock()
	ks.keys = nil
	ks.lastRefresh = time.Time{}
	ks.mu.Unlock()
}
