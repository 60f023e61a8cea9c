package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://idp.example.com/realms/retail"
	testAudience = "retail-api"
)

// newSigningKey generates an RSA signing key with the given key ID and a
// JWKS containing its public half.
func newSigningKey(t *testing.T, kid string) (jwk.Key, jwk.Set) {
	t.Helper()

	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, kid))
	require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.RS256))

	pub, err := key.PublicKey()
	require.NoError(t, err)

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	return key, set
}

// jwksServer serves the given key set and counts fetches.
func jwksServer(t *testing.T, set jwk.Set) (*httptest.Server, *atomic.Int64) {
	t.Helper()

	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(set))
	}))
	t.Cleanup(srv.Close)

	return srv, &fetches
}

// mintToken signs the given claims with the key.
func mintToken(t *testing.T, key jwk.Key, claims map[string]interface{}) string {
	t.Helper()

	payload, err := json.Marshal(claims)
	require.NoError(t, err)

	signed, err := jws.Sign(payload, jws.WithKey(jwa.RS256, key))
	require.NoError(t, err)

	return string(signed)
}

// defaultClaims returns a claim set that validates against the test config.
func defaultClaims() map[string]interface{} {
	return map[string]interface{}{
		"sub": "user-42",
		"iss": testIssuer,
		"aud": testAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
		"jti": "token-1",
		"realm_access": map[string]interface{}{
			"roles": []string{"shopper", "inventory-admin"},
		},
	}
}

func newTestValidator(t *testing.T, jwksURL string, opts ...ValidatorOption) *Validator {
	t.Helper()

	keySet := NewKeySet(jwksURL, WithMinRefreshInterval(0))
	return NewValidator(Config{
		Issuer:         testIssuer,
		Audience:       testAudience,
		ClockSkew:      30 * time.Second,
		ClaimsCacheTTL: time.Minute,
	}, keySet, opts...)
}

func TestValidateAcceptsValidToken(t *testing.T) {
	key, set := newSigningKey(t, "key-1")
	srv, _ := jwksServer(t, set)

	v := newTestValidator(t, srv.URL)
	token := mintToken(t, key, defaultClaims())

	claims, err := v.Validate(context.Background(), token)
	require.NoError(t, err)

	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Contains(t, claims.Audience, testAudience)
	assert.Equal(t, "token-1", claims.TokenID)
	assert.ElementsMatch(t, []string{"shopper", "inventory-admin"}, claims.Roles)
}

func TestValidateRejectsMalformedCredentials(t *testing.T) {
	_, set := newSigningKey(t, "key-1")
	srv, _ := jwksServer(t, set)
	v := newTestValidator(t, srv.URL)

	tests := []struct {
		name       string
		credential string
	}{
		{name: "empty", credential: ""},
		{name: "not a token", credential: "not-a-token"},
		{name: "two segments", credential: "aaaa.bbbb"},
		{name: "garbage segments", credential: "!!.!!.!!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(context.Background(), tt.credential)
			require.Error(t, err)
			assert.Equal(t, KindMalformed, KindOf(err))
		})
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	key, set := newSigningKey(t, "key-1")
	srv, _ := jwksServer(t, set)
	v := newTestValidator(t, srv.URL)

	claims := defaultClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	token := mintToken(t, key, claims)

	_, err := v.Validate(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, KindExpired, KindOf(err))
}

func TestValidateExpiredBeatsBadSignature(t *testing.T) {
	// An expired token is reported expired even when its signature would
	// not verify.
	_, set := newSigningKey(t, "key-1")
	otherKey, _ := newSigningKey(t, "key-1")
	srv, _ := jwksServer(t, set)
	v := newTestValidator(t, srv.URL)

	claims := defaultClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	token := mintToken(t, otherKey, claims)

	_, err := v.Validate(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, KindExpired, KindOf(err))
}

func TestValidateHonorsClockSkew(t *testing.T) {
	key, set := newSigningKey(t, "key-1")
	srv, _ := jwksServer(t, set)
	v := newTestValidator(t, srv.URL)

	// Expired 10 seconds ago, within the 30 second skew.
	claims := defaultClaims()
	claims["exp"] = time.Now().Add(-10 * time.Second).Unix()
	token := mintToken(t, key, claims)

	_, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
}

func TestValidateRejectsBadSignature(t *testing.T) {
	_, set := newSigningKey(t, "key-1")
	otherKey, _ := newSigningKey(t, "key-1")
	srv, _ := jwksServer(t, set)
	v := newTestValidator(t, srv.URL)

	token := mintToken(t, otherKey, defaultClaims())

	_, err := v.Validate(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, KindBadSignature, KindOf(err))
}

func TestValidateRejectsUnknownKeyID(t *testing.T) {
	otherKey, _ := newSigningKey(t, "unknown-key")
	_, set := newSigningKey(t, "key-1")
	srv, _ := jwksServer(t, set)
	v := newTestValidator(t, srv.URL)

	token := mintToken(t, otherKey, defaultClaims())

	_, err := v.Validate(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, KindBadSignature, KindOf(err))
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	key, set := newSigningKey(t, "key-1")
	srv, _ := jwksServer(t, set)
	v := newTestValidator(t, srv.URL)

	claims := defaultClaims()
	claims["iss"] = "https://evil.example.com"
	token := mintToken(t, key, claims)

	_, err := v.Validate(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, KindWrongIssuer, KindOf(err))
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	key, set := newSigningKey(t, "key-1")
	srv, _ := jwksServer(t, set)
	v := newTestValidator(t, srv.URL)

	claims := defaultClaims()
	claims["aud"] = "someone-else"
	token := mintToken(t, key, claims)

	_, err := v.Validate(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, KindWrongAudience, KindOf(err))
}

func TestValidateReportsProviderUnavailable(t *testing.T) {
	key, set := newSigningKey(t, "key-1")
	srv, _ := jwksServer(t, set)
	srv.Close()

	v := newTestValidator(t, srv.URL)
	token := mintToken(t, key, defaultClaims())

	_, err := v.Validate(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, KindProviderUnavailable, KindOf(err))
}

func TestValidateCachesClaims(t *testing.T) {
	key, set := newSigningKey(t, "key-1")
	srv, fetches := jwksServer(t, set)
	v := newTestValidator(t, srv.URL)

	token := mintToken(t, key, defaultClaims())

	_, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, 1, v.CacheSize())

	// With the provider gone, the cached token still validates.
	srv.Close()
	claims, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, int64(1), fetches.Load())
}

func TestValidateCacheExpires(t *testing.T) {
	key, set := newSigningKey(t, "key-1")
	srv, _ := jwksServer(t, set)

	current := time.Now()
	keySet := NewKeySet(srv.URL, WithMinRefreshInterval(0))
	v := NewValidator(Config{
		Issuer:         testIssuer,
		Audience:       testAudience,
		ClockSkew:      30 * time.Second,
		ClaimsCacheTTL: time.Minute,
	}, keySet, withClock(func() time.Time { return current }))

	token := mintToken(t, key, defaultClaims())

	_, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, 1, v.CacheSize())

	current = current.Add(2 * time.Minute)
	v.Sweep()
	assert.Equal(t, 0, v.CacheSize())
}

func TestValidateRejectsTokenWithoutExpiry(t *testing.T) {
	key, set := newSigningKey(t, "key-1")
	srv, _ := jwksServer(t, set)
	v := newTestValidator(t, srv.URL)

	claims := defaultClaims()
	delete(claims, "exp")
	token := mintToken(t, key, claims)

	_, err := v.Validate(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, KindMalformed, KindOf(err))
}
