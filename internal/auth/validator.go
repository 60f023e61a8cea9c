// Package auth implements bearer token validation against an OpenID Connect
// identity provider.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"

	"github.com/retailedge/gateway/internal/observability"
)

// Config holds validation settings.
type Config struct {
	// Issuer is the expected iss claim value.
	Issuer string

	// Audience is the value the aud claim must contain.
	Audience string

	// ClockSkew is the tolerance applied to the expiry check.
	ClockSkew time.Duration

	// ClaimsCacheTTL bounds local caching of validated tokens. An entry
	// expires at token expiry or after this TTL, whichever is sooner.
	ClaimsCacheTTL time.Duration

	// RolesClaim selects the claim carrying roles (dot notation).
	RolesClaim string
}

// allowedAlgorithms is the set of accepted asymmetric signing algorithms.
// Symmetric algorithms are rejected: keys come from a public JWKS endpoint.
var allowedAlgorithms = map[string]struct{}{
	"RS256": {}, "RS384": {}, "RS512": {},
	"PS256": {}, "PS384": {}, "PS512": {},
	"ES256": {}, "ES384": {}, "ES512": {},
	"EdDSA": {},
}

// Validator validates bearer credentials and produces Claims.
type Validator struct {
	config  Config
	keySet  *KeySet
	logger  observability.Logger
	metrics *Metrics
	now     func() time.Time

	cacheMu sync.RWMutex
	cache   map[string]cacheEntry
}

// cacheEntry is a validated token held until expiresAt.
type cacheEntry struct {
	claims    *Claims
	expiresAt time.Time
}

// ValidatorOption is a functional option for the validator.
type ValidatorOption func(*Validator)

// WithValidatorLogger sets the logger.
func WithValidatorLogger(logger observability.Logger) ValidatorOption {
	return func(v *Validator) {
		v.logger = logger
	}
}

// WithValidatorMetrics sets the metrics.
func WithValidatorMetrics(metrics *Metrics) ValidatorOption {
	return func(v *Validator) {
		v.metrics = metrics
	}
}

// withClock overrides the time source in tests.
func withClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.now = now
	}
}

// NewValidator creates a validator backed by the given key set.
func NewValidator(config Config, keySet *KeySet, opts ...ValidatorOption) *Validator {
	v := &Validator{
		config: config,
		keySet: keySet,
		logger: observability.NopLogger(),
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}

	for _, opt := range opts {
		opt(v)
	}

	if v.config.RolesClaim == "" {
		v.config.RolesClaim = "realm_access.roles"
	}

	return v
}

// tokenHeader is the decoded, unverified token header.
type tokenHeader struct {
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
}

// Validate verifies the credential's signature, expiry, issuer and audience
// and returns its claims. Identical tokens validated within the cache TTL
// skip re-verification.
func (v *Validator) Validate(ctx context.Context, credential string) (*Claims, error) {
	start := v.now()

	claims, err := v.validate(ctx, credential)

	if v.metrics != nil {
		outcome := "success"
		kind := ""
		if err != nil {
			outcome = "failure"
			kind = string(KindOf(err))
		}
		v.metrics.RecordValidation(outcome, kind, v.now().Sub(start))
	}

	return claims, err
}

func (v *Validator) validate(ctx context.Context, credential string) (*Claims, error) {
	if credential == "" {
		return nil, NewError(KindMalformed, "empty credential", nil)
	}

	if claims, ok := v.cachedClaims(credential); ok {
		if v.metrics != nil {
			v.metrics.RecordCacheHit()
		}
		return claims, nil
	}
	if v.metrics != nil {
		v.metrics.RecordCacheMiss()
	}

	parts := strings.Split(credential, ".")
	if len(parts) != 3 {
		return nil, NewError(KindMalformed, "credential is not a compact JWS", nil)
	}

	header, err := decodeHeader(parts[0])
	if err != nil {
		return nil, NewError(KindMalformed, "failed to decode token header", err)
	}

	if _, ok := allowedAlgorithms[header.Algorithm]; !ok {
		return nil, NewError(KindMalformed, "unsupported signing algorithm "+header.Algorithm, nil)
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, NewError(KindMalformed, "failed to decode token payload", err)
	}

	claims, err := parseClaims(payload, v.config.RolesClaim)
	if err != nil {
		return nil, NewError(KindMalformed, "failed to parse claims", err)
	}

	// Expiry is checked before the signature: an expired token is rejected
	// as expired regardless of whether its signature would verify.
	if claims.ExpiresAt.IsZero() {
		return nil, NewError(KindMalformed, "token has no expiry", nil)
	}
	if v.now().After(claims.ExpiresAt.Add(v.config.ClockSkew)) {
		return nil, NewError(KindExpired, "token expired at "+claims.ExpiresAt.Format(time.RFC3339), nil)
	}

	key, err := v.keySet.Key(ctx, header.KeyID)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, NewError(KindBadSignature, "no signing key for kid "+header.KeyID, err)
		}
		var authErr *Error
		if errors.As(err, &authErr) {
			return nil, err
		}
		return nil, NewError(KindProviderUnavailable, "signing key lookup aborted", err)
	}

	if _, err := jws.Verify(
		[]byte(credential),
		jws.WithKey(jwa.SignatureAlgorithm(header.Algorithm), key),
	); err != nil {
		return nil, NewError(KindBadSignature, "signature verification failed", err)
	}

	if claims.Issuer != v.config.Issuer {
		return nil, NewError(KindWrongIssuer, "unexpected issuer "+claims.Issuer, nil)
	}

	if !claims.HasAudience(v.config.Audience) {
		return nil, NewError(KindWrongAudience, "audience does not contain "+v.config.Audience, nil)
	}

	v.storeClaims(credential, claims)

	v.logger.Debug("token validated",
		observability.String("subject", claims.Subject),
		observability.String("token_id", claims.TokenID),
	)

	return claims, nil
}

// decodeHeader decodes the unverified token header.
func decodeHeader(encoded string) (*tokenHeader, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}

	var header tokenHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, err
	}

	return &header, nil
}

// cachedClaims returns cached claims for the raw credential if still valid.
func (v *Validator) cachedClaims(credential string) (*Claims, bool) {
	v.cacheMu.RLock()
	entry, ok := v.cache[credential]
	v.cacheMu.RUnlock()

	if !ok {
		return nil, false
	}

	if v.now().After(entry.expiresAt) {
		v.cacheMu.Lock()
		delete(v.cache, credential)
		v.cacheMu.Unlock()
		return nil, false
	}

	return entry.claims, true
}

// storeClaims caches validated claims until token expiry or the cache TTL,
// whichever comes first.
func (v *Validator) storeClaims(credential string, claims *Claims) {
	if v.config.ClaimsCacheTTL <= 0 {
		return
	}

	expiresAt := v.now().Add(v.config.ClaimsCacheTTL)
	if claims.ExpiresAt.Before(expiresAt) {
		expiresAt = claims.ExpiresAt
	}
	if !v.now().Before(expiresAt) {
		return
	}

	v.cacheMu.Lock()
	v.cache[credential] = cacheEntry{claims: claims, expiresAt: expiresAt}
	v.cacheMu.Unlock()
}

// Sweep removes expired cache entries. Called periodically by the gateway.
func (v *Validator) Sweep() {
	now := v.now()

	v.cacheMu.Lock()
	defer v.cacheMu.Unlock()

	for credential, entry := range v.cache {
		if now.After(entry.expiresAt) {
			delete(v.cache, credential)
		}
	}
}

// CacheSize returns the number of cached tokens.
func (v *Validator) CacheSize() int {
	v.cacheMu.RLock()
	defer v.cacheMu.RUnlock()
	return len(v.cache)
}

// Shutdown clears process-wide validation state.
func (v *Validator) Shutdown() {
	v.cacheMu.Lock()
	v.cache = make(map[string]cacheEntry)
	v.cacheMu.Unlock()

	v.keySet.Clear()
}
