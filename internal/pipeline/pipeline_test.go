package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailedge/gateway/internal/auth"
	"github.com/retailedge/gateway/internal/config"
	"github.com/retailedge/gateway/internal/ratelimit"
	"github.com/retailedge/gateway/internal/router"
)

// stubValidator returns fixed claims or a fixed error.
type stubValidator struct {
	claims *auth.Claims
	err    error
	calls  int
}

func (s *stubValidator) Validate(context.Context, string) (*auth.Claims, error) {
	s.calls++
	return s.claims, s.err
}

// stubLimiter returns a fixed decision or error.
type stubLimiter struct {
	decision *ratelimit.Decision
	err      error
	lastKey  ratelimit.ClientKey
}

func (s *stubLimiter) Admit(_ context.Context, key ratelimit.ClientKey) (*ratelimit.Decision, error) {
	s.lastKey = key
	return s.decision, s.err
}

func (s *stubLimiter) Ready(context.Context) error { return nil }
func (s *stubLimiter) Close() error                { return nil }

// stubForwarder writes a canned backend response.
type stubForwarder struct {
	err   error
	calls int
}

func (s *stubForwarder) Forward(w http.ResponseWriter, _ *http.Request, _ *router.Route, correlationID string) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	w.Header().Set("X-Request-ID", correlationID)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "backend response")
	return nil
}

func testRoutes(t *testing.T) *router.Holder {
	t.Helper()

	table, err := router.NewTable([]config.RouteConfig{
		{
			Name:       "products",
			PathPrefix: "/api/products",
			Backend:    "http://product-service:8000",
			Timeout:    config.NewDuration(5 * time.Second),
		},
		{
			Name:                 "catalog",
			PathPrefix:           "/api/catalog",
			Backend:              "http://product-service:8000",
			Timeout:              config.NewDuration(5 * time.Second),
			AllowUnauthenticated: true,
		},
		{
			Name:          "inventory",
			PathPrefix:    "/api/inventory",
			Backend:       "http://inventory-service:8000",
			Timeout:       config.NewDuration(5 * time.Second),
			RequiredRoles: []string{"inventory-admin"},
		},
	})
	require.NoError(t, err)

	return router.NewHolder(table)
}

func allowAll() *stubLimiter {
	return &stubLimiter{decision: &ratelimit.Decision{
		Allowed:   true,
		Limit:     100,
		Remaining: 99,
		ResetAt:   time.Now().Add(time.Minute),
	}}
}

func validClaims() *auth.Claims {
	return &auth.Claims{
		Subject:   "user-42",
		ExpiresAt: time.Now().Add(time.Hour),
		Roles:     []string{"shopper"},
	}
}

func newTestPipeline(validator TokenValidator, limiter ratelimit.Limiter, forwarder Forwarder, routes *router.Holder, failOpen bool) *Pipeline {
	return New(Config{
		CorrelationHeader:    "X-Request-ID",
		CorrelationMaxLength: 64,
		FailOpen:             failOpen,
	}, routes, validator, forwarder, WithLimiter(limiter))
}

func doRequest(p *Pipeline, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	p.ServeHTTP(w, r)
	return w
}

func TestPipelineForwardsAuthenticatedRequest(t *testing.T) {
	validator := &stubValidator{claims: validClaims()}
	limiter := allowAll()
	forwarder := &stubForwarder{}
	p := newTestPipeline(validator, limiter, forwarder, testRoutes(t), false)

	w := doRequest(p, http.MethodGet, "/api/products/42", map[string]string{
		"Authorization": "Bearer token",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "backend response", w.Body.String())
	assert.Equal(t, 1, forwarder.calls)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "100", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", w.Header().Get("X-RateLimit-Remaining"))

	// Authenticated requests are limited per subject, not per IP.
	assert.Equal(t, "user-42", limiter.lastKey.ClientID)
	assert.Equal(t, "products", limiter.lastKey.Bucket)
}

func TestPipelineReusesValidCorrelationID(t *testing.T) {
	p := newTestPipeline(&stubValidator{claims: validClaims()}, allowAll(), &stubForwarder{}, testRoutes(t), false)

	w := doRequest(p, http.MethodGet, "/api/products", map[string]string{
		"Authorization": "Bearer token",
		"X-Request-ID":  "trace-abc-123",
	})

	assert.Equal(t, "trace-abc-123", w.Header().Get("X-Request-ID"))
}

func TestPipelineReplacesInvalidCorrelationID(t *testing.T) {
	p := newTestPipeline(&stubValidator{claims: validClaims()}, allowAll(), &stubForwarder{}, testRoutes(t), false)

	tests := []struct {
		name    string
		inbound string
	}{
		{name: "injection attempt", inbound: "abc\ndef"},
		{name: "too long", inbound: strings.Repeat("a", 100)},
		{name: "forbidden characters", inbound: "id with spaces"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(p, http.MethodGet, "/api/products", map[string]string{
				"Authorization": "Bearer token",
				"X-Request-ID":  tt.inbound,
			})

			got := w.Header().Get("X-Request-ID")
			assert.NotEmpty(t, got)
			assert.NotEqual(t, tt.inbound, got)
		})
	}
}

func TestPipelineRejectsMissingCredential(t *testing.T) {
	validator := &stubValidator{claims: validClaims()}
	p := newTestPipeline(validator, allowAll(), &stubForwarder{}, testRoutes(t), false)

	w := doRequest(p, http.MethodGet, "/api/products", nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
	assert.Zero(t, validator.calls)
	assert.Contains(t, w.Body.String(), "correlationId")
}

func TestPipelineRejectsInvalidToken(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			name:       "expired",
			err:        auth.NewError(auth.KindExpired, "expired", nil),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "bad signature",
			err:        auth.NewError(auth.KindBadSignature, "bad signature", nil),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong audience",
			err:        auth.NewError(auth.KindWrongAudience, "wrong audience", nil),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "provider unavailable",
			err:        auth.NewError(auth.KindProviderUnavailable, "jwks down", nil),
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forwarder := &stubForwarder{}
			p := newTestPipeline(&stubValidator{err: tt.err}, allowAll(), forwarder, testRoutes(t), false)

			w := doRequest(p, http.MethodGet, "/api/products", map[string]string{
				"Authorization": "Bearer token",
			})

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Zero(t, forwarder.calls)
		})
	}
}

func TestPipelineSkipsAuthForAllowListedRoute(t *testing.T) {
	validator := &stubValidator{err: auth.NewError(auth.KindMalformed, "should not be called", nil)}
	limiter := allowAll()
	p := newTestPipeline(validator, limiter, &stubForwarder{}, testRoutes(t), false)

	r := httptest.NewRequest(http.MethodGet, "/api/catalog", nil)
	r.RemoteAddr = "192.0.2.10:1234"
	w := httptest.NewRecorder()
	p.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, validator.calls)

	// Unauthenticated requests are limited per client IP.
	assert.Equal(t, "192.0.2.10", limiter.lastKey.ClientID)
}

func TestPipelineEnforcesRequiredRoles(t *testing.T) {
	p := newTestPipeline(&stubValidator{claims: validClaims()}, allowAll(), &stubForwarder{}, testRoutes(t), false)

	w := doRequest(p, http.MethodGet, "/api/inventory", map[string]string{
		"Authorization": "Bearer token",
	})

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPipelineAllowsMatchingRole(t *testing.T) {
	claims := validClaims()
	claims.Roles = []string{"inventory-admin"}
	p := newTestPipeline(&stubValidator{claims: claims}, allowAll(), &stubForwarder{}, testRoutes(t), false)

	w := doRequest(p, http.MethodGet, "/api/inventory", map[string]string{
		"Authorization": "Bearer token",
	})

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPipelineRateLimited(t *testing.T) {
	limiter := &stubLimiter{decision: &ratelimit.Decision{
		Allowed:   false,
		Limit:     100,
		Remaining: 0,
		ResetAt:   time.Now().Add(30 * time.Second),
	}}
	forwarder := &stubForwarder{}
	p := newTestPipeline(&stubValidator{claims: validClaims()}, limiter, forwarder, testRoutes(t), false)

	w := doRequest(p, http.MethodGet, "/api/products", map[string]string{
		"Authorization": "Bearer token",
	})

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Zero(t, forwarder.calls)
}

func TestPipelineFailOpenOnStoreFailure(t *testing.T) {
	limiter := &stubLimiter{err: ratelimit.NewError(ratelimit.KindStoreUnavailable, "down", nil)}
	forwarder := &stubForwarder{}
	p := newTestPipeline(&stubValidator{claims: validClaims()}, limiter, forwarder, testRoutes(t), true)

	w := doRequest(p, http.MethodGet, "/api/products", map[string]string{
		"Authorization": "Bearer token",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, forwarder.calls)
}

func TestPipelineFailClosedOnStoreFailure(t *testing.T) {
	limiter := &stubLimiter{err: ratelimit.NewError(ratelimit.KindStoreUnavailable, "down", nil)}
	forwarder := &stubForwarder{}
	p := newTestPipeline(&stubValidator{claims: validClaims()}, limiter, forwarder, testRoutes(t), false)

	w := doRequest(p, http.MethodGet, "/api/products", map[string]string{
		"Authorization": "Bearer token",
	})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Zero(t, forwarder.calls)
}

func TestPipelineSkipsRateLimitWithoutLimiter(t *testing.T) {
	forwarder := &stubForwarder{}
	p := newTestPipeline(&stubValidator{claims: validClaims()}, nil, forwarder, testRoutes(t), false)

	w := doRequest(p, http.MethodGet, "/api/products", map[string]string{
		"Authorization": "Bearer token",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestPipelineRouteNotFound(t *testing.T) {
	p := newTestPipeline(&stubValidator{claims: validClaims()}, allowAll(), &stubForwarder{}, testRoutes(t), false)

	w := doRequest(p, http.MethodGet, "/unknown", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestPipelineUpstreamFailure(t *testing.T) {
	forwarder := &stubForwarder{err: errors.New("dial tcp: connection refused")}
	p := newTestPipeline(&stubValidator{claims: validClaims()}, allowAll(), forwarder, testRoutes(t), false)

	w := doRequest(p, http.MethodGet, "/api/products", map[string]string{
		"Authorization": "Bearer token",
	})

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "correlationId")
}
