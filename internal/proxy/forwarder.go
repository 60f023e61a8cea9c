// Package proxy forwards admitted requests to backend services.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/retailedge/gateway/internal/observability"
	"github.com/retailedge/gateway/internal/ratelimit"
	"github.com/retailedge/gateway/internal/retry"
	"github.com/retailedge/gateway/internal/router"
)

// hopByHopHeaders are connection-scoped and must not be relayed.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// breakerTripThreshold is the consecutive failure count that opens a
// backend's circuit.
const breakerTripThreshold = 5

// Forwarder relays requests to backends over pooled connections, with one
// circuit breaker per backend host.
type Forwarder struct {
	correlationHeader string
	policy            retry.Policy
	logger            observability.Logger
	metrics           *Metrics
	roundTripper      http.RoundTripper

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// ForwarderOption is a functional option for the forwarder.
type ForwarderOption func(*Forwarder)

// WithForwarderLogger sets the logger.
func WithForwarderLogger(logger observability.Logger) ForwarderOption {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// WithForwarderMetrics sets the metrics.
func WithForwarderMetrics(metrics *Metrics) ForwarderOption {
	return func(f *Forwarder) {
		f.metrics = metrics
	}
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(policy retry.Policy) ForwarderOption {
	return func(f *Forwarder) {
		f.policy = policy
	}
}

// WithRoundTripper replaces the transport. Used in tests.
func WithRoundTripper(rt http.RoundTripper) ForwarderOption {
	return func(f *Forwarder) {
		f.roundTripper = rt
	}
}

// NewForwarder creates a forwarder. correlationHeader is the header carrying
// the request's correlation ID to the backend and back to the client.
func NewForwarder(correlationHeader string, maxConnsPerBackend int, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		correlationHeader: correlationHeader,
		policy:            retry.DefaultPolicy(),
		logger:            observability.NopLogger(),
		breakers:          make(map[string]*gobreaker.CircuitBreaker),
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.roundTripper == nil {
		f.roundTripper = &http.Transport{
			MaxIdleConns:          256,
			MaxIdleConnsPerHost:   32,
			MaxConnsPerHost:       maxConnsPerBackend,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
			ForceAttemptHTTP2:     true,
		}
	}

	return f
}

// Forward relays the request to the route's backend and streams the response
// to the client. The returned error is non-nil only when no response was
// written; a relay failure mid-body is logged but cannot change the status
// already sent.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, route *router.Route, correlationID string) error {
	ctx, cancel := context.WithTimeout(r.Context(), route.Timeout)
	defer cancel()

	outbound, err := f.buildRequest(ctx, r, route, correlationID)
	if err != nil {
		return &Error{Kind: KindUpstreamBadResponse, Backend: route.Backend.Host, Cause: err}
	}

	resp, err := f.roundTrip(ctx, outbound, route)
	if err != nil {
		kind := KindOf(err)
		if f.metrics != nil {
			f.metrics.RecordFailure(route.Name, string(kind))
		}
		return err
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set(f.correlationHeader, correlationID)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		f.logger.Warn("response relay interrupted",
			observability.String("route", route.Name),
			observability.Error(err),
		)
	}

	return nil
}

// roundTrip issues the request through the backend's circuit breaker,
// retrying connection-level failures per policy.
func (f *Forwarder) roundTrip(ctx context.Context, req *http.Request, route *router.Route) (*http.Response, error) {
	breaker := f.breaker(route.Backend.Host)

	var lastErr error
	for attempt := 0; ; attempt++ {
		start := time.Now()

		result, err := breaker.Execute(func() (interface{}, error) {
			return f.roundTripper.RoundTrip(req.Clone(ctx))
		})

		if f.metrics != nil {
			f.metrics.RecordUpstream(route.Name, time.Since(start))
		}

		if err == nil {
			return result.(*http.Response), nil
		}

		kind := classify(err)
		lastErr = &Error{Kind: kind, Backend: route.Backend.Host, Cause: err}

		// Only connection-level failures are replayable. A timeout means
		// the budget is spent; a bad response means bytes arrived.
		if kind != KindUpstreamUnreachable || !f.policy.ShouldRetry(req.Method, attempt) {
			return nil, lastErr
		}

		if f.metrics != nil {
			f.metrics.RecordRetry(route.Name)
		}
		f.logger.Warn("retrying upstream request",
			observability.String("route", route.Name),
			observability.Int("attempt", attempt+1),
			observability.Error(err),
		)

		select {
		case <-time.After(f.policy.Backoff(attempt)):
		case <-ctx.Done():
			return nil, &Error{Kind: KindUpstreamTimeout, Backend: route.Backend.Host, Cause: ctx.Err()}
		}
	}
}

// buildRequest constructs the outbound request: backend URL with the original
// path and query, hop-by-hop headers stripped, forwarding headers and the
// correlation ID set.
func (f *Forwarder) buildRequest(ctx context.Context, r *http.Request, route *router.Route, correlationID string) (*http.Request, error) {
	target := *r.URL
	target.Scheme = route.Backend.Scheme
	target.Host = route.Backend.Host

	outbound, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		return nil, err
	}
	outbound.ContentLength = r.ContentLength

	copyHeaders(outbound.Header, r.Header)

	clientIP := ratelimit.ClientIP(r)
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		outbound.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		outbound.Header.Set("X-Forwarded-For", clientIP)
	}
	outbound.Header.Set("X-Forwarded-Host", r.Host)
	outbound.Header.Set("X-Forwarded-Proto", forwardedProto(r))

	// The gateway's correlation ID always wins over whatever the client
	// sent on this header.
	outbound.Header.Set(f.correlationHeader, correlationID)

	observability.InjectTraceContext(ctx, outbound)

	return outbound, nil
}

// breaker returns the circuit breaker for a backend host, creating it on
// first use.
func (f *Forwarder) breaker(backend string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	if b, ok := f.breakers[backend]; ok {
		return b
	}

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        backend,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("circuit breaker state change",
				observability.String("backend", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			if f.metrics != nil {
				f.metrics.RecordBreakerState(name, to == gobreaker.StateOpen)
			}
		},
	})
	f.breakers[backend] = b

	return b
}

// classify maps a transport error to a forwarding error kind.
func classify(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstreamTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindUpstreamTimeout
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return KindUpstreamUnreachable
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindUpstreamUnreachable
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindUpstreamUnreachable
	}

	return KindUpstreamBadResponse
}

// copyHeaders copies headers, skipping hop-by-hop headers and any header the
// Connection header nominates.
func copyHeaders(dst, src http.Header) {
	dropped := map[string]bool{}
	for _, h := range hopByHopHeaders {
		dropped[h] = true
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			dropped[http.CanonicalHeaderKey(strings.TrimSpace(name))] = true
		}
	}

	for name, values := range src {
		if dropped[name] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// forwardedProto reports the scheme the client used.
func forwardedProto(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// CloseIdleConnections releases pooled connections at shutdown.
func (f *Forwarder) CloseIdleConnections() {
	if t, ok := f.roundTripper.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}
