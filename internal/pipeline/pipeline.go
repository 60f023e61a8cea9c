package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/retailedge/gateway/internal/auth"
	"github.com/retailedge/gateway/internal/observability"
	"github.com/retailedge/gateway/internal/proxy"
	"github.com/retailedge/gateway/internal/ratelimit"
	"github.com/retailedge/gateway/internal/router"
	"github.com/retailedge/gateway/internal/util"
)

// TokenValidator validates bearer credentials.
type TokenValidator interface {
	Validate(ctx context.Context, credential string) (*auth.Claims, error)
}

// Forwarder relays an admitted request to its backend.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, route *router.Route, correlationID string) error
}

// Request outcomes used in logs and metrics.
const (
	outcomeOK                   = "ok"
	outcomeRouteNotFound        = "route_not_found"
	outcomeUnauthorized         = "unauthorized"
	outcomeForbidden            = "forbidden"
	outcomeAuthUnavailable      = "auth_unavailable"
	outcomeRateLimited          = "rate_limited"
	outcomeRateLimitUnavailable = "ratelimit_unavailable"
	outcomeUpstreamError        = "upstream_error"
)

// Config holds pipeline settings.
type Config struct {
	// CorrelationHeader carries the correlation ID in and out.
	CorrelationHeader string

	// CorrelationMaxLength bounds reusable inbound IDs.
	CorrelationMaxLength int

	// FailOpen admits traffic when the rate limit store is unreachable;
	// otherwise such requests are rejected.
	FailOpen bool
}

// Pipeline is the gateway's request handler. Each request moves through
// correlation assignment, authentication, rate limiting and forwarding;
// the first stage that rejects it terminates the pipeline.
type Pipeline struct {
	config    Config
	routes    *router.Holder
	validator TokenValidator
	limiter   ratelimit.Limiter
	forwarder Forwarder
	logger    observability.Logger
	metrics   *Metrics
	now       func() time.Time
}

// Option is a functional option for the pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = metrics
	}
}

// WithLimiter sets the rate limiter. Without one, rate limiting is skipped.
func WithLimiter(limiter ratelimit.Limiter) Option {
	return func(p *Pipeline) {
		p.limiter = limiter
	}
}

// withClock overrides the time source in tests.
func withClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// New creates a pipeline.
func New(config Config, routes *router.Holder, validator TokenValidator, forwarder Forwarder, opts ...Option) *Pipeline {
	p := &Pipeline{
		config:    config,
		routes:    routes,
		validator: validator,
		forwarder: forwarder,
		logger:    observability.NopLogger(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// ServeHTTP implements http.Handler.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := p.now()
	req := NewRequest(start)

	if p.metrics != nil {
		defer p.metrics.TrackInFlight()()
	}

	// Correlation assignment happens before anything can fail, so every
	// response and log line carries an ID.
	id, reused := correlationID(r.Header.Get(p.config.CorrelationHeader), p.config.CorrelationMaxLength)
	req.CorrelationID = id
	req.ClientIP = ratelimit.ClientIP(r)
	if p.metrics != nil {
		p.metrics.RecordCorrelation(reused)
	}

	ctx := util.ContextWithCorrelationID(r.Context(), id)
	ctx = util.ContextWithStartTime(ctx, start)
	ctx = util.ContextWithClientIP(ctx, req.ClientIP)
	r = r.WithContext(ctx)

	w.Header().Set(p.config.CorrelationHeader, id)
	_ = req.Advance(StateCorrelationAssigned)

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	outcome := p.run(rec, r, req)

	p.finish(req, r, outcome, rec.status)
}

// run executes the pipeline stages and returns the request outcome.
func (p *Pipeline) run(w *statusRecorder, r *http.Request, req *Request) string {
	// The route is resolved up front: authentication needs its allow-list
	// flag and rate limiting needs its bucket. The Routing state below
	// marks the commitment to the backend.
	route, err := p.routes.Load().Match(r.URL.Path)
	if err != nil {
		req.FailAt(StateRouting)
		p.writeError(w, req, http.StatusNotFound, "route_not_found", "no route matches the request path")
		return outcomeRouteNotFound
	}
	req.Route = route

	ctx := util.ContextWithRoute(r.Context(), route.Name)
	ctx = util.ContextWithBackend(ctx, route.Backend.Host)
	r = r.WithContext(ctx)

	if !route.AllowUnauthenticated {
		_ = req.Advance(StateAuthenticating)
		if outcome := p.authenticate(w, r, req); outcome != "" {
			return outcome
		}
		_ = req.Advance(StateAuthenticated)
	}

	_ = req.Advance(StateRateChecking)
	if outcome := p.checkRate(w, r, req); outcome != "" {
		return outcome
	}
	_ = req.Advance(StateRateAllowed)

	_ = req.Advance(StateRouting)
	_ = req.Advance(StateForwarding)

	if err := p.forwarder.Forward(w, r, route, req.CorrelationID); err != nil {
		kind := proxy.KindOf(err)
		req.Fail()
		p.logger.Error("upstream request failed",
			observability.String("correlation_id", req.CorrelationID),
			observability.String("route", route.Name),
			observability.String("kind", string(kind)),
			observability.Error(err),
		)
		p.writeError(w, req, proxy.HTTPStatus(kind), string(kind), "backend request failed")
		return outcomeUpstreamError
	}

	_ = req.Advance(StateCompleted)
	return outcomeOK
}

// authenticate validates the bearer credential. A non-empty return is the
// terminal outcome.
func (p *Pipeline) authenticate(w *statusRecorder, r *http.Request, req *Request) string {
	credential, err := auth.ExtractBearer(r)
	if err != nil {
		req.Fail()
		w.Header().Set("WWW-Authenticate", "Bearer")
		p.writeError(w, req, http.StatusUnauthorized, string(auth.KindOf(err)), "a valid bearer credential is required")
		return outcomeUnauthorized
	}

	claims, err := p.validator.Validate(r.Context(), credential)
	if err != nil {
		kind := auth.KindOf(err)
		req.Fail()

		if !auth.IsClientError(kind) {
			p.logger.Error("identity provider unavailable",
				observability.String("correlation_id", req.CorrelationID),
				observability.Error(err),
			)
			p.writeError(w, req, auth.HTTPStatus(kind), string(kind), "token validation is temporarily unavailable")
			return outcomeAuthUnavailable
		}

		w.Header().Set("WWW-Authenticate", "Bearer")
		p.writeError(w, req, auth.HTTPStatus(kind), string(kind), "the bearer credential was rejected")
		return outcomeUnauthorized
	}
	req.Claims = claims

	if !claims.HasAnyRole(req.Route.RequiredRoles...) {
		req.Fail()
		p.writeError(w, req, http.StatusForbidden, "missing_role", "the credential lacks a required role")
		return outcomeForbidden
	}

	return ""
}

// checkRate applies the route's rate limit. A non-empty return is the
// terminal outcome.
func (p *Pipeline) checkRate(w *statusRecorder, r *http.Request, req *Request) string {
	if p.limiter == nil {
		return ""
	}

	key := ratelimit.ClientKey{
		Bucket:   req.Route.Bucket(),
		ClientID: req.ClientID(),
	}

	decision, err := p.limiter.Admit(r.Context(), key)
	if err != nil {
		if p.config.FailOpen {
			p.logger.Warn("rate limit store unavailable, admitting request",
				observability.String("correlation_id", req.CorrelationID),
				observability.String("bucket", key.Bucket),
				observability.Error(err),
			)
			return ""
		}

		req.Fail()
		p.logger.Error("rate limit store unavailable, rejecting request",
			observability.String("correlation_id", req.CorrelationID),
			observability.String("bucket", key.Bucket),
			observability.Error(err),
		)
		p.writeError(w, req, http.StatusServiceUnavailable, "ratelimit_unavailable", "rate limiting is temporarily unavailable")
		return outcomeRateLimitUnavailable
	}

	now := p.now()
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

	if !decision.Allowed {
		req.Fail()
		w.Header().Set("Retry-After", strconv.FormatInt(decision.RetryAfter(now), 10))
		p.writeError(w, req, http.StatusTooManyRequests, "rate_limit_exceeded", "the request rate limit was exceeded")
		return outcomeRateLimited
	}

	return ""
}

// finish emits the single terminal log line and metric for the request.
func (p *Pipeline) finish(req *Request, r *http.Request, outcome string, status int) {
	duration := p.now().Sub(req.StartTime)

	if p.metrics != nil {
		p.metrics.RecordRequest(req.RouteName(), outcome, strconv.Itoa(status), duration)
	}

	fields := []observability.Field{
		observability.String("correlation_id", req.CorrelationID),
		observability.String("method", r.Method),
		observability.String("path", r.URL.Path),
		observability.String("route", req.RouteName()),
		observability.String("client_ip", req.ClientIP),
		observability.String("outcome", outcome),
		observability.Int("status", status),
		observability.Duration("duration", duration),
	}
	if req.State == StateFailed {
		fields = append(fields, observability.String("failed_at", string(req.FailureStage)))
	}

	switch {
	case status >= 500:
		p.logger.Error("request failed", fields...)
	case status >= 400:
		p.logger.Warn("request rejected", fields...)
	default:
		p.logger.Info("request completed", fields...)
	}
}

// errorBody is the JSON error response envelope.
type errorBody struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
}

// writeError writes a JSON error response.
func (p *Pipeline) writeError(w http.ResponseWriter, req *Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(errorBody{
		Error:         code,
		Message:       message,
		CorrelationID: req.CorrelationID,
	})
}

// statusRecorder captures the status code written to the client.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

// WriteHeader captures the status code.
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wrote {
		sr.status = code
		sr.wrote = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write marks the response started.
func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.wrote = true
	return sr.ResponseWriter.Write(b)
}

// Flush implements http.Flusher for streaming responses.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
