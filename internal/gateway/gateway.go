// Package gateway assembles the proxy from its components and manages their
// lifecycle.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/retailedge/gateway/internal/auth"
	"github.com/retailedge/gateway/internal/config"
	"github.com/retailedge/gateway/internal/health"
	"github.com/retailedge/gateway/internal/middleware"
	"github.com/retailedge/gateway/internal/observability"
	"github.com/retailedge/gateway/internal/pipeline"
	"github.com/retailedge/gateway/internal/proxy"
	"github.com/retailedge/gateway/internal/ratelimit"
	"github.com/retailedge/gateway/internal/ratelimit/store"
	"github.com/retailedge/gateway/internal/router"
)

// sweepInterval is how often in-process caches are swept.
const sweepInterval = time.Minute

// Gateway is the assembled proxy: two listeners (traffic and admin), the
// request pipeline, and the reloadable route table.
type Gateway struct {
	logger   observability.Logger
	registry *observability.Registry
	tracer   *observability.Tracer

	routes    *router.Holder
	validator *auth.Validator
	limiter   ratelimit.Limiter
	forwarder *proxy.Forwarder

	// rateLimits holds the active bucket configuration; reload swaps it
	// together with the route table.
	rateLimits atomic.Pointer[config.RateLimitConfig]

	proxyServer *http.Server
	adminServer *http.Server

	shutdownTimeout time.Duration
	stopSweep       chan struct{}
}

// New assembles a gateway from validated configuration.
func New(cfg *config.Config, logger observability.Logger) (*Gateway, error) {
	g := &Gateway{
		logger:          logger,
		registry:        observability.NewRegistry(),
		shutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
		stopSweep:       make(chan struct{}),
	}
	g.rateLimits.Store(&cfg.RateLimit)

	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  "gateway",
		OTLPEndpoint: cfg.Observability.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Observability.Tracing.SamplingRate,
		Enabled:      cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		return nil, err
	}
	g.tracer = tracer

	table, err := router.NewTable(cfg.Routes)
	if err != nil {
		return nil, err
	}
	g.routes = router.NewHolder(table)

	authMetrics := auth.NewMetrics(g.registry)
	keySet := auth.NewKeySet(cfg.Auth.JWKSURL,
		auth.WithKeySetLogger(logger),
		auth.WithKeySetMetrics(authMetrics),
		auth.WithMinRefreshInterval(cfg.Auth.JWKSMinRefreshInterval.Duration()),
	)
	g.validator = auth.NewValidator(auth.Config{
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		ClockSkew:      cfg.Auth.ClockSkew.Duration(),
		ClaimsCacheTTL: cfg.Auth.ClaimsCacheTTL.Duration(),
		RolesClaim:     cfg.Auth.RolesClaim,
	}, keySet,
		auth.WithValidatorLogger(logger),
		auth.WithValidatorMetrics(authMetrics),
	)

	if err := g.buildLimiter(cfg); err != nil {
		return nil, err
	}

	g.forwarder = proxy.NewForwarder(
		cfg.Correlation.Header,
		maxBackendConnections(cfg.Routes),
		proxy.WithForwarderLogger(logger),
		proxy.WithForwarderMetrics(proxy.NewMetrics(g.registry)),
	)

	pipe := pipeline.New(pipeline.Config{
		CorrelationHeader:    cfg.Correlation.Header,
		CorrelationMaxLength: cfg.Correlation.MaxLength,
		FailOpen:             cfg.RateLimit.FailOpen,
	}, g.routes, g.validator, g.forwarder,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(pipeline.NewMetrics(g.registry)),
		pipeline.WithLimiter(g.limiter),
	)

	var handler http.Handler = pipe
	if cfg.Observability.Tracing.Enabled {
		handler = observability.TracingMiddleware(tracer)(handler)
	}
	handler = middleware.Recovery(logger)(handler)

	g.proxyServer = &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration(),
		WriteTimeout: cfg.Server.WriteTimeout.Duration(),
		IdleTimeout:  cfg.Server.IdleTimeout.Duration(),
	}
	g.adminServer = &http.Server{
		Addr:    cfg.Server.AdminAddress,
		Handler: g.adminHandler(cfg.Observability.Metrics.Path),
	}

	return g, nil
}

// buildLimiter creates the limiter for the configured mode.
func (g *Gateway) buildLimiter(cfg *config.Config) error {
	resolve := func(name string) ratelimit.Bucket {
		bucket := g.rateLimits.Load().Bucket(name)
		return ratelimit.Bucket{
			Limit:  int64(bucket.Limit),
			Window: bucket.Window.Duration(),
		}
	}

	metrics := ratelimit.NewMetrics(g.registry)

	switch cfg.RateLimit.Mode {
	case config.RateLimitModeRedis:
		st := store.NewRedisStore(store.RedisConfig{
			Address:      cfg.RateLimit.Redis.Address,
			Password:     cfg.RateLimit.Redis.Password,
			DB:           cfg.RateLimit.Redis.DB,
			PoolSize:     cfg.RateLimit.Redis.PoolSize,
			DialTimeout:  cfg.RateLimit.Redis.DialTimeout.Duration(),
			ReadTimeout:  cfg.RateLimit.Redis.ReadTimeout.Duration(),
			WriteTimeout: cfg.RateLimit.Redis.WriteTimeout.Duration(),
		})
		opts := []ratelimit.FixedWindowOption{
			ratelimit.WithLimiterLogger(g.logger),
			ratelimit.WithLimiterMetrics(metrics),
		}
		if cfg.RateLimit.Redis.KeyPrefix != "" {
			opts = append(opts, ratelimit.WithKeyPrefix(cfg.RateLimit.Redis.KeyPrefix))
		}
		g.limiter = ratelimit.NewFixedWindow(st, resolve, opts...)
	case config.RateLimitModeLocal:
		g.limiter = ratelimit.NewLocal(resolve, metrics)
	case config.RateLimitModeOff:
		g.limiter = nil
	default:
		return errors.New("gateway: unknown rate limit mode " + string(cfg.RateLimit.Mode))
	}

	return nil
}

// adminHandler serves metrics and health endpoints.
func (g *Gateway) adminHandler(metricsPath string) http.Handler {
	checks := map[string]health.Check{}
	if g.limiter != nil {
		checks["ratelimit_store"] = g.limiter.Ready
	}
	h := health.NewHandler(checks)

	mux := http.NewServeMux()
	mux.Handle(metricsPath, g.registry.Handler())
	mux.HandleFunc("/health/live", h.Live)
	mux.HandleFunc("/health/ready", h.Ready)
	return mux
}

// Run serves traffic until the context is cancelled or a listener fails,
// then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("proxy listener starting",
			observability.String("address", g.proxyServer.Addr))
		if err := g.proxyServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		g.logger.Info("admin listener starting",
			observability.String("address", g.adminServer.Addr))
		if err := g.adminServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go g.sweepLoop()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		g.logger.Error("listener failed", observability.Error(runErr))
	}

	g.shutdown()
	return runErr
}

// Reload applies a freshly loaded configuration. Only the route table and
// rate limit buckets change at runtime; listener and store settings require
// a restart.
func (g *Gateway) Reload(cfg *config.Config) error {
	table, err := router.NewTable(cfg.Routes)
	if err != nil {
		return err
	}

	g.routes.Swap(table)
	g.rateLimits.Store(&cfg.RateLimit)

	g.logger.Info("configuration reloaded",
		observability.Int("routes", len(cfg.Routes)))
	return nil
}

// sweepLoop periodically evicts expired cache entries.
func (g *Gateway) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.validator.Sweep()
			if local, ok := g.limiter.(*ratelimit.Local); ok {
				local.Sweep()
			}
		case <-g.stopSweep:
			return
		}
	}
}

// shutdown drains both listeners and releases resources.
func (g *Gateway) shutdown() {
	g.logger.Info("shutting down")
	close(g.stopSweep)

	ctx, cancel := context.WithTimeout(context.Background(), g.shutdownTimeout)
	defer cancel()

	if err := g.proxyServer.Shutdown(ctx); err != nil {
		g.logger.Warn("proxy listener shutdown incomplete", observability.Error(err))
	}
	if err := g.adminServer.Shutdown(ctx); err != nil {
		g.logger.Warn("admin listener shutdown incomplete", observability.Error(err))
	}

	if g.limiter != nil {
		if err := g.limiter.Close(); err != nil {
			g.logger.Warn("limiter close failed", observability.Error(err))
		}
	}
	g.forwarder.CloseIdleConnections()
	g.validator.Shutdown()

	if err := g.tracer.Shutdown(ctx); err != nil {
		g.logger.Warn("tracer shutdown failed", observability.Error(err))
	}

	_ = g.logger.Sync()
}

// maxBackendConnections returns the largest per-route connection cap, which
// bounds the shared transport's per-host pool.
func maxBackendConnections(routes []config.RouteConfig) int {
	max := config.DefaultMaxConnections
	for _, r := range routes {
		if r.MaxConnections > max {
			max = r.MaxConnections
		}
	}
	return max
}
