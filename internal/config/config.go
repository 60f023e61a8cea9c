// Package config provides configuration loading and validation for the gateway.
package config

import (
	"time"
)

// Config is the root gateway configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rateLimit"`
	Correlation   CorrelationConfig   `yaml:"correlation"`
	Observability ObservabilityConfig `yaml:"observability"`
	Routes        []RouteConfig       `yaml:"routes"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	// ListenAddress is the address the proxy listener binds to.
	ListenAddress string `yaml:"listenAddress"`

	// AdminAddress is the address serving /metrics and /health endpoints.
	AdminAddress string `yaml:"adminAddress"`

	ReadTimeout     Duration `yaml:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout"`
	IdleTimeout     Duration `yaml:"idleTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// AuthConfig holds token validation settings.
type AuthConfig struct {
	// Issuer is the expected "iss" claim value.
	Issuer string `yaml:"issuer"`

	// Audience is the value the "aud" claim must contain.
	Audience string `yaml:"audience"`

	// JWKSURL is the identity provider's signing key publication endpoint.
	JWKSURL string `yaml:"jwksURL"`

	// ClockSkew is the tolerance applied to exp/nbf checks.
	ClockSkew Duration `yaml:"clockSkew"`

	// ClaimsCacheTTL bounds how long a validated token is cached locally.
	// Entries expire at token expiry or this TTL, whichever is sooner.
	ClaimsCacheTTL Duration `yaml:"claimsCacheTTL"`

	// RolesClaim is the claim holding the caller's roles, dot notation for
	// nested claims (Keycloak publishes realm_access.roles).
	RolesClaim string `yaml:"rolesClaim"`

	// JWKSMinRefreshInterval throttles miss-triggered key refreshes.
	JWKSMinRefreshInterval Duration `yaml:"jwksMinRefreshInterval"`
}

// RateLimitMode selects the limiter backend.
type RateLimitMode string

const (
	// RateLimitModeRedis uses the shared Redis counter store.
	RateLimitModeRedis RateLimitMode = "redis"

	// RateLimitModeLocal uses an in-process limiter (single instance only).
	RateLimitModeLocal RateLimitMode = "local"

	// RateLimitModeOff disables rate limiting.
	RateLimitModeOff RateLimitMode = "off"
)

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Mode RateLimitMode `yaml:"mode"`

	// FailOpen selects the policy when the counter store is unreachable:
	// true admits traffic unlimited, false rejects everything.
	FailOpen bool `yaml:"failOpen"`

	// DefaultBucket applies to routes without an explicit bucket.
	DefaultBucket BucketConfig `yaml:"defaultBucket"`

	// Buckets holds named per-route-group limits.
	Buckets map[string]BucketConfig `yaml:"buckets"`

	Redis RedisConfig `yaml:"redis"`
}

// BucketConfig is a fixed-window limit for one logical bucket.
type BucketConfig struct {
	Limit  int      `yaml:"limit"`
	Window Duration `yaml:"window"`
}

// RedisConfig holds connection settings for the shared counter store.
type RedisConfig struct {
	Address      string   `yaml:"address"`
	Password     string   `yaml:"password"`
	DB           int      `yaml:"db"`
	KeyPrefix    string   `yaml:"keyPrefix"`
	PoolSize     int      `yaml:"poolSize"`
	DialTimeout  Duration `yaml:"dialTimeout"`
	ReadTimeout  Duration `yaml:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout"`
}

// CorrelationConfig holds correlation ID settings.
type CorrelationConfig struct {
	// Header carries the inbound/outbound correlation ID.
	Header string `yaml:"header"`

	// MaxLength bounds accepted inbound IDs; longer values are replaced.
	MaxLength int `yaml:"maxLength"`
}

// ObservabilityConfig holds logging, metrics and tracing settings.
type ObservabilityConfig struct {
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds the metrics endpoint settings.
type MetricsConfig struct {
	Path string `yaml:"path"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// RouteConfig describes one proxied route.
type RouteConfig struct {
	// Name identifies the route in logs and metrics.
	Name string `yaml:"name"`

	// PathPrefix is matched longest-prefix-first against request paths.
	PathPrefix string `yaml:"pathPrefix"`

	// Backend is the base URL requests are forwarded to.
	Backend string `yaml:"backend"`

	// Timeout bounds a single forwarded request.
	Timeout Duration `yaml:"timeout"`

	// AllowUnauthenticated skips token validation; rate limiting then keys
	// on the client IP.
	AllowUnauthenticated bool `yaml:"allowUnauthenticated"`

	// RequiredRoles must all be absent or at least one present in the
	// caller's roles claim; missing roles yield 403.
	RequiredRoles []string `yaml:"requiredRoles"`

	// RateLimitBucket names the bucket in rateLimit.buckets; empty uses
	// the route name with the default bucket limits.
	RateLimitBucket string `yaml:"rateLimitBucket"`

	// MaxConnections bounds concurrent connections to this backend.
	MaxConnections int `yaml:"maxConnections"`
}

// Default configuration values.
const (
	DefaultListenAddress   = ":8080"
	DefaultAdminAddress    = ":9090"
	DefaultMetricsPath     = "/metrics"
	DefaultCorrelationHdr  = "X-Request-ID"
	DefaultCorrelationLen  = 64
	DefaultClockSkew       = 30 * time.Second
	DefaultClaimsCacheTTL  = time.Minute
	DefaultMinRefresh      = 15 * time.Second
	DefaultWindow          = time.Minute
	DefaultLimit           = 100
	DefaultRouteTimeout    = 15 * time.Second
	DefaultShutdownTimeout = 20 * time.Second
	DefaultMaxConnections  = 128
)

// applyDefaults fills unset fields with defaults.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = DefaultListenAddress
	}
	if c.Server.AdminAddress == "" {
		c.Server.AdminAddress = DefaultAdminAddress
	}
	if c.Server.ShutdownTimeout.IsZero() {
		c.Server.ShutdownTimeout = NewDuration(DefaultShutdownTimeout)
	}
	if c.Auth.ClockSkew.IsZero() {
		c.Auth.ClockSkew = NewDuration(DefaultClockSkew)
	}
	if c.Auth.ClaimsCacheTTL.IsZero() {
		c.Auth.ClaimsCacheTTL = NewDuration(DefaultClaimsCacheTTL)
	}
	if c.Auth.JWKSMinRefreshInterval.IsZero() {
		c.Auth.JWKSMinRefreshInterval = NewDuration(DefaultMinRefresh)
	}
	if c.Auth.RolesClaim == "" {
		c.Auth.RolesClaim = "realm_access.roles"
	}
	if c.RateLimit.Mode == "" {
		c.RateLimit.Mode = RateLimitModeRedis
	}
	if c.RateLimit.DefaultBucket.Limit == 0 {
		c.RateLimit.DefaultBucket.Limit = DefaultLimit
	}
	if c.RateLimit.DefaultBucket.Window.IsZero() {
		c.RateLimit.DefaultBucket.Window = NewDuration(DefaultWindow)
	}
	if c.Correlation.Header == "" {
		c.Correlation.Header = DefaultCorrelationHdr
	}
	if c.Correlation.MaxLength == 0 {
		c.Correlation.MaxLength = DefaultCorrelationLen
	}
	if c.Observability.Log.Level == "" {
		c.Observability.Log.Level = "info"
	}
	if c.Observability.Log.Format == "" {
		c.Observability.Log.Format = "json"
	}
	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = DefaultMetricsPath
	}

	for i := range c.Routes {
		if c.Routes[i].Timeout.IsZero() {
			c.Routes[i].Timeout = NewDuration(DefaultRouteTimeout)
		}
		if c.Routes[i].MaxConnections == 0 {
			c.Routes[i].MaxConnections = DefaultMaxConnections
		}
	}
}

// Bucket resolves the bucket limits for a route.
func (c *RateLimitConfig) Bucket(name string) BucketConfig {
	if b, ok := c.Buckets[name]; ok {
		return b
	}
	return c.DefaultBucket
}
