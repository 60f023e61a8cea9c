package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, parses and validates the configuration file. A configuration
// that fails validation is a startup error; the process must not serve
// traffic with it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse parses and validates raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)

	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides for values that
// commonly differ between deployments.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GATEWAY_LISTEN_ADDRESS"); v != "" {
		c.Server.ListenAddress = v
	}
	if v := os.Getenv("GATEWAY_REDIS_ADDRESS"); v != "" {
		c.RateLimit.Redis.Address = v
	}
	if v := os.Getenv("GATEWAY_REDIS_PASSWORD"); v != "" {
		c.RateLimit.Redis.Password = v
	}
	if v := os.Getenv("GATEWAY_JWKS_URL"); v != "" {
		c.Auth.JWKSURL = v
	}
	if v := os.Getenv("GATEWAY_ISSUER"); v != "" {
		c.Auth.Issuer = v
	}
}

// Validate checks the configuration for errors that make it unusable.
func (c *Config) Validate() error {
	if len(c.Routes) == 0 {
		return fmt.Errorf("config: at least one route is required")
	}

	names := make(map[string]struct{}, len(c.Routes))
	prefixes := make(map[string]struct{}, len(c.Routes))

	for i := range c.Routes {
		route := &c.Routes[i]

		if route.Name == "" {
			return fmt.Errorf("config: route %d has no name", i)
		}
		if _, ok := names[route.Name]; ok {
			return fmt.Errorf("config: duplicate route name %q", route.Name)
		}
		names[route.Name] = struct{}{}

		if !strings.HasPrefix(route.PathPrefix, "/") {
			return fmt.Errorf("config: route %q path prefix must start with /", route.Name)
		}
		if _, ok := prefixes[route.PathPrefix]; ok {
			return fmt.Errorf("config: duplicate path prefix %q", route.PathPrefix)
		}
		prefixes[route.PathPrefix] = struct{}{}

		target, err := url.Parse(route.Backend)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return fmt.Errorf("config: route %q has invalid backend URL %q", route.Name, route.Backend)
		}
		if target.Scheme != "http" && target.Scheme != "https" {
			return fmt.Errorf("config: route %q backend scheme must be http or https", route.Name)
		}

		if route.Timeout.Duration() < 0 {
			return fmt.Errorf("config: route %q has negative timeout", route.Name)
		}
	}

	if err := c.validateAuth(); err != nil {
		return err
	}

	return c.validateRateLimit()
}

// validateAuth checks auth settings. Auth is required unless every route is
// allow-listed.
func (c *Config) validateAuth() error {
	allUnauthenticated := true
	for i := range c.Routes {
		if !c.Routes[i].AllowUnauthenticated {
			allUnauthenticated = false
			break
		}
	}
	if allUnauthenticated {
		return nil
	}

	if c.Auth.JWKSURL == "" {
		return fmt.Errorf("config: auth.jwksURL is required when authenticated routes exist")
	}
	if c.Auth.Issuer == "" {
		return fmt.Errorf("config: auth.issuer is required when authenticated routes exist")
	}
	if c.Auth.Audience == "" {
		return fmt.Errorf("config: auth.audience is required when authenticated routes exist")
	}

	return nil
}

// validateRateLimit checks limiter settings.
func (c *Config) validateRateLimit() error {
	switch c.RateLimit.Mode {
	case RateLimitModeRedis:
		if c.RateLimit.Redis.Address == "" {
			return fmt.Errorf("config: rateLimit.redis.address is required in redis mode")
		}
	case RateLimitModeLocal, RateLimitModeOff:
	default:
		return fmt.Errorf("config: unknown rate limit mode %q", c.RateLimit.Mode)
	}

	if c.RateLimit.DefaultBucket.Limit < 0 {
		return fmt.Errorf("config: rateLimit.defaultBucket.limit must not be negative")
	}

	for name, bucket := range c.RateLimit.Buckets {
		if bucket.Limit <= 0 {
			return fmt.Errorf("config: bucket %q limit must be positive", name)
		}
		if bucket.Window.Duration() <= 0 {
			return fmt.Errorf("config: bucket %q window must be positive", name)
		}
	}

	return nil
}
