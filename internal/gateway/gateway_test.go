package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailedge/gateway/internal/config"
	"github.com/retailedge/gateway/internal/observability"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Parse([]byte(`
rateLimit:
  mode: local
auth:
  issuer: "https://idp.example.com/realms/retail"
  audience: "retail-api"
  jwksURL: "https://idp.example.com/certs"
routes:
  - name: products
    pathPrefix: /api/products
    backend: "http://product-service:8000"
`))
	require.NoError(t, err)

	return cfg
}

func TestNewAssemblesGateway(t *testing.T) {
	g, err := New(testConfig(t), observability.NopLogger())
	require.NoError(t, err)

	assert.NotNil(t, g.routes)
	assert.NotNil(t, g.validator)
	assert.NotNil(t, g.limiter)
	assert.NotNil(t, g.forwarder)

	_, err = g.routes.Load().Match("/api/products/42")
	assert.NoError(t, err)
}

func TestNewWithRateLimitingOff(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.Mode = config.RateLimitModeOff

	g, err := New(cfg, observability.NopLogger())
	require.NoError(t, err)
	assert.Nil(t, g.limiter)
}

func TestReloadSwapsRoutes(t *testing.T) {
	g, err := New(testConfig(t), observability.NopLogger())
	require.NoError(t, err)

	next := testConfig(t)
	next.Routes[0].Name = "orders"
	next.Routes[0].PathPrefix = "/api/orders"
	next.RateLimit.DefaultBucket.Limit = 7

	require.NoError(t, g.Reload(next))

	_, err = g.routes.Load().Match("/api/products/42")
	assert.Error(t, err)
	route, err := g.routes.Load().Match("/api/orders/1")
	require.NoError(t, err)
	assert.Equal(t, "orders", route.Name)

	// Bucket limits follow the reload too.
	assert.Equal(t, 7, g.rateLimits.Load().Bucket("orders").Limit)
}

func TestReloadRejectsBadRoutes(t *testing.T) {
	g, err := New(testConfig(t), observability.NopLogger())
	require.NoError(t, err)

	next := testConfig(t)
	next.Routes[0].Backend = "://broken"

	require.Error(t, g.Reload(next))

	// The previous table stays active.
	_, err = g.routes.Load().Match("/api/products/42")
	assert.NoError(t, err)
}

func TestMaxBackendConnections(t *testing.T) {
	routes := []config.RouteConfig{
		{MaxConnections: 10},
		{MaxConnections: 500},
		{MaxConnections: 64},
	}
	assert.Equal(t, 500, maxBackendConnections(routes))

	assert.Equal(t, config.DefaultMaxConnections, maxBackendConnections(nil))
}
