// Package router maps request paths to backend routes by longest prefix.
package router

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/retailedge/gateway/internal/config"
)

// Route is a resolved routing entry. Routes are immutable after table build.
type Route struct {
	Name                 string
	PathPrefix           string
	Backend              *url.URL
	Timeout              time.Duration
	AllowUnauthenticated bool
	RequiredRoles        []string
	RateLimitBucket      string
	MaxConnections       int
}

// Bucket returns the rate limit bucket name for the route, defaulting to the
// route name.
func (r *Route) Bucket() string {
	if r.RateLimitBucket != "" {
		return r.RateLimitBucket
	}
	return r.Name
}

// Table is an immutable set of routes ordered for longest-prefix matching.
// Lookups take no locks; updates build a new table and swap it in.
type Table struct {
	routes []*Route
}

// NewTable builds a table from route configuration. Routes are sorted by
// descending prefix length so the first prefix match is the longest.
func NewTable(configs []config.RouteConfig) (*Table, error) {
	routes := make([]*Route, 0, len(configs))

	for _, rc := range configs {
		backend, err := url.Parse(rc.Backend)
		if err != nil {
			return nil, fmt.Errorf("route %q: invalid backend url: %w", rc.Name, err)
		}

		routes = append(routes, &Route{
			Name:                 rc.Name,
			PathPrefix:           rc.PathPrefix,
			Backend:              backend,
			Timeout:              rc.Timeout.Duration(),
			AllowUnauthenticated: rc.AllowUnauthenticated,
			RequiredRoles:        rc.RequiredRoles,
			RateLimitBucket:      rc.RateLimitBucket,
			MaxConnections:       rc.MaxConnections,
		})
	}

	sort.SliceStable(routes, func(i, j int) bool {
		return len(routes[i].PathPrefix) > len(routes[j].PathPrefix)
	})

	return &Table{routes: routes}, nil
}

// Match returns the route with the longest prefix matching the path. A
// prefix matches at path segment boundaries: /api/products matches
// /api/products and /api/products/42 but not /api/productsearch.
func (t *Table) Match(path string) (*Route, error) {
	for _, route := range t.routes {
		if prefixMatches(path, route.PathPrefix) {
			return route, nil
		}
	}
	return nil, &Error{Kind: KindNotFound, Path: path}
}

// Routes returns the table's routes in match order.
func (t *Table) Routes() []*Route {
	return t.routes
}

// prefixMatches reports whether path falls under prefix at a segment
// boundary.
func prefixMatches(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}

// Holder holds the active table and supports atomic replacement on config
// reload. In-flight requests keep the table they started with.
type Holder struct {
	table atomic.Pointer[Table]
}

// NewHolder creates a holder with the given initial table.
func NewHolder(table *Table) *Holder {
	h := &Holder{}
	h.table.Store(table)
	return h
}

// Load returns the active table.
func (h *Holder) Load() *Table {
	return h.table.Load()
}

// Swap replaces the active table.
func (h *Holder) Swap(table *Table) {
	h.table.Store(table)
}
