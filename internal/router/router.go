// Package router resolves an incoming request path to a bucket's routing
// record by longest path-prefix match.
//
// The whole table is replaced atomically on config hot-reload: Reload swaps
// in a new *table under an atomic.Pointer so in-flight lookups always see a
// internally-consistent snapshot, never a partially-updated table.
package router

import (
	"errors"
	"sort"
	"strings"
	"sync/atomic"
)

// Route is a single per-bucket routing record. Fields beyond PathPrefix and
// BucketName are opaque to the router; it only does prefix matching and
// hands back whatever the caller associated with the prefix.
type Route struct {
	PathPrefix string
	BucketName string
	Handler    any // set by the caller to whatever per-bucket state it needs (bucket config, breaker, rate limiter, ...)
}

// ErrNoMatch is returned by Match when no configured prefix covers the path.
var ErrNoMatch = errors.New("router: no route matches path")

type table struct {
	// sorted longest-prefix-first so the first match wins
	routes []Route
}

// Router resolves paths to routes, supporting atomic hot-reload.
type Router struct {
	current atomic.Pointer[table]
}

// New builds a Router from the given routes. Routes must have distinct,
// non-empty PathPrefix values.
func New(routes []Route) (*Router, error) {
	t, err := buildTable(routes)
	if err != nil {
		return nil, err
	}
	r := &Router{}
	r.current.Store(t)
	return r, nil
}

// Reload atomically replaces the routing table. Existing lookups in flight
// continue to see the table as it was when they called Match; new calls
// see the replacement once this returns.
func (r *Router) Reload(routes []Route) error {
	t, err := buildTable(routes)
	if err != nil {
		return err
	}
	r.current.Store(t)
	return nil
}

// Match returns the route whose prefix longest-matches path, requiring a
// '/'-boundary at the end of the prefix match (so "/api" does not match
// "/apiextra"). It returns ErrNoMatch if nothing covers the path.
func (r *Router) Match(path string) (Route, error) {
	t := r.current.Load()
	for _, route := range t.routes {
		if prefixMatches(route.PathPrefix, path) {
			return route, nil
		}
	}
	return Route{}, ErrNoMatch
}

// prefixMatches reports whether path is covered by prefix, requiring either
// an exact match or a '/' boundary immediately after the prefix so "/api"
// does not spuriously match "/apiextra".
func prefixMatches(prefix, path string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	if prefix == "/" {
		return true
	}
	return path[len(prefix)] == '/'
}

func buildTable(routes []Route) (*table, error) {
	if len(routes) == 0 {
		return nil, errors.New("router: at least one route is required")
	}
	seen := make(map[string]bool, len(routes))
	for _, route := range routes {
		if route.PathPrefix == "" {
			return nil, errors.New("router: path prefix must not be empty")
		}
		if !strings.HasPrefix(route.PathPrefix, "/") {
			return nil, errors.New("router: path prefix must start with '/'")
		}
		if seen[route.PathPrefix] {
			return nil, errors.New("router: duplicate path prefix " + route.PathPrefix)
		}
		seen[route.PathPrefix] = true
	}

	sorted := append([]Route(nil), routes...)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})
	return &table{routes: sorted}, nil
}
