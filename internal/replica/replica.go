// Package replica selects among an ordered set of origin endpoints for one
// bucket, each guarded by its own circuit breaker.
package replica

import (
	"context"
	"errors"
	"time"

	"github.com/julianshen/yatagarasu/internal/breaker"
)

// Endpoint is one origin replica: a name plus the breaker guarding it.
type Endpoint struct {
	Name    string
	Breaker *breaker.Breaker
}

// ErrNoHealthyReplica is returned by Current when every replica's breaker
// is open.
var ErrNoHealthyReplica = errors.New("replica: no healthy replica available")

// Set is an ordered list of replicas for one bucket. The first whose
// breaker is not open is the current primary.
type Set struct {
	endpoints []Endpoint
}

// New builds a Set from an ordered, non-empty list of endpoints.
func New(endpoints []Endpoint) (*Set, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("replica: at least one endpoint is required")
	}
	return &Set{endpoints: endpoints}, nil
}

// Current returns the first endpoint whose breaker is not open.
func (s *Set) Current() (Endpoint, error) {
	for _, ep := range s.endpoints {
		if !ep.Breaker.IsOpen() {
			return ep, nil
		}
	}
	return Endpoint{}, ErrNoHealthyReplica
}

// Endpoints returns the full ordered replica list, for health probing.
func (s *Set) Endpoints() []Endpoint {
	return append([]Endpoint(nil), s.endpoints...)
}

// HealthChecker probes one endpoint's reachability independent of request
// traffic, so a replica's breaker can recover (or trip) even during a lull.
type HealthChecker interface {
	Probe(ctx context.Context, name string) error
}

// StartHealthProbes runs checker against every endpoint in s on interval,
// recording the result against each endpoint's breaker by running the
// probe inside an Execute call, until ctx is cancelled.
func StartHealthProbes(ctx context.Context, s *Set, checker HealthChecker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ep := range s.endpoints {
				ep := ep
				_, _ = ep.Breaker.Execute(func() (any, error) {
					return nil, checker.Probe(ctx, ep.Name)
				})
			}
		}
	}
}
