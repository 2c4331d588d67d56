package replica

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/julianshen/yatagarasu/internal/breaker"
)

func openBreaker(name string) *breaker.Breaker {
	b := breaker.New(breaker.Config{
		Name: name, MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute,
		FailureThreshold: 0.1, MinRequests: 1,
	}, nil)
	_, _ = b.Execute(func() (any, error) { return nil, errors.New("boom") })
	return b
}

func healthyBreaker(name string) *breaker.Breaker {
	return breaker.New(breaker.Config{
		Name: name, MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute,
		FailureThreshold: 0.9, MinRequests: 100,
	}, nil)
}

func TestCurrentReturnsFirstHealthyReplica(t *testing.T) {
	s, err := New([]Endpoint{
		{Name: "primary", Breaker: openBreaker("primary")},
		{Name: "secondary", Breaker: healthyBreaker("secondary")},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ep, err := s.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if ep.Name != "secondary" {
		t.Fatalf("expected failover to secondary, got %q", ep.Name)
	}
}

func TestCurrentReportsErrorWhenAllOpen(t *testing.T) {
	s, err := New([]Endpoint{
		{Name: "a", Breaker: openBreaker("a")},
		{Name: "b", Breaker: openBreaker("b")},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Current(); err != ErrNoHealthyReplica {
		t.Fatalf("expected ErrNoHealthyReplica, got %v", err)
	}
}

func TestNewRejectsEmptySet(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error for empty replica set")
	}
}

type failingChecker struct{}

func (failingChecker) Probe(ctx context.Context, name string) error {
	return errors.New("origin unreachable")
}

// TestHealthProbesMarkReplicaUnhealthy checks that background probes alone,
// with no request traffic, can open a replica's breaker.
func TestHealthProbesMarkReplicaUnhealthy(t *testing.T) {
	b := breaker.New(breaker.Config{
		Name: "probed", MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute,
		FailureThreshold: 0.1, MinRequests: 1,
	}, nil)
	s, err := New([]Endpoint{{Name: "probed", Breaker: b}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go StartHealthProbes(ctx, s, failingChecker{}, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.IsOpen() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected failing probes to open the breaker")
}
