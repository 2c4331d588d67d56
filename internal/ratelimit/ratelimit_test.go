package ratelimit

import (
	"testing"
	"time"
)

func TestGlobalRateLimitDenial(t *testing.T) {
	m := New(Config{Global: LevelConfig{RatePerSecond: 5, Burst: 5}}, nil)
	t.Cleanup(m.Close)

	now := time.Now()
	m.nowFunc = func() time.Time { return now }

	denied := 0
	for i := 0; i < 6; i++ {
		ok, level := m.Allow(Request{})
		if !ok {
			denied++
			if level != LevelGlobal {
				t.Fatalf("expected denial tagged Global, got %v", level)
			}
		}
	}
	if denied < 1 {
		t.Fatalf("expected at least one denial issuing burst+1 requests in under 1s")
	}
}

func TestPerIPMemoryBound(t *testing.T) {
	const maxIPs = 10
	m := New(Config{IP: LevelConfig{RatePerSecond: 1000, Burst: 1000, MaxTrackedKeys: maxIPs}}, nil)
	t.Cleanup(m.Close)

	now := time.Now()
	m.nowFunc = func() time.Time { return now }

	for i := 0; i < maxIPs+1; i++ {
		ip := string(rune('a' + i))
		m.Allow(Request{IP: ip})
	}

	if got := m.TrackedIPCount(); got > maxIPs {
		t.Fatalf("tracked_ip_count = %d, want <= %d", got, maxIPs)
	}
}

func TestLevelsCheckedInOrder(t *testing.T) {
	m := New(Config{
		Global: LevelConfig{RatePerSecond: 1000, Burst: 1000},
		IP:     LevelConfig{RatePerSecond: 0, Burst: 0}, // disabled
		Bucket: LevelConfig{RatePerSecond: 1, Burst: 1},
	}, nil)
	t.Cleanup(m.Close)

	now := time.Now()
	m.nowFunc = func() time.Time { return now }

	ok, _ := m.Allow(Request{Bucket: "b1"})
	if !ok {
		t.Fatalf("expected first request within burst to be allowed")
	}
	ok, level := m.Allow(Request{Bucket: "b1"})
	if ok {
		t.Fatalf("expected second immediate request to exceed bucket burst")
	}
	if level != LevelBucket {
		t.Fatalf("expected denial tagged Bucket, got %v", level)
	}
}

func TestEvictStaleRemovesOldKeys(t *testing.T) {
	p := newPerKeyLimiter(LevelConfig{RatePerSecond: 10, Burst: 10}, LevelIP, nil)
	now := time.Now()
	p.allow("stale-key", now.Add(-time.Hour))
	p.allow("fresh-key", now)

	evicted := p.evictStale(now.Add(-time.Minute))
	if evicted != 1 {
		t.Fatalf("expected 1 stale key evicted, got %d", evicted)
	}
	if p.trackedKeyCount() != 1 {
		t.Fatalf("expected 1 key to remain, got %d", p.trackedKeyCount())
	}
}

func TestDisabledLevelAlwaysAllows(t *testing.T) {
	m := New(Config{}, nil)
	t.Cleanup(m.Close)
	for i := 0; i < 1000; i++ {
		ok, _ := m.Allow(Request{IP: "1.2.3.4", User: "u", Bucket: "b"})
		if !ok {
			t.Fatalf("expected manager with no configured levels to always allow")
		}
	}
}
