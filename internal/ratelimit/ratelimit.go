// Package ratelimit implements a four-level admission check: global, per-IP,
// per-user, per-bucket. Each level is checked in order; the first denial
// short-circuits the rest.
//
// Per-key limiters use golang.org/x/time/rate.Limiter: entries are created
// on demand keyed by a caller-supplied string (IP or user id), with
// periodic eviction of stale keys to bound memory.
package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Level identifies which tier of the four-level check denied a request.
type Level string

const (
	LevelGlobal Level = "global"
	LevelIP     Level = "ip"
	LevelUser   Level = "user"
	LevelBucket Level = "bucket"
)

// LevelConfig configures one rate-limiting level.
type LevelConfig struct {
	RatePerSecond float64
	Burst         int
	// MaxTrackedKeys bounds memory for per-key levels (IP, user, bucket).
	// Zero means unbounded (suitable only for the global level, which has a
	// single key). When exceeded, the overflow policy in Manager applies.
	MaxTrackedKeys int
}

type trackedLimiter struct {
	limiter        *rate.Limiter
	lastAccessedAt time.Time
}

// perKeyLimiter holds the keyed limiters for one level (IP, user, or
// bucket). The global level uses a single *rate.Limiter directly instead.
type perKeyLimiter struct {
	cfg    LevelConfig
	level  Level
	logger *zap.Logger

	mu       sync.RWMutex
	limiters map[string]*trackedLimiter
}

func newPerKeyLimiter(cfg LevelConfig, level Level, logger *zap.Logger) *perKeyLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &perKeyLimiter{
		cfg:      cfg,
		level:    level,
		logger:   logger,
		limiters: make(map[string]*trackedLimiter),
	}
}

func (p *perKeyLimiter) allow(key string, now time.Time) bool {
	p.mu.RLock()
	tl, ok := p.limiters[key]
	p.mu.RUnlock()

	if !ok {
		p.mu.Lock()
		tl, ok = p.limiters[key]
		if !ok {
			if p.cfg.MaxTrackedKeys > 0 && len(p.limiters) >= p.cfg.MaxTrackedKeys {
				// Overflow policy: clear everything and warn, rather than
				// let the map grow unbounded or silently refuse new keys.
				// A full clear resets every key's burst allowance, which is
				// an acceptable one-time cost against unbounded memory
				// growth from e.g. a flood of distinct source IPs.
				p.logger.Warn("rate limiter tracked-key cap exceeded, clearing all keys",
					zap.String("level", string(p.level)),
					zap.Int("max_tracked_keys", p.cfg.MaxTrackedKeys))
				p.limiters = make(map[string]*trackedLimiter)
			}
			tl = &trackedLimiter{limiter: rate.NewLimiter(rate.Limit(p.cfg.RatePerSecond), p.cfg.Burst)}
			p.limiters[key] = tl
		}
		p.mu.Unlock()
	}

	p.mu.Lock()
	tl.lastAccessedAt = now
	p.mu.Unlock()

	return tl.limiter.AllowN(now, 1)
}

// trackedKeyCount reports the number of distinct keys currently tracked, for
// the "per-IP memory bound" testable property.
func (p *perKeyLimiter) trackedKeyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.limiters)
}

// evictStale removes keys untouched since before cutoff. It collects
// candidates under a read lock, then re-validates and deletes them under a
// write lock, so the (usually much longer) scan never blocks concurrent
// Allow calls.
func (p *perKeyLimiter) evictStale(cutoff time.Time) int {
	p.mu.RLock()
	var stale []string
	for key, tl := range p.limiters {
		if tl.lastAccessedAt.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	p.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := 0
	for _, key := range stale {
		if tl, ok := p.limiters[key]; ok && tl.lastAccessedAt.Before(cutoff) {
			delete(p.limiters, key)
			evicted++
		}
	}
	return evicted
}

// Config configures every level of the manager. A zero-valued LevelConfig
// disables that level (Allow always permits it).
type Config struct {
	Global        LevelConfig
	IP            LevelConfig
	User          LevelConfig
	Bucket        LevelConfig
	EvictInterval time.Duration
	StaleAfter    time.Duration
}

// Manager checks requests against all four levels in order.
type Manager struct {
	cfg    Config
	global *rate.Limiter
	ip     *perKeyLimiter
	user   *perKeyLimiter
	bucket *perKeyLimiter

	nowFunc func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Manager and starts its background stale-key eviction loop.
// logger may be nil, in which case overflow warnings are not logged.
func New(cfg Config, logger *zap.Logger) *Manager {
	if cfg.EvictInterval <= 0 {
		cfg.EvictInterval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		cfg:     cfg,
		nowFunc: time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if cfg.Global.RatePerSecond > 0 {
		m.global = rate.NewLimiter(rate.Limit(cfg.Global.RatePerSecond), cfg.Global.Burst)
	}
	if cfg.IP.RatePerSecond > 0 {
		m.ip = newPerKeyLimiter(cfg.IP, LevelIP, logger)
	}
	if cfg.User.RatePerSecond > 0 {
		m.user = newPerKeyLimiter(cfg.User, LevelUser, logger)
	}
	if cfg.Bucket.RatePerSecond > 0 {
		m.bucket = newPerKeyLimiter(cfg.Bucket, LevelBucket, logger)
	}

	go m.evictLoop()
	return m
}

// Close stops the background eviction loop.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

// Request identifies the keys a request is checked against at each level.
type Request struct {
	IP     string
	User   string
	Bucket string
}

// Allow checks req against every enabled level in order: global, IP, user,
// bucket. It returns (true, "") if every level admits the request, or
// (false, level) naming the first level that denied it.
func (m *Manager) Allow(req Request) (bool, Level) {
	now := m.nowFunc()

	if m.global != nil && !m.global.AllowN(now, 1) {
		return false, LevelGlobal
	}
	if m.ip != nil && req.IP != "" && !m.ip.allow(req.IP, now) {
		return false, LevelIP
	}
	if m.user != nil && req.User != "" && !m.user.allow(req.User, now) {
		return false, LevelUser
	}
	if m.bucket != nil && req.Bucket != "" && !m.bucket.allow(req.Bucket, now) {
		return false, LevelBucket
	}
	return true, ""
}

// TrackedIPCount reports the number of distinct IPs currently tracked.
func (m *Manager) TrackedIPCount() int {
	if m.ip == nil {
		return 0
	}
	return m.ip.trackedKeyCount()
}

func (m *Manager) evictLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			cutoff := m.nowFunc().Add(-m.cfg.StaleAfter)
			for _, p := range []*perKeyLimiter{m.ip, m.user, m.bucket} {
				if p != nil {
					p.evictStale(cutoff)
				}
			}
		}
	}
}
