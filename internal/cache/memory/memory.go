// Package memory implements the fastest cache tier: a fixed-capacity,
// in-process map with LRU eviction and TTL expiration.
//
// Design Notes:
//   - container/list + map gives O(1) get/set/evict.
//   - A single write-mutex guards both the map and the LRU list. Reads that
//     update LRU position still take the write lock; this tier is expected
//     to be fast and lightly contended, with a downstream tier absorbing the
//     rest of the traffic. A two-lock (data read-lock + LRU write-lock)
//     design is also a valid implementation of this contract but is not used
//     here to keep eviction and LRU bookkeeping in one critical section.
package memory

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/julianshen/yatagarasu/internal/cachekey"
)

// ErrTooLarge is returned by Set when an entry exceeds MaxItemSize. It is not
// a failure of the cache -- the caller should treat it as "not cached" rather
// than propagate it as an error to the client.
var ErrTooLarge = errors.New("memory: entry exceeds max item size")

// Config controls tier capacity. DefaultTTL is not applied by the tier
// itself: each entry expires at its own ExpiresAt.
type Config struct {
	MaxItemSize  int64
	MaxTotalSize int64
	DefaultTTL   time.Duration
}

// Validate enforces the MaxItemSize <= MaxTotalSize invariant.
func (c Config) Validate() error {
	if c.MaxItemSize <= 0 || c.MaxTotalSize <= 0 {
		return errors.New("memory: max item size and max total size must be positive")
	}
	if c.MaxItemSize > c.MaxTotalSize {
		return errors.New("memory: max item size must not exceed max total size")
	}
	return nil
}

type node struct {
	key     cachekey.Key
	entry   cachekey.Entry
	element *list.Element
}

// Tier is an in-memory, bounded, LRU-evicting cache layer.
type Tier struct {
	cfg Config

	mu      sync.Mutex
	items   map[cachekey.Key]*node
	lru     *list.List
	bytes   int64
	stats   cachekey.Stats
	nowFunc func() time.Time
}

// New builds a Tier from cfg. It returns an error if cfg is invalid.
func New(cfg Config) (*Tier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tier{
		cfg:     cfg,
		items:   make(map[cachekey.Key]*node),
		lru:     list.New(),
		nowFunc: time.Now,
	}
	t.stats.MaxBytes = cfg.MaxTotalSize
	return t, nil
}

// Get returns a clone of the cached entry for k if present and not expired,
// and moves it to the front of the LRU list. Expired entries are removed on
// discovery rather than returned.
func (t *Tier) Get(k cachekey.Key) (cachekey.Entry, bool) {
	now := t.nowFunc()

	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.items[k]
	if !ok {
		t.stats.Misses.Add(1)
		return cachekey.Entry{}, false
	}
	if n.entry.IsExpired(now) {
		t.removeLocked(n)
		t.stats.Misses.Add(1)
		return cachekey.Entry{}, false
	}

	n.entry.Touch(now)
	t.lru.MoveToFront(n.element)
	t.stats.Hits.Add(1)
	return n.entry.Clone(), true
}

// Set stores entry under k, evicting least-recently-used entries until the
// tier fits within MaxTotalSize. Entries larger than MaxItemSize are
// rejected with ErrTooLarge rather than inserted.
func (t *Tier) Set(k cachekey.Key, entry cachekey.Entry) error {
	size := entry.SizeBytes()
	if size > t.cfg.MaxItemSize {
		return ErrTooLarge
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.items[k]; ok {
		t.removeLocked(existing)
	}

	for t.bytes+size > t.cfg.MaxTotalSize && t.lru.Len() > 0 {
		t.evictOldestLocked()
	}

	n := &node{key: k, entry: entry}
	n.element = t.lru.PushFront(n)
	t.items[k] = n
	t.bytes += size
	t.stats.CurrentBytes.Store(t.bytes)
	t.stats.CurrentItems.Store(int64(len(t.items)))
	return nil
}

// Delete removes k from the tier. It reports whether k was present.
func (t *Tier) Delete(k cachekey.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.items[k]
	if !ok {
		return false
	}
	t.removeLocked(n)
	return true
}

// Clear empties the tier.
func (t *Tier) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.items = make(map[cachekey.Key]*node)
	t.lru = list.New()
	t.bytes = 0
	t.stats.CurrentBytes.Store(0)
	t.stats.CurrentItems.Store(0)
}

// Stats returns a point-in-time snapshot of tier counters and gauges.
func (t *Tier) Stats() cachekey.Snapshot {
	return t.stats.Snapshot()
}

// Name identifies this layer for tiered-cache ordering and logging.
func (t *Tier) Name() string { return "memory" }

func (t *Tier) evictOldestLocked() {
	oldest := t.lru.Back()
	if oldest == nil {
		return
	}
	t.removeLocked(oldest.Value.(*node))
	t.stats.Evictions.Add(1)
}

// removeLocked removes n from both the map and the LRU list. Callers must
// hold t.mu. It intentionally does not bump the eviction counter -- callers
// that evict for capacity call evictOldestLocked instead, which does.
func (t *Tier) removeLocked(n *node) {
	delete(t.items, n.key)
	t.lru.Remove(n.element)
	t.bytes -= n.entry.SizeBytes()
	if t.bytes < 0 {
		t.bytes = 0
	}
	t.stats.CurrentBytes.Store(t.bytes)
	t.stats.CurrentItems.Store(int64(len(t.items)))
}
