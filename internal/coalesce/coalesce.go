// Package coalesce implements request coalescing: concurrent requests for
// the same cache key are collapsed so the origin is contacted once.
//
// Two variants are provided. Once wraps golang.org/x/sync/singleflight for
// small objects where waiting for the full body before replying is cheap.
// StreamCoalescer (broadcast.go) implements the real-time streaming variant
// for large objects, reimplemented here with channels since Go has no
// built-in replay-capable broadcast primitive.
package coalesce

import (
	"golang.org/x/sync/singleflight"
)

// Once coalesces concurrent calls for the same key into a single execution,
// following the wait-for-complete contract: every caller blocks until the
// leader's fn returns and all receive the same (value, error).
type Once struct {
	group singleflight.Group
}

// NewOnce builds an empty coalescer.
func NewOnce() *Once {
	return &Once{}
}

// Do executes fn for key if no call for key is in flight, or waits for and
// shares the result of the in-flight call otherwise.
func (o *Once) Do(key string, fn func() (any, error)) (any, error, bool) {
	return o.group.Do(key, fn)
}

// Forget removes key so a Do call made while the current call for key is
// still in flight executes fn again rather than waiting for it.
func (o *Once) Forget(key string) {
	o.group.Forget(key)
}
