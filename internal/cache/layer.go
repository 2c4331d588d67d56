// Package cache defines the capability contract shared by every cache layer
// (memory, disk, distributed) and by the tiered composite that sits above
// them. Concrete layers live in sibling packages; this package only holds the
// contract so tiered can depend on it without importing every tier
// implementation's internals.
package cache

import "github.com/julianshen/yatagarasu/internal/cachekey"

// Layer is the capability set every cache tier implements: get, set,
// delete, clear, stats. The tiered cache composes an ordered list of
// Layers addressed by the same cachekey.Key.
type Layer interface {
	Name() string
	Get(k cachekey.Key) (cachekey.Entry, bool)
	Set(k cachekey.Key, entry cachekey.Entry) error
	Delete(k cachekey.Key) bool
	Clear()
	Stats() cachekey.Snapshot
}
