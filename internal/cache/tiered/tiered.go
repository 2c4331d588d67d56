// Package tiered composes an ordered list of cache.Layer implementations
// into a single layer: Get scans fastest-to-slowest and promotes a hit back
// into faster layers it skipped over; Set writes through to every enabled
// layer.
//
// Get checks the first layer, falls back to the next on a miss, and
// populates faster layers from a slower hit -- generalized here from a
// fixed two levels to an arbitrary ordered slice of layers.
package tiered

import (
	"errors"
	"fmt"

	"github.com/julianshen/yatagarasu/internal/cache"
	"github.com/julianshen/yatagarasu/internal/cachekey"
)

// Cache composes an ordered set of layers, fastest first.
type Cache struct {
	layers []cache.Layer
}

// New validates layer order (no duplicate names) and returns a composite
// Cache. Layers must be ordered fastest-to-slowest; Get promotes hits found
// in a slower layer back into every faster layer it skipped.
func New(layers ...cache.Layer) (*Cache, error) {
	if len(layers) == 0 {
		return nil, errors.New("tiered: at least one layer is required")
	}
	seen := make(map[string]bool, len(layers))
	for _, l := range layers {
		name := l.Name()
		if name == "" {
			return nil, errors.New("tiered: layer name must not be empty")
		}
		if seen[name] {
			return nil, fmt.Errorf("tiered: duplicate layer name %q", name)
		}
		seen[name] = true
	}
	return &Cache{layers: layers}, nil
}

// Name reports the composite's identity for logging.
func (c *Cache) Name() string { return "tiered" }

// Get scans layers in order, returning the first hit. On a hit found past
// the first layer, it asynchronously writes the entry back into every
// faster layer it skipped, best-effort -- a promotion failure doesn't
// affect the caller, who already has the entry.
func (c *Cache) Get(k cachekey.Key) (cachekey.Entry, bool) {
	for i, layer := range c.layers {
		entry, ok := layer.Get(k)
		if !ok {
			continue
		}
		if i > 0 {
			c.promote(k, entry, i)
		}
		return entry, true
	}
	return cachekey.Entry{}, false
}

// promote writes entry into every layer faster than the one it was found
// in. It runs on its own goroutine so a slow faster-layer write never adds
// latency to the response already in flight.
func (c *Cache) promote(k cachekey.Key, entry cachekey.Entry, foundAt int) {
	faster := c.layers[:foundAt]
	go func() {
		for _, layer := range faster {
			_ = layer.Set(k, entry.Clone())
		}
	}()
}

// Set writes entry to every layer. It fails only if every layer's write
// fails; a partial failure is reported but the entry is still considered
// cached in whichever layers succeeded.
func (c *Cache) Set(k cachekey.Key, entry cachekey.Entry) error {
	var errs []error
	successes := 0
	for _, layer := range c.layers {
		if err := layer.Set(k, entry.Clone()); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", layer.Name(), err))
			continue
		}
		successes++
	}
	if successes == 0 && len(errs) > 0 {
		return fmt.Errorf("tiered: all layers failed: %w", errors.Join(errs...))
	}
	return nil
}

// Delete removes k from every layer, reporting whether any layer had it.
func (c *Cache) Delete(k cachekey.Key) bool {
	found := false
	for _, layer := range c.layers {
		if layer.Delete(k) {
			found = true
		}
	}
	return found
}

// Clear empties every layer.
func (c *Cache) Clear() {
	for _, layer := range c.layers {
		layer.Clear()
	}
}

// Stats aggregates counters across layers by summation, and reports the
// smallest nonzero MaxBytes among layers that declare one (distributed
// layers typically report zero, since Redis doesn't cheaply expose
// per-prefix memory usage).
func (c *Cache) Stats() cachekey.Snapshot {
	var total cachekey.Snapshot
	for _, layer := range c.layers {
		s := layer.Stats()
		total.Hits += s.Hits
		total.Misses += s.Misses
		total.Evictions += s.Evictions
		total.Errors += s.Errors
		total.CurrentBytes += s.CurrentBytes
		total.CurrentItems += s.CurrentItems
		if s.MaxBytes > 0 && (total.MaxBytes == 0 || s.MaxBytes < total.MaxBytes) {
			total.MaxBytes = s.MaxBytes
		}
	}
	return total
}

// Layers exposes the underlying ordered layer list for diagnostics.
func (c *Cache) Layers() []cache.Layer {
	return append([]cache.Layer(nil), c.layers...)
}
