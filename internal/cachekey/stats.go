package cachekey

import "sync/atomic"

// Stats holds the counters and gauges every cache layer exposes via its
// Stats() method. Counters are monotonic; gauges reflect current state and
// may go up or down. Errors counts corruption events (schema mismatch,
// undecodable payload) separately from ordinary misses, which they also
// register as.
type Stats struct {
	Hits         atomic.Int64
	Misses       atomic.Int64
	Evictions    atomic.Int64
	Errors       atomic.Int64
	CurrentBytes atomic.Int64
	CurrentItems atomic.Int64
	MaxBytes     int64
}

// Snapshot is an immutable point-in-time copy of Stats, safe to pass around
// and aggregate without racing the live counters.
type Snapshot struct {
	Hits         int64
	Misses       int64
	Evictions    int64
	Errors       int64
	CurrentBytes int64
	CurrentItems int64
	MaxBytes     int64
}

// HitRate returns Hits/(Hits+Misses), defined as 0 when both are zero.
func (s Snapshot) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Snapshot takes a consistent-enough point-in-time copy of s. Individual
// fields may be read at slightly different instants under concurrent
// mutation; this is acceptable for observability counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Hits:         s.Hits.Load(),
		Misses:       s.Misses.Load(),
		Evictions:    s.Evictions.Load(),
		Errors:       s.Errors.Load(),
		CurrentBytes: s.CurrentBytes.Load(),
		CurrentItems: s.CurrentItems.Load(),
		MaxBytes:     s.MaxBytes,
	}
}

// Merge sums counters and gauges from other into an aggregate Snapshot,
// taking the min of MaxBytes across layers (0 is treated as "no limit" and
// never wins the min unless both are 0).
func Merge(snapshots ...Snapshot) Snapshot {
	var out Snapshot
	first := true
	for _, s := range snapshots {
		out.Hits += s.Hits
		out.Misses += s.Misses
		out.Evictions += s.Evictions
		out.Errors += s.Errors
		out.CurrentBytes += s.CurrentBytes
		out.CurrentItems += s.CurrentItems
		if first {
			out.MaxBytes = s.MaxBytes
			first = false
			continue
		}
		if s.MaxBytes > 0 && (out.MaxBytes == 0 || s.MaxBytes < out.MaxBytes) {
			out.MaxBytes = s.MaxBytes
		}
	}
	return out
}
