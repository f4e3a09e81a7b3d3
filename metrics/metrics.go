// Package metrics counts cache traffic per backend and exposes immutable
// snapshots with derived hit rates.
package metrics

import "github.com/tiercache/tiercache/internal/util"

// EvictReason explains why an entry was removed by the backend itself.
type EvictReason int

const (
	// EvictCapacity — removed to satisfy entry-count or byte limits.
	EvictCapacity EvictReason = iota
	// EvictTTL — expired and removed lazily on access or by a sweep.
	EvictTTL
)

// Recorder receives per-event observability signals from a backend.
// Implementations must be safe for concurrent use. Noop is the default;
// the prom subpackage provides a Prometheus-backed implementation.
type Recorder interface {
	Hit()
	Miss()
	Set()
	Delete()
	Evict(reason EvictReason)
	Size(entries, bytes int64)
}

// Noop is a Recorder that does nothing.
type Noop struct{}

func (Noop) Hit()                      {}
func (Noop) Miss()                     {}
func (Noop) Set()                      {}
func (Noop) Delete()                   {}
func (Noop) Evict(EvictReason)         {}
func (Noop) Size(entries, bytes int64) {}

var _ Recorder = Noop{}

// Counters accumulates a backend's traffic totals. Each counter sits on
// its own cache line so concurrent updates do not contend. The zero value
// is ready to use.
type Counters struct {
	hits      util.PaddedAtomicUint64
	misses    util.PaddedAtomicUint64
	sets      util.PaddedAtomicUint64
	deletes   util.PaddedAtomicUint64
	evictions util.PaddedAtomicUint64
}

func (c *Counters) Hit()              { c.hits.Add(1) }
func (c *Counters) Miss()             { c.misses.Add(1) }
func (c *Counters) Set()              { c.sets.Add(1) }
func (c *Counters) Delete()           { c.deletes.Add(1) }
func (c *Counters) Evict(EvictReason) { c.evictions.Add(1) }

// Size is a no-op; resident footprint is queried from the backend itself.
func (c *Counters) Size(entries, bytes int64) {}

var _ Recorder = (*Counters)(nil)

// Stats returns a point-in-time copy of the counters.
func (c *Counters) Stats() BackendStats {
	s := BackendStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Sets:      c.sets.Load(),
		Deletes:   c.deletes.Load(),
		Evictions: c.evictions.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// BackendStats is an immutable view of one backend's counters.
// HitRate is hits/(hits+misses), 0 when there were no accesses.
type BackendStats struct {
	Hits      uint64
	Misses    uint64
	Sets      uint64
	Deletes   uint64
	Evictions uint64
	HitRate   float64
}

// Snapshot maps backend name to its stats at collection time.
type Snapshot map[string]BackendStats
