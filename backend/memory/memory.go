// Package memory implements the volatile in-memory cache tier with LRU
// eviction. A Store keeps a map for lookups and an intrusive doubly linked
// list for recency ordering (head=MRU, tail=LRU); all operations are O(1)
// expected under a single mutex.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/tiercache/tiercache/backend"
	"github.com/tiercache/tiercache/internal/singleflight"
	"github.com/tiercache/tiercache/metrics"
)

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures a Store. Zero limits mean unbounded; a zero
// SweepInterval disables the background sweep (lazy expiry on read is the
// correctness mechanism either way, the sweep only bounds memory held by
// dead entries between accesses).
type Options struct {
	Name          string
	MaxEntries    int64
	MaxBytes      int64
	SweepInterval time.Duration

	// Counters receives this backend's traffic totals. Nil => a private
	// Counters instance (the manager passes a shared one for snapshots).
	Counters *metrics.Counters
	// Recorder is an optional extra observability hook (e.g. Prometheus).
	Recorder metrics.Recorder
	// Clock overrides the time source. Nil => time.Now().
	Clock Clock
}

// entryKey identifies an entry. A struct key keeps namespaces disjoint no
// matter what bytes the caller puts in either part; any flat string join
// would let ("a", "b|c") and ("a|b", "c") alias.
type entryKey struct{ ns, key string }

// node is an intrusive list element owned by the store. Entries live in
// both the map and the list; the list carries recency order only.
type node struct {
	ns, key string
	val     []byte

	prev *node
	next *node

	createdAt  int64
	accessedAt int64
	// Absolute expiration deadline in UnixNano. Zero means "no TTL".
	exp int64
}

// Store is the in-memory backend. All methods are safe for concurrent use.
// Contexts are accepted for interface consistency; operations are instant
// and do not block on I/O.
type Store struct {
	mu      sync.Mutex
	m       map[entryKey]*node
	head    *node // MRU
	tail    *node // LRU
	entries int64
	bytes   int64

	name       string
	maxEntries int64
	maxBytes   int64
	counters   *metrics.Counters
	rec        metrics.Recorder
	clock      Clock

	sf singleflight.Group[entryKey, []byte]

	stopSweep chan struct{}
	closeOnce sync.Once
}

// New constructs a memory backend and, if configured, starts its sweep
// goroutine. Close stops the sweeper.
func New(opt Options) *Store {
	if opt.Name == "" {
		opt.Name = string(backend.KindMemory)
	}
	if opt.Counters == nil {
		opt.Counters = &metrics.Counters{}
	}
	if opt.Recorder == nil {
		opt.Recorder = metrics.Noop{}
	}
	s := &Store{
		m:          make(map[entryKey]*node),
		name:       opt.Name,
		maxEntries: opt.MaxEntries,
		maxBytes:   opt.MaxBytes,
		counters:   opt.Counters,
		rec:        opt.Recorder,
		clock:      opt.Clock,
		stopSweep:  make(chan struct{}),
	}
	if opt.SweepInterval > 0 {
		go s.sweepLoop(opt.SweepInterval)
	}
	return s
}

var _ backend.Backend = (*Store)(nil)

// Name returns the configured instance name.
func (s *Store) Name() string { return s.name }

// Get returns a copy of the value and promotes the entry to MRU.
func (s *Store) Get(_ context.Context, namespace, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.lookupLocked(namespace, key)
	if !ok {
		s.counters.Miss()
		s.rec.Miss()
		return nil, backend.ErrMiss
	}

	s.moveToFront(n)
	n.accessedAt = s.now()
	s.counters.Hit()
	s.rec.Hit()
	return cloneBytes(n.val), nil
}

// Set stores a copy of value, evicting from the LRU tail until the
// capacity limits hold again.
func (s *Store) Set(_ context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if s.maxBytes > 0 && int64(len(value)) > s.maxBytes {
		return backend.ErrCapacityExceeded
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.setLocked(namespace, key, value, ttl)
	s.counters.Set()
	s.rec.Set()
	s.enforceLimitsLocked()
	return nil
}

// Exists reports presence without promoting the entry: probing a key never
// changes its eviction order. Expired entries are removed on the way.
func (s *Store) Exists(_ context.Context, namespace, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.lookupLocked(namespace, key)
	return ok, nil
}

// Delete removes the key, reporting whether an entry existed.
func (s *Store) Delete(_ context.Context, namespace, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.m[entryKey{namespace, key}]
	if !ok {
		return false, nil
	}
	s.removeLocked(n)
	s.counters.Delete()
	s.rec.Delete()
	return true, nil
}

// Clear drops every entry in the namespace, or all entries when the
// namespace is empty.
func (s *Store) Clear(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if namespace == "" {
		s.m = make(map[entryKey]*node)
		s.head, s.tail = nil, nil
		s.entries, s.bytes = 0, 0
		s.rec.Size(0, 0)
		return nil
	}
	for n := s.head; n != nil; {
		next := n.next
		if n.ns == namespace {
			s.removeLocked(n)
		}
		n = next
	}
	s.rec.Size(s.entries, s.bytes)
	return nil
}

// GetOrSet returns the cached value or computes it, with concurrent
// callers for the same key coalesced into a single compute invocation.
func (s *Store) GetOrSet(ctx context.Context, namespace, key string, compute backend.ComputeFunc, ttl time.Duration) ([]byte, error) {
	// Fast path.
	if v, err := s.Get(ctx, namespace, key); err == nil {
		return v, nil
	}

	return s.sf.Do(ctx, entryKey{namespace, key}, func() ([]byte, error) {
		// Double-check after joining the flight: a finished leader may
		// have populated the entry already. The fast path above already
		// counted this caller's miss, so the re-check stays off the books.
		if v, ok := s.getQuiet(namespace, key); ok {
			return v, nil
		}
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.Set(ctx, namespace, key, v, ttl); err != nil {
			return nil, err
		}
		return cloneBytes(v), nil
	})
}

// GetMany returns copies of the present, unexpired values. Each hit is
// promoted like an ordinary Get.
func (s *Store) GetMany(_ context.Context, namespace string, keys []string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		n, ok := s.lookupLocked(namespace, key)
		if !ok {
			s.counters.Miss()
			s.rec.Miss()
			continue
		}
		s.moveToFront(n)
		n.accessedAt = s.now()
		s.counters.Hit()
		s.rec.Hit()
		out[key] = cloneBytes(n.val)
	}
	return out, nil
}

// SetMany stores all values with a shared ttl under one lock acquisition.
func (s *Store) SetMany(_ context.Context, namespace string, values map[string][]byte, ttl time.Duration) error {
	if s.maxBytes > 0 {
		for _, v := range values {
			if int64(len(v)) > s.maxBytes {
				return backend.ErrCapacityExceeded
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, v := range values {
		s.setLocked(namespace, key, v, ttl)
		s.counters.Set()
		s.rec.Set()
	}
	s.enforceLimitsLocked()
	return nil
}

// DeleteMany removes the given keys, returning how many existed.
func (s *Store) DeleteMany(_ context.Context, namespace string, keys []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range keys {
		n, ok := s.m[entryKey{namespace, key}]
		if !ok {
			continue
		}
		s.removeLocked(n)
		s.counters.Delete()
		s.rec.Delete()
		removed++
	}
	return removed, nil
}

// Increment adds delta to the base-10 integer at key, atomically under the
// store lock. An absent or expired entry counts from zero and the result
// is stored without a TTL; an existing entry keeps its deadline.
func (s *Store) Increment(_ context.Context, namespace, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur int64
	exp := int64(0)
	if n, ok := s.lookupLocked(namespace, key); ok {
		v, err := strconv.ParseInt(string(n.val), 10, 64)
		if err != nil {
			return 0, backend.ErrNotNumeric
		}
		cur = v
		exp = n.exp
	}
	cur += delta
	s.storeLocked(namespace, key, []byte(strconv.FormatInt(cur, 10)), exp)
	s.counters.Set()
	s.rec.Set()
	s.enforceLimitsLocked()
	return cur, nil
}

// Size returns resident entry and byte counts.
func (s *Store) Size(_ context.Context) (backend.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return backend.Stats{Entries: s.entries, Bytes: s.bytes}, nil
}

// Close stops the sweep goroutine. The store itself holds no external
// resources, so entries stay readable until the Store is garbage collected.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.stopSweep) })
	return nil
}

// Sweep removes all expired entries now and returns how many were dropped.
// It is also called periodically when a SweepInterval is configured.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	dropped := 0
	for n := s.head; n != nil; {
		next := n.next
		if n.exp != 0 && now >= n.exp {
			s.removeLocked(n)
			s.counters.Evict(metrics.EvictTTL)
			s.rec.Evict(metrics.EvictTTL)
			dropped++
		}
		n = next
	}
	if dropped > 0 {
		s.rec.Size(s.entries, s.bytes)
	}
	return dropped
}

func (s *Store) sweepLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Sweep()
		case <-s.stopSweep:
			return
		}
	}
}

// -------------------- internals (mu held) --------------------

// getQuiet is Get without the miss accounting, for the in-flight re-check
// of GetOrSet whose miss was already counted on the fast path. A hit still
// counts and promotes as usual.
func (s *Store) getQuiet(namespace, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.lookupLocked(namespace, key)
	if !ok {
		return nil, false
	}
	s.moveToFront(n)
	n.accessedAt = s.now()
	s.counters.Hit()
	s.rec.Hit()
	return cloneBytes(n.val), true
}

// lookupLocked finds a live entry, lazily evicting it if expired.
func (s *Store) lookupLocked(namespace, key string) (*node, bool) {
	n, ok := s.m[entryKey{namespace, key}]
	if !ok {
		return nil, false
	}
	if n.exp != 0 && s.now() >= n.exp {
		s.removeLocked(n)
		s.counters.Evict(metrics.EvictTTL)
		s.rec.Evict(metrics.EvictTTL)
		return nil, false
	}
	return n, true
}

// setLocked stores a copy of value under the write path's TTL rules.
func (s *Store) setLocked(namespace, key string, value []byte, ttl time.Duration) {
	s.storeLocked(namespace, key, cloneBytes(value), s.deadline(ttl))
}

// storeLocked inserts or updates the entry and promotes it to MRU.
// val must already be owned by the store (copied or freshly built).
func (s *Store) storeLocked(namespace, key string, val []byte, exp int64) {
	now := s.now()
	if n, ok := s.m[entryKey{namespace, key}]; ok {
		s.bytes += int64(len(val)) - int64(len(n.val))
		n.val = val
		n.exp = exp
		n.accessedAt = now
		s.moveToFront(n)
		return
	}
	n := &node{ns: namespace, key: key, val: val, createdAt: now, accessedAt: now, exp: exp}
	s.m[entryKey{namespace, key}] = n
	s.insertFront(n)
}

// enforceLimitsLocked evicts LRU entries until both limits are satisfied.
func (s *Store) enforceLimitsLocked() {
	for (s.maxEntries > 0 && s.entries > s.maxEntries) ||
		(s.maxBytes > 0 && s.bytes > s.maxBytes) {
		tail := s.tail
		if tail == nil {
			break
		}
		s.removeLocked(tail)
		s.counters.Evict(metrics.EvictCapacity)
		s.rec.Evict(metrics.EvictCapacity)
	}
	s.rec.Size(s.entries, s.bytes)
}

// insertFront inserts n at MRU in O(1).
func (s *Store) insertFront(n *node) {
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
	s.entries++
	s.bytes += int64(len(n.val))
}

// moveToFront promotes n to MRU in O(1).
func (s *Store) moveToFront(n *node) {
	if n == s.head {
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.tail == n {
		s.tail = n.prev
	}
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
}

// removeLocked unlinks n from the list and the map in O(1).
func (s *Store) removeLocked(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.head == n {
		s.head = n.next
	}
	if s.tail == n {
		s.tail = n.prev
	}
	n.prev, n.next = nil, nil
	delete(s.m, entryKey{n.ns, n.key})
	s.entries--
	s.bytes -= int64(len(n.val))
}

func (s *Store) now() int64 {
	if s.clock != nil {
		return s.clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}

// deadline converts a relative TTL into an absolute UnixNano deadline.
// Negative means no expiration (zero deadline); zero is born expired.
func (s *Store) deadline(ttl time.Duration) int64 {
	if ttl < 0 {
		return 0
	}
	return s.now() + int64(ttl)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
