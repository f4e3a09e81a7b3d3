// Package cache provides the tiered caching engine's manager: a registry
// of named storage backends behind one API, with per-backend metrics and
// single-flight get-or-compute.
//
// # Design
//
//   - Backends: three interchangeable tiers implement the same contract —
//     memory (volatile, LRU-evicted), disk (durable, SQLite-backed) and
//     null (caching disabled). The set is closed; selection happens
//     through backend.Config, not open-ended plugin registration.
//
//   - Routing: every unified-API call names a backend ("" = default) and
//     a namespace. Namespaces partition keys inside one backend so
//     unrelated cache domains never collide.
//
//   - Capacity: each backend enforces its own max_entries/max_bytes by
//     evicting least-recently-used entries; a value that can never fit
//     fails with backend.ErrCapacityExceeded instead of being dropped
//     silently.
//
//   - TTL: expiry is a pure function of the stored deadline versus the
//     clock, checked on every read. Sweeps are an optimization, never a
//     correctness requirement.
//
//   - GetOrSet: concurrent callers for the same key share exactly one
//     compute invocation; a compute failure reaches every waiter and
//     caches nothing.
//
//   - Metrics: each backend counts hits, misses, sets, deletes and
//     evictions; Manager.Metrics returns an immutable snapshot with hit
//     rates. An optional metrics.Recorder (e.g. metrics/prom) observes
//     the same events.
//
// # Basic usage
//
//	m := cache.New()
//	defer m.Close()
//
//	ctx := context.Background()
//	_ = m.Set(ctx, "", "users", "42", payload, 10*time.Minute)
//	if v, err := m.Get(ctx, "", "users", "42"); err == nil {
//	    _ = v // use value
//	}
//
// # Durable tier
//
//	m := cache.New()
//	defer m.Close()
//
//	_, err := m.Backend(ctx, backend.Config{
//	    Name:        "blocks",
//	    Kind:        backend.KindDisk,
//	    StoragePath: "/var/lib/app/cache.db",
//	    MaxBytes:    1 << 30,
//	})
//	// ... m.Set(ctx, "blocks", ...) now survives restarts.
//
// # Get-or-compute
//
//	v, err := m.GetOrSet(ctx, "", "prices", "BTC", func(ctx context.Context) ([]byte, error) {
//	    return fetchPrice(ctx, "BTC") // runs once, however many callers race
//	}, time.Minute)
//
// All manager and backend methods are safe for concurrent use. Teardown is
// explicit: Close flushes and closes every disk backend deterministically.
package cache
