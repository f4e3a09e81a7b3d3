package memory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tiercache/tiercache/backend"
	"github.com/tiercache/tiercache/metrics"
)

type fakeClock struct{ t int64 }

func (f *fakeClock) NowUnixNano() int64  { return f.t }
func (f *fakeClock) add(d time.Duration) { f.t += int64(d) }

func newTestStore(t *testing.T, opt Options) *Store {
	t.Helper()
	s := New(opt)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Set then Get must round-trip; Delete must remove.
func TestStore_SetGetDelete(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	ctx := context.Background()

	if err := s.Set(ctx, "ns", "a", []byte("1"), backend.NoTTL); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := s.Get(ctx, "ns", "a")
	if err != nil || string(v) != "1" {
		t.Fatalf("Get a = %q, %v; want 1", v, err)
	}

	removed, err := s.Delete(ctx, "ns", "a")
	if err != nil || !removed {
		t.Fatalf("Delete a = %v, %v; want true", removed, err)
	}
	if ok, _ := s.Exists(ctx, "ns", "a"); ok {
		t.Fatal("a must be absent after Delete")
	}
	if _, err := s.Get(ctx, "ns", "a"); !errors.Is(err, backend.ErrMiss) {
		t.Fatalf("Get after Delete = %v; want ErrMiss", err)
	}
}

// Uses a fake clock to avoid timing flakiness.
// Per-entry TTL must be respected; NoTTL entries never expire.
func TestStore_TTL_FakeClock(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: 1}
	s := newTestStore(t, Options{Clock: clk})
	ctx := context.Background()

	if err := s.Set(ctx, "ns", "x", []byte("v"), 100*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := s.Get(ctx, "ns", "x"); err != nil {
		t.Fatal("fresh miss")
	}
	clk.add(200 * time.Millisecond)
	if _, err := s.Get(ctx, "ns", "x"); !errors.Is(err, backend.ErrMiss) {
		t.Fatal("expired hit")
	}

	if err := s.Set(ctx, "ns", "forever", []byte("v"), backend.NoTTL); err != nil {
		t.Fatalf("Set: %v", err)
	}
	clk.add(24 * time.Hour)
	if _, err := s.Get(ctx, "ns", "forever"); err != nil {
		t.Fatal("NoTTL entry must not expire")
	}
}

// A zero ttl produces an entry that is already expired on the next read.
func TestStore_ZeroTTLIsBornExpired(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: 1}
	s := newTestStore(t, Options{Clock: clk})
	ctx := context.Background()

	if err := s.Set(ctx, "ns", "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := s.Get(ctx, "ns", "k"); !errors.Is(err, backend.ErrMiss) {
		t.Fatalf("Get = %v; want immediate ErrMiss", err)
	}
}

// Deterministic LRU by entry count: set a, b, then c with max_entries=2
// must evict a (the least recently used) and keep b, c.
func TestStore_EvictionLRU_Entries(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{MaxEntries: 2})
	ctx := context.Background()

	_ = s.Set(ctx, "ns", "a", []byte("1"), backend.NoTTL)
	_ = s.Set(ctx, "ns", "b", []byte("2"), backend.NoTTL)
	_ = s.Set(ctx, "ns", "c", []byte("3"), backend.NoTTL)

	if ok, _ := s.Exists(ctx, "ns", "a"); ok {
		t.Fatal("a must be evicted")
	}
	if ok, _ := s.Exists(ctx, "ns", "b"); !ok {
		t.Fatal("b must survive")
	}
	if ok, _ := s.Exists(ctx, "ns", "c"); !ok {
		t.Fatal("c must survive")
	}
}

// Get promotes; the promoted entry survives the next eviction.
func TestStore_GetPromotes(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{MaxEntries: 2})
	ctx := context.Background()

	_ = s.Set(ctx, "ns", "a", []byte("1"), backend.NoTTL) // LRU = a
	_ = s.Set(ctx, "ns", "b", []byte("2"), backend.NoTTL) // MRU = b
	if _, err := s.Get(ctx, "ns", "a"); err != nil {      // promote a
		t.Fatal("expect hit for a")
	}
	_ = s.Set(ctx, "ns", "c", []byte("3"), backend.NoTTL) // evicts b

	if ok, _ := s.Exists(ctx, "ns", "b"); ok {
		t.Fatal("b must be evicted")
	}
	if ok, _ := s.Exists(ctx, "ns", "a"); !ok {
		t.Fatal("a must survive (promoted)")
	}
}

// Exists is a pure probe: hammering it on the LRU key must not save that
// key from the next eviction.
func TestStore_ExistsDoesNotPromote(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{MaxEntries: 2})
	ctx := context.Background()

	_ = s.Set(ctx, "ns", "a", []byte("1"), backend.NoTTL) // LRU = a
	_ = s.Set(ctx, "ns", "b", []byte("2"), backend.NoTTL)
	for i := 0; i < 100; i++ {
		if ok, _ := s.Exists(ctx, "ns", "a"); !ok {
			t.Fatal("a must exist")
		}
	}
	_ = s.Set(ctx, "ns", "c", []byte("3"), backend.NoTTL)

	if ok, _ := s.Exists(ctx, "ns", "a"); ok {
		t.Fatal("a must still be evicted first despite Exists probes")
	}
}

// Byte-capacity eviction: inserting past max_bytes drops LRU entries until
// the bound holds again.
func TestStore_EvictionLRU_Bytes(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{MaxBytes: 10})
	ctx := context.Background()

	_ = s.Set(ctx, "ns", "a", []byte("aaaa"), backend.NoTTL) // 4 bytes
	_ = s.Set(ctx, "ns", "b", []byte("bbbb"), backend.NoTTL) // 8 bytes
	_ = s.Set(ctx, "ns", "c", []byte("cccc"), backend.NoTTL) // 12 -> evict a

	if ok, _ := s.Exists(ctx, "ns", "a"); ok {
		t.Fatal("a must be evicted")
	}
	st, _ := s.Size(ctx)
	if st.Bytes > 10 {
		t.Fatalf("byte_count %d exceeds max_bytes", st.Bytes)
	}
	if st.Entries != 2 {
		t.Fatalf("entries = %d, want 2", st.Entries)
	}
}

// A single value larger than max_bytes is a terminal error, not a silent
// drop, and must not disturb resident entries.
func TestStore_CapacityExceeded(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{MaxBytes: 4})
	ctx := context.Background()

	_ = s.Set(ctx, "ns", "a", []byte("ok"), backend.NoTTL)
	err := s.Set(ctx, "ns", "big", []byte("too large"), backend.NoTTL)
	if !errors.Is(err, backend.ErrCapacityExceeded) {
		t.Fatalf("Set big = %v; want ErrCapacityExceeded", err)
	}
	if ok, _ := s.Exists(ctx, "ns", "a"); !ok {
		t.Fatal("resident entry must be untouched")
	}
}

// Namespaces partition the key space; Clear with a namespace drops only
// that namespace, Clear("") drops everything.
func TestStore_Namespaces(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	ctx := context.Background()

	_ = s.Set(ctx, "users", "k", []byte("u"), backend.NoTTL)
	_ = s.Set(ctx, "posts", "k", []byte("p"), backend.NoTTL)

	if v, _ := s.Get(ctx, "users", "k"); string(v) != "u" {
		t.Fatalf("users/k = %q, want u", v)
	}
	if v, _ := s.Get(ctx, "posts", "k"); string(v) != "p" {
		t.Fatalf("posts/k = %q, want p", v)
	}

	if err := s.Clear(ctx, "users"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if ok, _ := s.Exists(ctx, "users", "k"); ok {
		t.Fatal("users namespace must be empty")
	}
	if ok, _ := s.Exists(ctx, "posts", "k"); !ok {
		t.Fatal("posts namespace must be untouched")
	}

	if err := s.Clear(ctx, ""); err != nil {
		t.Fatalf("Clear all: %v", err)
	}
	st, _ := s.Size(ctx)
	if st.Entries != 0 || st.Bytes != 0 {
		t.Fatalf("store not empty after Clear all: %+v", st)
	}
}

// Callers get copies: mutating a returned or stored slice must not corrupt
// the cached value.
func TestStore_ValueIsolation(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	ctx := context.Background()

	src := []byte("orig")
	_ = s.Set(ctx, "ns", "k", src, backend.NoTTL)
	src[0] = 'X'

	got, _ := s.Get(ctx, "ns", "k")
	if string(got) != "orig" {
		t.Fatalf("stored value mutated via caller slice: %q", got)
	}
	got[0] = 'Y'
	again, _ := s.Get(ctx, "ns", "k")
	if string(again) != "orig" {
		t.Fatalf("stored value mutated via returned slice: %q", again)
	}
}

// Batch operations round-trip and report counts.
func TestStore_BatchOps(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	ctx := context.Background()

	err := s.SetMany(ctx, "ns", map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
		"c": []byte("3"),
	}, backend.NoTTL)
	if err != nil {
		t.Fatalf("SetMany: %v", err)
	}

	got, err := s.GetMany(ctx, "ns", []string{"a", "b", "missing"})
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if len(got) != 2 || string(got["a"]) != "1" || string(got["b"]) != "2" {
		t.Fatalf("GetMany = %v", got)
	}

	removed, err := s.DeleteMany(ctx, "ns", []string{"a", "b", "missing"})
	if err != nil || removed != 2 {
		t.Fatalf("DeleteMany = %d, %v; want 2", removed, err)
	}
}

// Increment counts from zero, is atomic under concurrency, and rejects
// non-numeric values.
func TestStore_Increment(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	ctx := context.Background()

	if v, err := s.Increment(ctx, "ns", "n", 5); err != nil || v != 5 {
		t.Fatalf("Increment = %d, %v; want 5", v, err)
	}
	if v, err := s.Increment(ctx, "ns", "n", -2); err != nil || v != 3 {
		t.Fatalf("Increment = %d, %v; want 3", v, err)
	}
	if raw, _ := s.Get(ctx, "ns", "n"); string(raw) != "3" {
		t.Fatalf("stored form = %q, want 3", raw)
	}

	_ = s.Set(ctx, "ns", "s", []byte("not a number"), backend.NoTTL)
	if _, err := s.Increment(ctx, "ns", "s", 1); !errors.Is(err, backend.ErrNotNumeric) {
		t.Fatalf("Increment on text = %v; want ErrNotNumeric", err)
	}

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			_, err := s.Increment(ctx, "ns", "ctr", 1)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Increment(ctx, "ns", "ctr", 0); v != 50 {
		t.Fatalf("concurrent Increment lost updates: %d", v)
	}
}

// Singleflight: N concurrent GetOrSet callers for an absent key invoke
// compute exactly once and all receive the identical result.
func TestStore_GetOrSet_Singleflight(t *testing.T) {
	var calls int64
	s := newTestStore(t, Options{})

	const N = 64
	var g errgroup.Group
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < N; i++ {
		g.Go(func() error {
			v, err := s.GetOrSet(ctx, "ns", "k", func(context.Context) ([]byte, error) {
				atomic.AddInt64(&calls, 1)
				time.Sleep(5 * time.Millisecond) // simulate expensive work
				return []byte("v:k"), nil
			}, backend.NoTTL)
			if err != nil {
				return err
			}
			if string(v) != "v:k" {
				return fmt.Errorf("got %q", v)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("compute must run exactly once, got %d", got)
	}

	// The value is cached: a later call is a pure hit.
	v, err := s.GetOrSet(context.Background(), "ns", "k", func(context.Context) ([]byte, error) {
		atomic.AddInt64(&calls, 1)
		return nil, nil
	}, backend.NoTTL)
	if err != nil || string(v) != "v:k" {
		t.Fatalf("second GetOrSet: v=%q err=%v", v, err)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("compute re-ran on a hit: %d", got)
	}
}

// A compute failure reaches every waiter and caches nothing.
func TestStore_GetOrSet_ComputeError(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	boom := errors.New("boom")

	var calls int64
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			_, err := s.GetOrSet(ctx, "ns", "k", func(context.Context) ([]byte, error) {
				atomic.AddInt64(&calls, 1)
				time.Sleep(2 * time.Millisecond)
				return nil, boom
			}, backend.NoTTL)
			if !errors.Is(err, boom) {
				return fmt.Errorf("want compute error, got %v", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Exists(ctx, "ns", "k"); ok {
		t.Fatal("failed compute must cache nothing")
	}

	// The slot is gone: a later miss recomputes.
	v, err := s.GetOrSet(ctx, "ns", "k", func(context.Context) ([]byte, error) {
		return []byte("second"), nil
	}, backend.NoTTL)
	if err != nil || string(v) != "second" {
		t.Fatalf("recompute after failure: v=%q err=%v", v, err)
	}
}

// Sweep removes only expired entries.
func TestStore_Sweep(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: 1}
	s := newTestStore(t, Options{Clock: clk})
	ctx := context.Background()

	_ = s.Set(ctx, "ns", "dead", []byte("x"), 10*time.Millisecond)
	_ = s.Set(ctx, "ns", "live", []byte("y"), time.Hour)
	_ = s.Set(ctx, "ns", "forever", []byte("z"), backend.NoTTL)
	clk.add(time.Second)

	if dropped := s.Sweep(); dropped != 1 {
		t.Fatalf("Sweep dropped %d, want 1", dropped)
	}
	if ok, _ := s.Exists(ctx, "ns", "live"); !ok {
		t.Fatal("live entry swept")
	}
	if ok, _ := s.Exists(ctx, "ns", "forever"); !ok {
		t.Fatal("forever entry swept")
	}
	st, _ := s.Size(ctx)
	if st.Entries != 2 {
		t.Fatalf("entries = %d, want 2", st.Entries)
	}
}

// Counters reflect traffic, including TTL and capacity evictions.
func TestStore_Counters(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: 1}
	counters := &metrics.Counters{}
	s := newTestStore(t, Options{MaxEntries: 1, Clock: clk, Counters: counters})
	ctx := context.Background()

	_ = s.Set(ctx, "ns", "a", []byte("1"), backend.NoTTL)
	_, _ = s.Get(ctx, "ns", "a")                          // hit
	_, _ = s.Get(ctx, "ns", "nope")                       // miss
	_ = s.Set(ctx, "ns", "b", []byte("2"), backend.NoTTL) // evicts a
	_, _ = s.Delete(ctx, "ns", "b")

	st := counters.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Sets != 2 || st.Deletes != 1 || st.Evictions != 1 {
		t.Fatalf("unexpected counters: %+v", st)
	}
	if st.HitRate != 0.5 {
		t.Fatalf("hit rate = %v, want 0.5", st.HitRate)
	}
}

// Keys and namespaces are opaque byte strings: a separator byte inside
// either must never make two distinct (namespace, key) pairs share one
// entry.
func TestStore_NamespaceKeyPairsDoNotAlias(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	ctx := context.Background()

	// ("a", "b\x1fc") and ("a\x1fb", "c") flatten to the same string under
	// any single-separator join.
	if err := s.Set(ctx, "a", "b\x1fc", []byte("first"), backend.NoTTL); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "a\x1fb", "c", []byte("second"), backend.NoTTL); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if v, err := s.Get(ctx, "a", "b\x1fc"); err != nil || string(v) != "first" {
		t.Fatalf(`Get("a", "b\x1fc") = %q, %v; want first`, v, err)
	}
	if v, err := s.Get(ctx, "a\x1fb", "c"); err != nil || string(v) != "second" {
		t.Fatalf(`Get("a\x1fb", "c") = %q, %v; want second`, v, err)
	}
	st, _ := s.Size(ctx)
	if st.Entries != 2 {
		t.Fatalf("entries = %d, want 2 distinct entries", st.Entries)
	}

	// Deleting one pair must not touch the other.
	if removed, _ := s.Delete(ctx, "a\x1fb", "c"); !removed {
		t.Fatal("Delete must find its own entry")
	}
	if ok, _ := s.Exists(ctx, "a", "b\x1fc"); !ok {
		t.Fatal("sibling entry destroyed by Delete")
	}

	// Clearing one namespace must not reach into the other.
	_ = s.Set(ctx, "a\x1fb", "c", []byte("second"), backend.NoTTL)
	if err := s.Clear(ctx, "a"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if ok, _ := s.Exists(ctx, "a\x1fb", "c"); !ok {
		t.Fatal(`Clear("a") removed an entry of namespace "a\x1fb"`)
	}
}

// Concurrent GetOrSet calls for distinct (namespace, key) pairs must not
// share a flight, even when the pairs flatten to the same string.
func TestStore_GetOrSet_NoCrossPairCoalescing(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Options{})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		v, err := s.GetOrSet(ctx, "a", "b\x1fc", func(context.Context) ([]byte, error) {
			close(started)
			<-release
			return []byte("first"), nil
		}, backend.NoTTL)
		if err != nil {
			return err
		}
		if string(v) != "first" {
			return fmt.Errorf("leader got %q, want first", v)
		}
		return nil
	})

	// While the first flight is computing, the aliasing pair must run its
	// own compute instead of waiting on (or receiving) the other's result.
	<-started
	v, err := s.GetOrSet(ctx, "a\x1fb", "c", func(context.Context) ([]byte, error) {
		return []byte("second"), nil
	}, backend.NoTTL)
	close(release)
	if err != nil || string(v) != "second" {
		t.Fatalf("GetOrSet = %q, %v; want second", v, err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

// A cold GetOrSet is one logical lookup: exactly one miss, one set, no
// hits, regardless of the internal re-check inside the flight.
func TestStore_GetOrSet_CountsOneMiss(t *testing.T) {
	t.Parallel()

	counters := &metrics.Counters{}
	s := newTestStore(t, Options{Counters: counters})
	ctx := context.Background()

	v, err := s.GetOrSet(ctx, "ns", "k", func(context.Context) ([]byte, error) {
		return []byte("v"), nil
	}, backend.NoTTL)
	if err != nil || string(v) != "v" {
		t.Fatalf("GetOrSet = %q, %v", v, err)
	}

	st := counters.Stats()
	if st.Misses != 1 || st.Hits != 0 || st.Sets != 1 {
		t.Fatalf("cold GetOrSet counted %+v; want misses=1 hits=0 sets=1", st)
	}

	// A warm call is one hit and nothing else.
	if _, err := s.GetOrSet(ctx, "ns", "k", func(context.Context) ([]byte, error) {
		t.Error("compute ran on a warm key")
		return nil, nil
	}, backend.NoTTL); err != nil {
		t.Fatalf("warm GetOrSet: %v", err)
	}
	st = counters.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Sets != 1 {
		t.Fatalf("warm GetOrSet counted %+v; want hits=1 misses=1 sets=1", st)
	}
}
