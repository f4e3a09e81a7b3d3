// Package backend defines the storage contract shared by every cache tier.
//
// A Backend stores opaque byte values keyed by (namespace, key). Namespaces
// partition the key space inside one backend instance; they are not separate
// storage objects. All implementations are safe for concurrent use and all
// blocking operations accept a context.
//
// Values are copied on the way in and on the way out: a caller never holds a
// reference into a backend's internal storage.
package backend

import (
	"context"
	"time"
)

// NoTTL disables expiration for a Set. Any negative ttl behaves the same;
// a ttl >= 0 sets the expiry to now+ttl, so a zero ttl produces an entry
// that is already expired on the next read.
const NoTTL time.Duration = -1

// ComputeFunc produces a value for GetOrSet when the key is absent.
// It may be expensive; concurrent GetOrSet calls for the same key run it
// at most once within a backend.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Stats reports the resident footprint of a backend.
type Stats struct {
	Entries int64
	Bytes   int64
}

// Kind selects one of the closed set of backend implementations.
type Kind string

const (
	KindMemory Kind = "memory"
	KindDisk   Kind = "disk"
	KindNull   Kind = "null"
)

// Config describes how a backend instance is built. Zero limits mean
// unbounded; StoragePath applies to the disk kind only, SweepInterval to
// the memory kind only.
type Config struct {
	Name          string
	Kind          Kind
	MaxEntries    int64
	MaxBytes      int64
	StoragePath   string
	SweepInterval time.Duration
}

// Backend is the uniform operation set over the memory, disk and null tiers.
//
// Read paths treat an entry whose expiry has passed as absent and may remove
// it eagerly. Get refreshes recency; Exists never does.
type Backend interface {
	// Name returns the instance name the backend was configured with.
	Name() string

	// Get returns a copy of the value for (namespace, key) and refreshes
	// its recency. Returns ErrMiss if the key is absent or expired.
	Get(ctx context.Context, namespace, key string) ([]byte, error)

	// Set stores value with the given ttl, overwriting any existing entry.
	// If storing would exceed capacity, least-recently-used entries are
	// evicted until the limits hold; a single value that can never fit
	// fails with ErrCapacityExceeded and changes nothing.
	Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error

	// Exists reports whether the key is present and unexpired. It is a
	// pure probe: it does not count as an access for eviction ordering.
	Exists(ctx context.Context, namespace, key string) (bool, error)

	// Delete removes the key, reporting whether an entry existed.
	Delete(ctx context.Context, namespace, key string) (bool, error)

	// Clear removes every entry in the namespace; an empty namespace
	// clears the whole backend.
	Clear(ctx context.Context, namespace string) error

	// GetOrSet returns the cached value or, on miss, runs compute, stores
	// its result with ttl and returns it. Concurrent callers for the same
	// key share one compute invocation and its outcome; a compute failure
	// reaches every waiting caller and caches nothing.
	GetOrSet(ctx context.Context, namespace, key string, compute ComputeFunc, ttl time.Duration) ([]byte, error)

	// GetMany returns copies of the values for the given keys; absent and
	// expired keys are simply left out of the result.
	GetMany(ctx context.Context, namespace string, keys []string) (map[string][]byte, error)

	// SetMany stores all values with a shared ttl. On transactional
	// backends the batch commits atomically.
	SetMany(ctx context.Context, namespace string, values map[string][]byte, ttl time.Duration) error

	// DeleteMany removes the given keys, returning how many existed.
	DeleteMany(ctx context.Context, namespace string, keys []string) (int, error)

	// Increment adds delta to the integer stored at key and returns the
	// new value. The stored representation is the base-10 ASCII form; an
	// absent key counts from zero. Returns ErrNotNumeric if the current
	// value does not parse as an integer.
	Increment(ctx context.Context, namespace, key string, delta int64) (int64, error)

	// Size returns the resident entry and byte counts.
	Size(ctx context.Context) (Stats, error)

	// Close releases the backend's resources. For the disk tier this
	// flushes and closes the underlying store.
	Close() error
}
