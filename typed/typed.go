// Package typed layers type-safe accessors over the byte-oriented cache
// API. Values are serialized with msgpack, so one facade works unchanged
// against the memory, disk and null tiers. Domain caches (contract
// metadata, query results, ...) are expected to be thin users of this
// package rather than of the backends directly.
package typed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tiercache/tiercache/backend"
	"github.com/tiercache/tiercache/cache"
)

// Cache binds a value type to one (manager, backend, namespace) triple.
// The namespace keeps this facade's keys from colliding with any other
// user of the same backend.
type Cache[T any] struct {
	m         *cache.Manager
	backendNm string
	namespace string
}

// New constructs a typed facade. backendName may be empty to use the
// manager's default backend.
func New[T any](m *cache.Manager, backendName, namespace string) *Cache[T] {
	return &Cache[T]{m: m, backendNm: backendName, namespace: namespace}
}

// Get returns the decoded value and whether it was present. A miss is not
// an error; decode failures and storage failures are.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	raw, err := c.m.Get(ctx, c.backendNm, c.namespace, key)
	if errors.Is(err, backend.ErrMiss) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	var v T
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return zero, false, fmt.Errorf("typed: decode %q: %w", key, err)
	}
	return v, true, nil
}

// Set encodes and stores the value.
func (c *Cache[T]) Set(ctx context.Context, key string, v T, ttl time.Duration) error {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("typed: encode %q: %w", key, err)
	}
	return c.m.Set(ctx, c.backendNm, c.namespace, key, raw, ttl)
}

// Exists probes for the key without affecting eviction order.
func (c *Cache[T]) Exists(ctx context.Context, key string) (bool, error) {
	return c.m.Exists(ctx, c.backendNm, c.namespace, key)
}

// Delete removes the key, reporting whether an entry existed.
func (c *Cache[T]) Delete(ctx context.Context, key string) (bool, error) {
	return c.m.Delete(ctx, c.backendNm, c.namespace, key)
}

// Clear empties this facade's namespace only.
func (c *Cache[T]) Clear(ctx context.Context) error {
	return c.m.Clear(ctx, c.backendNm, c.namespace)
}

// GetOrSet returns the cached value or computes it read-through. The
// encoded value travels the backend's single-flight path, so concurrent
// callers for the same key share one compute invocation.
func (c *Cache[T]) GetOrSet(ctx context.Context, key string, compute func(ctx context.Context) (T, error), ttl time.Duration) (T, error) {
	raw, err := c.m.GetOrSet(ctx, c.backendNm, c.namespace, key, func(ctx context.Context) ([]byte, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		enc, err := msgpack.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("typed: encode %q: %w", key, err)
		}
		return enc, nil
	}, ttl)
	var zero T
	if err != nil {
		return zero, err
	}
	var v T
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("typed: decode %q: %w", key, err)
	}
	return v, nil
}
