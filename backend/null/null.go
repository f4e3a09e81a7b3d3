// Package null implements the no-op cache tier: reads always miss, writes
// succeed without storing anything. Wiring it in disables caching with no
// behavioral surprise to callers.
package null

import (
	"context"
	"time"

	"github.com/tiercache/tiercache/backend"
	"github.com/tiercache/tiercache/metrics"
)

// Store is the null backend. The zero value is not usable; call New.
type Store struct {
	name     string
	counters *metrics.Counters
	rec      metrics.Recorder
}

// Options configures a null backend; both fields may be left nil.
type Options struct {
	Name     string
	Counters *metrics.Counters
	Recorder metrics.Recorder
}

// New constructs a null backend.
func New(opt Options) *Store {
	if opt.Name == "" {
		opt.Name = string(backend.KindNull)
	}
	if opt.Counters == nil {
		opt.Counters = &metrics.Counters{}
	}
	if opt.Recorder == nil {
		opt.Recorder = metrics.Noop{}
	}
	return &Store{name: opt.Name, counters: opt.Counters, rec: opt.Recorder}
}

var _ backend.Backend = (*Store)(nil)

func (s *Store) Name() string { return s.name }

// Get always misses.
func (s *Store) Get(context.Context, string, string) ([]byte, error) {
	s.counters.Miss()
	s.rec.Miss()
	return nil, backend.ErrMiss
}

// Set succeeds without storing.
func (s *Store) Set(context.Context, string, string, []byte, time.Duration) error {
	s.counters.Set()
	s.rec.Set()
	return nil
}

// Exists is always false.
func (s *Store) Exists(context.Context, string, string) (bool, error) {
	return false, nil
}

// Delete succeeds; there is never an entry to remove.
func (s *Store) Delete(context.Context, string, string) (bool, error) {
	s.counters.Delete()
	s.rec.Delete()
	return false, nil
}

// Clear is a no-op.
func (s *Store) Clear(context.Context, string) error { return nil }

// GetOrSet always invokes compute and returns its result uncached.
// There is nothing to coalesce: no caller can ever observe a cached value,
// so each call pays for its own computation.
func (s *Store) GetOrSet(ctx context.Context, _, _ string, compute backend.ComputeFunc, _ time.Duration) ([]byte, error) {
	s.counters.Miss()
	s.rec.Miss()
	v, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	s.counters.Set()
	s.rec.Set()
	return v, nil
}

// GetMany returns an empty result.
func (s *Store) GetMany(_ context.Context, _ string, keys []string) (map[string][]byte, error) {
	for range keys {
		s.counters.Miss()
		s.rec.Miss()
	}
	return map[string][]byte{}, nil
}

// SetMany succeeds without storing.
func (s *Store) SetMany(_ context.Context, _ string, values map[string][]byte, _ time.Duration) error {
	for range values {
		s.counters.Set()
		s.rec.Set()
	}
	return nil
}

// DeleteMany removes nothing.
func (s *Store) DeleteMany(_ context.Context, _ string, keys []string) (int, error) {
	for range keys {
		s.counters.Delete()
		s.rec.Delete()
	}
	return 0, nil
}

// Increment always counts from zero since nothing persists.
func (s *Store) Increment(_ context.Context, _, _ string, delta int64) (int64, error) {
	s.counters.Set()
	s.rec.Set()
	return delta, nil
}

// Size is always empty.
func (s *Store) Size(context.Context) (backend.Stats, error) {
	return backend.Stats{}, nil
}

// Close has nothing to release.
func (s *Store) Close() error { return nil }
