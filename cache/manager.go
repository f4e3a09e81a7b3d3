package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tiercache/tiercache/backend"
	"github.com/tiercache/tiercache/backend/disk"
	"github.com/tiercache/tiercache/backend/memory"
	"github.com/tiercache/tiercache/backend/null"
	"github.com/tiercache/tiercache/metrics"
)

// Manager owns a registry of named backend instances and routes the
// unified API to them. Construct one explicitly and hand it to callers;
// there is no package-level singleton.
//
// The registry is read-mostly: the write lock is held only while a backend
// is constructed for the first time.
type Manager struct {
	mu      sync.RWMutex
	handles map[string]*handle
	closed  bool

	defaultName string
	defaultCfg  backend.Config

	log *slog.Logger
	rec metrics.Recorder
}

// handle pairs a backend with the counters the manager snapshots.
// The manager exclusively owns both for the manager's lifetime.
type handle struct {
	be       backend.Backend
	counters *metrics.Counters
}

// New constructs an empty manager. Backends are built lazily by Backend or
// on first use of the default; see NewFromConfig for eager construction
// from a configuration file.
func New(opts ...Option) *Manager {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	defCfg := o.defaultCfg
	if defCfg.Name == "" {
		defCfg.Name = string(defCfg.Kind)
	}
	return &Manager{
		handles:     make(map[string]*handle),
		defaultName: defCfg.Name,
		defaultCfg:  defCfg,
		log:         o.logger,
		rec:         o.recorder,
	}
}

// Backend returns the backend registered under cfg.Name, constructing it
// from cfg on first request. The first configuration for a name wins;
// later calls with the same name reuse the existing instance regardless of
// their cfg. An empty cfg.Name defaults to the kind name.
func (m *Manager) Backend(ctx context.Context, cfg backend.Config) (backend.Backend, error) {
	if cfg.Name == "" {
		cfg.Name = string(cfg.Kind)
	}

	m.mu.RLock()
	h, ok := m.handles[cfg.Name]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("cache: manager is closed")
	}
	if ok {
		return h.be, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("cache: manager is closed")
	}
	if h, ok := m.handles[cfg.Name]; ok {
		return h.be, nil
	}
	h, err := m.buildLocked(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return h.be, nil
}

// buildLocked constructs and registers a backend. mu must be held.
func (m *Manager) buildLocked(ctx context.Context, cfg backend.Config) (*handle, error) {
	counters := &metrics.Counters{}
	var (
		be  backend.Backend
		err error
	)
	switch cfg.Kind {
	case backend.KindMemory:
		be = memory.New(memory.Options{
			Name:          cfg.Name,
			MaxEntries:    cfg.MaxEntries,
			MaxBytes:      cfg.MaxBytes,
			SweepInterval: cfg.SweepInterval,
			Counters:      counters,
			Recorder:      m.rec,
		})
	case backend.KindDisk:
		be, err = disk.Open(ctx, disk.Options{
			Name:       cfg.Name,
			Path:       cfg.StoragePath,
			MaxEntries: cfg.MaxEntries,
			MaxBytes:   cfg.MaxBytes,
			Counters:   counters,
			Recorder:   m.rec,
			Logger:     m.log,
		})
	case backend.KindNull:
		be = null.New(null.Options{
			Name:     cfg.Name,
			Counters: counters,
			Recorder: m.rec,
		})
	default:
		return nil, fmt.Errorf("cache: unknown backend kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}

	h := &handle{be: be, counters: counters}
	m.handles[cfg.Name] = h
	m.log.Debug("cache backend constructed", "name", cfg.Name, "kind", cfg.Kind)
	return h, nil
}

// resolve finds the backend for a unified-API call. An empty name selects
// the default backend, constructing it on first use; a name matching a
// backend kind that has no registered instance yet is built with that
// kind's zero configuration (memory and null only — disk needs a path).
func (m *Manager) resolve(ctx context.Context, name string) (backend.Backend, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, fmt.Errorf("cache: manager is closed")
	}
	lookup := name
	if lookup == "" {
		lookup = m.defaultName
	}
	if h, ok := m.handles[lookup]; ok {
		m.mu.RUnlock()
		return h.be, nil
	}
	m.mu.RUnlock()

	switch {
	case name == "":
		return m.Backend(ctx, m.defaultCfg)
	case name == string(backend.KindMemory), name == string(backend.KindNull):
		return m.Backend(ctx, backend.Config{Name: name, Kind: backend.Kind(name)})
	default:
		return nil, fmt.Errorf("cache: no backend named %q", name)
	}
}

// Get retrieves a value from the named backend ("" = default).
func (m *Manager) Get(ctx context.Context, name, namespace, key string) ([]byte, error) {
	be, err := m.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	return be.Get(ctx, namespace, key)
}

// Set stores a value in the named backend. Use backend.NoTTL for entries
// that should not expire.
func (m *Manager) Set(ctx context.Context, name, namespace, key string, value []byte, ttl time.Duration) error {
	be, err := m.resolve(ctx, name)
	if err != nil {
		return err
	}
	return be.Set(ctx, namespace, key, value, ttl)
}

// Exists probes the named backend without perturbing eviction order.
func (m *Manager) Exists(ctx context.Context, name, namespace, key string) (bool, error) {
	be, err := m.resolve(ctx, name)
	if err != nil {
		return false, err
	}
	return be.Exists(ctx, namespace, key)
}

// Delete removes a key from the named backend.
func (m *Manager) Delete(ctx context.Context, name, namespace, key string) (bool, error) {
	be, err := m.resolve(ctx, name)
	if err != nil {
		return false, err
	}
	return be.Delete(ctx, namespace, key)
}

// Clear empties a namespace (or, with an empty namespace, the whole
// backend) without destroying the backend instance.
func (m *Manager) Clear(ctx context.Context, name, namespace string) error {
	be, err := m.resolve(ctx, name)
	if err != nil {
		return err
	}
	return be.Clear(ctx, namespace)
}

// GetOrSet returns the cached value or computes it exactly once across
// concurrent callers of the same (backend, namespace, key).
func (m *Manager) GetOrSet(ctx context.Context, name, namespace, key string, compute backend.ComputeFunc, ttl time.Duration) ([]byte, error) {
	be, err := m.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	return be.GetOrSet(ctx, namespace, key, compute, ttl)
}

// GetMany retrieves multiple keys from the named backend.
func (m *Manager) GetMany(ctx context.Context, name, namespace string, keys []string) (map[string][]byte, error) {
	be, err := m.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	return be.GetMany(ctx, namespace, keys)
}

// SetMany stores multiple values with a shared ttl.
func (m *Manager) SetMany(ctx context.Context, name, namespace string, values map[string][]byte, ttl time.Duration) error {
	be, err := m.resolve(ctx, name)
	if err != nil {
		return err
	}
	return be.SetMany(ctx, namespace, values, ttl)
}

// DeleteMany removes multiple keys, returning how many existed.
func (m *Manager) DeleteMany(ctx context.Context, name, namespace string, keys []string) (int, error) {
	be, err := m.resolve(ctx, name)
	if err != nil {
		return 0, err
	}
	return be.DeleteMany(ctx, namespace, keys)
}

// Increment atomically adds delta to the integer at key.
func (m *Manager) Increment(ctx context.Context, name, namespace, key string, delta int64) (int64, error) {
	be, err := m.resolve(ctx, name)
	if err != nil {
		return 0, err
	}
	return be.Increment(ctx, namespace, key, delta)
}

// Size reports the resident footprint of the named backend.
func (m *Manager) Size(ctx context.Context, name string) (backend.Stats, error) {
	be, err := m.resolve(ctx, name)
	if err != nil {
		return backend.Stats{}, err
	}
	return be.Size(ctx)
}

// Metrics returns a point-in-time snapshot of every constructed backend's
// counters, including derived hit rates.
func (m *Manager) Metrics() metrics.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make(metrics.Snapshot, len(m.handles))
	for name, h := range m.handles {
		snap[name] = h.counters.Stats()
	}
	return snap
}

// Close tears down every backend. Disk backends flush and close their
// store; the first failure is returned after all backends were attempted.
// Close is idempotent; operations after Close fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var first error
	for name, h := range m.handles {
		if err := h.be.Close(); err != nil {
			m.log.Error("cache backend close failed", "name", name, "err", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
