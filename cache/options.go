package cache

import (
	"log/slog"

	"github.com/tiercache/tiercache/backend"
	"github.com/tiercache/tiercache/metrics"
)

type options struct {
	logger     *slog.Logger
	recorder   metrics.Recorder
	defaultCfg backend.Config
}

func defaultOptions() options {
	return options{
		logger:   slog.Default(),
		recorder: metrics.Noop{},
		// Unbounded memory backend; matches the fast-access default of
		// callers that never configure anything.
		defaultCfg: backend.Config{Kind: backend.KindMemory},
	}
}

// Option configures a Manager.
type Option func(*options)

// WithLogger sets the logger for operational events (backend construction,
// teardown failures, sweeps).
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRecorder installs an observability hook (e.g. the metrics/prom
// adapter) on every backend the manager constructs. Snapshot counters are
// collected regardless.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithDefaultBackend sets the configuration used when the default backend
// is first needed. Without it the default is an unbounded memory backend.
func WithDefaultBackend(cfg backend.Config) Option {
	return func(o *options) { o.defaultCfg = cfg }
}
