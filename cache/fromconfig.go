package cache

import (
	"context"
	"errors"

	"github.com/tiercache/tiercache/config"
)

// NewFromConfig builds a manager with every declared backend constructed
// eagerly and cfg.Default designated as the default. On failure, backends
// already built are closed before returning.
func NewFromConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("cache: nil config")
	}

	bcs := cfg.BackendConfigs()
	for _, bc := range bcs {
		if bc.Name == cfg.Default {
			opts = append(opts, WithDefaultBackend(bc))
			break
		}
	}

	m := New(opts...)
	for _, bc := range bcs {
		if _, err := m.Backend(ctx, bc); err != nil {
			_ = m.Close()
			return nil, err
		}
	}
	return m, nil
}
