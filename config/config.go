// Package config loads the cache engine's backend declarations from a
// YAML file, with environment overrides for deployment-specific paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tiercache/tiercache/backend"
)

// EnvStorageDir, when set, anchors every relative disk storage_path.
const EnvStorageDir = "TIERCACHE_STORAGE_DIR"

// Duration wraps time.Duration so YAML accepts "30s"/"5m" strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// BackendConfig declares one backend instance.
type BackendConfig struct {
	Name          string   `yaml:"name"`
	Kind          string   `yaml:"kind"`
	MaxEntries    int64    `yaml:"max_entries"`
	MaxBytes      int64    `yaml:"max_bytes"`
	StoragePath   string   `yaml:"storage_path"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// Config is the root document: the declared backends plus which of them
// serves unnamed calls.
type Config struct {
	Default  string          `yaml:"default"`
	Backends []BackendConfig `yaml:"backends"`
}

// Load reads and validates a configuration file, then applies environment
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, validates and applies environment overrides to a raw
// YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("config: no backends declared")
	}
	seen := make(map[string]bool, len(c.Backends))
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Name == "" {
			b.Name = b.Kind
		}
		if seen[b.Name] {
			return fmt.Errorf("config: duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true

		switch backend.Kind(b.Kind) {
		case backend.KindMemory, backend.KindNull:
		case backend.KindDisk:
			if b.StoragePath == "" {
				return fmt.Errorf("config: backend %q: disk kind requires storage_path", b.Name)
			}
		default:
			return fmt.Errorf("config: backend %q: unknown kind %q", b.Name, b.Kind)
		}
	}
	if c.Default == "" {
		c.Default = c.Backends[0].Name
	}
	if !seen[c.Default] {
		return fmt.Errorf("config: default backend %q is not declared", c.Default)
	}
	return nil
}

// applyEnv anchors relative disk paths under EnvStorageDir when it is set.
func (c *Config) applyEnv() {
	dir := os.Getenv(EnvStorageDir)
	if dir == "" {
		return
	}
	for i := range c.Backends {
		b := &c.Backends[i]
		if backend.Kind(b.Kind) == backend.KindDisk && !filepath.IsAbs(b.StoragePath) {
			b.StoragePath = filepath.Join(dir, b.StoragePath)
		}
	}
}

// BackendConfigs converts the declarations to the backend package's form.
func (c *Config) BackendConfigs() []backend.Config {
	out := make([]backend.Config, 0, len(c.Backends))
	for _, b := range c.Backends {
		out = append(out, backend.Config{
			Name:          b.Name,
			Kind:          backend.Kind(b.Kind),
			MaxEntries:    b.MaxEntries,
			MaxBytes:      b.MaxBytes,
			StoragePath:   b.StoragePath,
			SweepInterval: time.Duration(b.SweepInterval),
		})
	}
	return out
}
