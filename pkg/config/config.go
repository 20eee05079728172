// Package config loads knurl configuration from YAML with sane defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "10m", or from a plain nanosecond integer.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := node.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value %q", node.Value)
	}
	*d = Duration(n)
	return nil
}

// CacheConfig sizes the geometry cache.
type CacheConfig struct {
	// BudgetBytes caps resident mesh bytes. Oldest entries evict first.
	BudgetBytes int64 `yaml:"budget_bytes"`
	// TTL is the idle lifetime of a cache entry.
	TTL Duration `yaml:"ttl"`
	// SweepInterval is how often expired entries are collected.
	SweepInterval Duration `yaml:"sweep_interval"`
}

// WorkerConfig tunes the compute worker.
type WorkerConfig struct {
	// CallTimeout bounds a single worker call.
	CallTimeout Duration `yaml:"call_timeout"`
	// MeshCells is the marching-cubes resolution along the longest axis.
	MeshCells int `yaml:"mesh_cells"`
}

// Config is the root configuration.
type Config struct {
	Cache  CacheConfig  `yaml:"cache"`
	Worker WorkerConfig `yaml:"worker"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			BudgetBytes:   100 << 20,
			TTL:           Duration(60 * time.Minute),
			SweepInterval: Duration(5 * time.Minute),
		},
		Worker: WorkerConfig{
			CallTimeout: Duration(30 * time.Second),
			MeshCells:   200,
		},
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	if c.Cache.BudgetBytes <= 0 {
		return fmt.Errorf("cache.budget_bytes must be positive, got %d", c.Cache.BudgetBytes)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive, got %s", c.Cache.TTL)
	}
	if c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache.sweep_interval must be positive, got %s", c.Cache.SweepInterval)
	}
	if c.Worker.CallTimeout <= 0 {
		return fmt.Errorf("worker.call_timeout must be positive, got %s", c.Worker.CallTimeout)
	}
	if c.Worker.MeshCells < 8 {
		return fmt.Errorf("worker.mesh_cells must be at least 8, got %d", c.Worker.MeshCells)
	}
	return nil
}
