// Package config holds the benchmark configuration read by cmd/spmvbench.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/notargets/SpMVKernel/comm"
	"github.com/notargets/SpMVKernel/gallery"
	"github.com/notargets/SpMVKernel/partitions"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned by Validate and Load for unusable settings.
var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Backend         string        `yaml:"backend"`
	Ranks           int           `yaml:"ranks"`
	Partition       string        `yaml:"partition"`
	Timeout         string        `yaml:"timeout"`
	Iterations      int           `yaml:"iterations"`
	Warmup          int           `yaml:"warmup"`
	Transpose       bool          `yaml:"transpose"`
	Verify          bool          `yaml:"verify"`
	Device          string        `yaml:"device"` // empty runs on the host, "auto" picks an OCCA backend
	CollectiveCheck bool          `yaml:"collective_check"`
	Gallery         GalleryConfig `yaml:"gallery"`
	Logging         LoggingConfig `yaml:"logging"`
	Metrics         MetricsConfig `yaml:"metrics"`
}

type GalleryConfig struct {
	Kind  string  `yaml:"kind"`
	N     int     `yaml:"n"`
	Nx    int     `yaml:"nx"`
	Ny    int     `yaml:"ny"`
	Diag  float64 `yaml:"diag"`
	Lower float64 `yaml:"lower"`
	Upper float64 `yaml:"upper"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // serve /metrics here when set
}

// Default returns a single-rank 2D Laplacian run on the host.
func Default() *Config {
	return &Config{
		Backend:    string(comm.BackendLocal),
		Ranks:      1,
		Partition:  partitions.BlockPartition.String(),
		Timeout:    "30s",
		Iterations: 100,
		Warmup:     5,
		Gallery: GalleryConfig{
			Kind: gallery.Laplace2D.String(),
			Nx:   256,
			Ny:   256,
			Diag: 2,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults. A missing file yields the
// defaults. Values are not validated here: callers apply their overrides
// first and then call Validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrInvalid, filepath.Base(path), err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks every field that has a closed set of values.
func (c *Config) Validate() error {
	switch comm.Backend(c.Backend) {
	case comm.BackendLocal, comm.BackendMPI:
	default:
		return fmt.Errorf("%w: backend %q", ErrInvalid, c.Backend)
	}
	if c.Ranks < 1 {
		return fmt.Errorf("%w: ranks must be positive, got %d", ErrInvalid, c.Ranks)
	}
	if c.Iterations < 1 || c.Warmup < 0 {
		return fmt.Errorf("%w: iterations %d warmup %d", ErrInvalid, c.Iterations, c.Warmup)
	}
	strategy, err := c.Strategy()
	if err != nil {
		return err
	}
	if strategy == partitions.ExplicitPartition {
		return fmt.Errorf("%w: explicit layouts cannot be configured from a file", ErrInvalid)
	}
	if _, err := c.TimeoutDuration(); err != nil {
		return err
	}
	spec, err := c.GallerySpec()
	if err != nil {
		return err
	}
	if _, err := spec.Rows(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// TimeoutDuration parses Timeout. Zero disables the per-call timeout.
func (c *Config) TimeoutDuration() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: timeout %q", ErrInvalid, c.Timeout)
	}
	return d, nil
}

// Strategy returns the parsed partition strategy.
func (c *Config) Strategy() (partitions.PartitionStrategy, error) {
	s, err := partitions.ParseStrategy(c.Partition)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return s, nil
}

// GallerySpec converts the gallery section.
func (c *Config) GallerySpec() (gallery.Spec, error) {
	kind, err := gallery.ParseKind(c.Gallery.Kind)
	if err != nil {
		return gallery.Spec{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return gallery.Spec{
		Kind:  kind,
		N:     c.Gallery.N,
		Nx:    c.Gallery.Nx,
		Ny:    c.Gallery.Ny,
		Diag:  c.Gallery.Diag,
		Lower: c.Gallery.Lower,
		Upper: c.Gallery.Upper,
	}, nil
}
