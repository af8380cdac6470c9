package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/notargets/SpMVKernel/gallery"
	"github.com/notargets/SpMVKernel/partitions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	d, err := cfg.TimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	spec, err := cfg.GallerySpec()
	require.NoError(t, err)
	assert.Equal(t, gallery.Laplace2D, spec.Kind)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ranks: 4
partition: round-robin
timeout: 250ms
verify: true
gallery:
  kind: tridiag
  n: 1000
  diag: 4
  lower: -1
  upper: -2
logging:
  level: debug
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Ranks)
	assert.True(t, cfg.Verify)
	assert.Equal(t, 100, cfg.Iterations, "unset fields keep their defaults")
	assert.Equal(t, "debug", cfg.Logging.Level)

	strategy, err := cfg.Strategy()
	require.NoError(t, err)
	assert.Equal(t, partitions.RoundRobin, strategy)

	spec, err := cfg.GallerySpec()
	require.NoError(t, err)
	assert.Equal(t, gallery.Spec{Kind: gallery.Tridiag, N: 1000, Nx: 256, Ny: 256, Diag: 4, Lower: -1, Upper: -2}, spec)
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Ranks = 3
	cfg.Metrics.Addr = ":9102"
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"backend", func(c *Config) { c.Backend = "tcp" }},
		{"ranks", func(c *Config) { c.Ranks = 0 }},
		{"iterations", func(c *Config) { c.Iterations = 0 }},
		{"warmup", func(c *Config) { c.Warmup = -1 }},
		{"partition", func(c *Config) { c.Partition = "metis" }},
		{"explicit partition", func(c *Config) { c.Partition = "explicit" }},
		{"timeout", func(c *Config) { c.Timeout = "soon" }},
		{"negative timeout", func(c *Config) { c.Timeout = "-1s" }},
		{"kind", func(c *Config) { c.Gallery.Kind = "hilbert" }},
		{"grid", func(c *Config) { c.Gallery.Nx = -4 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestLoad_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ranks: [1, 2\n"), 0644))
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalid)

	require.NoError(t, os.WriteFile(path, []byte("ranks: -2\n"), 0644))
	cfg, err := Load(path)
	require.NoError(t, err, "range checks wait for Validate")
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
	cfg.Ranks = 2
	assert.NoError(t, cfg.Validate())
}
