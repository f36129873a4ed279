package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.Timeout)
	assert.Equal(t, 3, cfg.Breaker.HalfOpenMaxAttempts)
	assert.Equal(t, 2.0, cfg.Breaker.BackoffMultiplier)
	assert.Equal(t, 5*time.Minute, cfg.Breaker.MaxTimeout)

	assert.Equal(t, 10, cfg.Pool.MaxConnections)
	assert.Equal(t, 2, cfg.Pool.MinConnections)
	assert.Equal(t, 5*time.Second, cfg.Pool.AcquireTimeout)

	assert.Equal(t, 1000, cfg.Cache.MaxEntries)
	assert.Equal(t, time.Hour, cfg.Cache.DefaultTTL)
	assert.Equal(t, 5*time.Minute, cfg.Cache.CleanupInterval)
	assert.Equal(t, 16, cfg.Cache.Shards)

	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Sync.ReconcileInterval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Telemetry.Enabled)
}

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

func TestLoaderMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoaderYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
breaker:
  failure_threshold: 7
  timeout: 10s
pool:
  max_connections: 25
cache:
  max_entries: 500
database:
  driver: postgres
  dsn: "host=db user=mem dbname=records"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.Breaker.Timeout)
	assert.Equal(t, 25, cfg.Pool.MaxConnections)
	assert.Equal(t, 500, cfg.Cache.MaxEntries)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	// Untouched sections keep defaults.
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Sync.ReconcileInterval)
}

func TestLoaderEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  max_connections: 25\n"), 0o600))

	t.Setenv("MEMSTORE_POOL_MAX_CONNECTIONS", "40")
	t.Setenv("MEMSTORE_BREAKER_TIMEOUT", "45s")
	t.Setenv("MEMSTORE_REDIS_ENABLED", "true")
	t.Setenv("MEMSTORE_LOG_OUTPUT_PATHS", "stdout, /var/log/memstore.log")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 40, cfg.Pool.MaxConnections)
	assert.Equal(t, 45*time.Second, cfg.Breaker.Timeout)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, []string{"stdout", "/var/log/memstore.log"}, cfg.Log.OutputPaths)
}

func TestLoaderInvalidEnvValue(t *testing.T) {
	t.Setenv("MEMSTORE_POOL_MAX_CONNECTIONS", "not-a-number")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MEMSTORE_POOL_MAX_CONNECTIONS")
}

func TestLoaderValidator(t *testing.T) {
	boom := errors.New("max_connections must be positive")
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			if c.Pool.MaxConnections <= 0 {
				return boom
			}
			return nil
		}).
		Load()
	require.NoError(t, err)

	t.Setenv("MEMSTORE_POOL_MAX_CONNECTIONS", "-1")
	_, err = NewLoader().
		WithValidator(func(c *Config) error {
			if c.Pool.MaxConnections <= 0 {
				return boom
			}
			return nil
		}).
		Load()
	require.ErrorIs(t, err, boom)
}

func TestLoaderMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool: [not a map"), 0o600))

	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}
