package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crewline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestInitializeDefaultsOnly(t *testing.T) {
	cfg, err := Initialize(context.Background(), "")
	require.NoError(t, err)

	assert.False(t, cfg.Settings.DebugEnabled())
	assert.Equal(t, "info", cfg.Settings.LogLevel)
	assert.Equal(t, 4, cfg.Settings.MaxConcurrency)
	assert.Equal(t, 60000, cfg.Settings.DefaultTimeoutMs)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "token_bucket", cfg.RateLimit.Algorithm)
}

func TestInitializeYAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
settings:
  log_level: debug
  max_concurrency: 8
rate_limit:
  max_rpm: 120
`)
	cfg, err := Initialize(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Settings.LogLevel)
	assert.Equal(t, 8, cfg.Settings.MaxConcurrency)
	assert.Equal(t, 120, cfg.RateLimit.MaxRPM)
	// Untouched sections keep their defaults.
	assert.Equal(t, 60000, cfg.Settings.DefaultTimeoutMs)
	assert.Equal(t, "exponential", cfg.Retry.Backoff)
}

func TestInitializeMissingFileFails(t *testing.T) {
	_, err := Initialize(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInitializeInvalidYAMLFails(t *testing.T) {
	path := writeConfig(t, "settings: [not, a, mapping")
	_, err := Initialize(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeEnvOverlayWins(t *testing.T) {
	path := writeConfig(t, `
settings:
  max_concurrency: 8
`)
	t.Setenv("CREWLINE_MAX_CONCURRENCY", "2")
	t.Setenv("CREWLINE_LOG_LEVEL", "warn")
	t.Setenv("CREWLINE_DEBUG", "true")

	cfg, err := Initialize(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Settings.MaxConcurrency)
	assert.Equal(t, "warn", cfg.Settings.LogLevel)
	assert.True(t, cfg.Settings.DebugEnabled())
}

func TestInitializeBadEnvValueFails(t *testing.T) {
	t.Setenv("CREWLINE_MAX_CONCURRENCY", "lots")
	_, err := Initialize(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestExpandEnvInYAML(t *testing.T) {
	t.Setenv("TEST_PG_DSN", "postgres://crew:secret@db/crewline")
	path := writeConfig(t, `
storage:
  backend: postgres
  postgres_dsn: "{{.TEST_PG_DSN}}"
`)
	cfg, err := Initialize(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://crew:secret@db/crewline", cfg.Storage.PostgresDSN)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Settings.MaxConcurrency = 0 }},
		{"bad log level", func(c *Config) { c.Settings.LogLevel = "trace" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "scylla" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }},
		{"redis without addr", func(c *Config) { c.Storage.Backend = "redis" }},
		{"unknown algorithm", func(c *Config) { c.RateLimit.Algorithm = "leaky_bucket" }},
		{"zero rpm", func(c *Config) { c.RateLimit.MaxRPM = 0 }},
		{"unknown backoff", func(c *Config) { c.Retry.Backoff = "random" }},
		{"unknown prune strategy", func(c *Config) { c.Memory.PruneStrategy = "fifo" }},
		{"prune ratio above 1", func(c *Config) { c.Memory.PruneRatio = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			var verr *ValidationError
			assert.True(t, errors.As(err, &verr))
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}
