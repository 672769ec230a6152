package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCamelCaseKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"DEBUG", "debug"},
		{"LOG_LEVEL", "logLevel"},
		{"MAX_CONCURRENCY", "maxConcurrency"},
		{"DEFAULT_TIMEOUT_MS", "defaultTimeoutMs"},
		{"POSTGRES_DSN", "postgresDsn"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, camelCaseKey(tt.in), "input %q", tt.in)
	}
}

func TestEnvSourceValues(t *testing.T) {
	src := NewEnvSource(EnvPrefix).
		Transform("maxConcurrency", intValue).
		Transform("debug", boolValue).
		Transform("shutdownTimeout", durationValue)

	values, err := src.Values([]string{
		"CREWLINE_MAX_CONCURRENCY=9",
		"CREWLINE_DEBUG=true",
		"CREWLINE_LOG_LEVEL=warn",
		"CREWLINE_SHUTDOWN_TIMEOUT=5s",
		"UNRELATED=x",
		"PATH=/usr/bin",
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"maxConcurrency":  9,
		"debug":           true,
		"logLevel":        "warn",
		"shutdownTimeout": 5 * time.Second,
	}, values)
}

func TestEnvSourceTransformerError(t *testing.T) {
	src := NewEnvSource(EnvPrefix).Transform("maxConcurrency", intValue)
	_, err := src.Values([]string{"CREWLINE_MAX_CONCURRENCY=many"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestEnvSourceUntransformedKeyStaysString(t *testing.T) {
	values, err := NewEnvSource(EnvPrefix).Values([]string{"CREWLINE_CUSTOM_FLAG=42"})
	require.NoError(t, err)
	assert.Equal(t, "42", values["customFlag"])
}
