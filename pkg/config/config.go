// Package config loads and validates crewline runtime configuration from
// YAML, environment variables, and built-in defaults.
package config

import (
	"time"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Settings  *Settings        `yaml:"settings"`
	Server    *ServerConfig    `yaml:"server"`
	Storage   *StorageConfig   `yaml:"storage"`
	RateLimit *RateLimitConfig `yaml:"rate_limit"`
	Retry     *RetryConfig     `yaml:"retry"`
	Memory    *MemoryConfig    `yaml:"memory"`
}

// Settings groups process-wide behavior switches.
type Settings struct {
	Debug            *bool  `yaml:"debug"`
	LogLevel         string `yaml:"log_level"`
	MaxConcurrency   int    `yaml:"max_concurrency"`
	DefaultTimeoutMs int    `yaml:"default_timeout_ms"`
}

// DefaultTimeout returns the default operation timeout as a duration.
func (s *Settings) DefaultTimeout() time.Duration {
	return time.Duration(s.DefaultTimeoutMs) * time.Millisecond
}

// DebugEnabled resolves the tri-state debug flag.
func (s *Settings) DebugEnabled() bool {
	return s.Debug != nil && *s.Debug
}

// ServerConfig holds the HTTP API listener settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the long-term persistence backend.
type StorageConfig struct {
	// Backend is "memory", "postgres", or "redis".
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
}

// RateLimitConfig configures the LLM request admission controller.
type RateLimitConfig struct {
	// Algorithm is "token_bucket" or "fixed_window".
	Algorithm string `yaml:"algorithm"`
	MaxRPM    int    `yaml:"max_rpm"`
	Burst     int    `yaml:"burst"`
}

// RetryConfig configures the default retry harness for LLM calls.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	// Backoff is "constant", "linear", "exponential", or "fibonacci".
	Backoff string `yaml:"backoff"`
}

// MemoryConfig configures the tiered memory subsystem.
type MemoryConfig struct {
	Enabled         *bool         `yaml:"enabled"`
	ShortTermCap    int           `yaml:"short_term_cap"`
	ShortTermTTL    time.Duration `yaml:"short_term_ttl"`
	PruneThreshold  int           `yaml:"prune_threshold"`
	PruneRatio      float64       `yaml:"prune_ratio"`
	PruneStrategy   string        `yaml:"prune_strategy"`
	ParallelContext *bool         `yaml:"parallel_context"`
	MaxContextChars int           `yaml:"max_context_chars"`
}

// Enabled resolves the tri-state memory switch; memory defaults on.
func (m *MemoryConfig) MemoryEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// ParallelFetch resolves the tri-state context fetch switch; parallel is
// the default.
func (m *MemoryConfig) ParallelFetch() bool {
	return m.ParallelContext == nil || *m.ParallelContext
}
