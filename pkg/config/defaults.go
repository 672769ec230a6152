package config

import "time"

// Built-in defaults applied under any user-provided values.
const (
	DefaultLogLevel         = "info"
	DefaultMaxConcurrency   = 4
	DefaultTimeoutMs        = 60000
	DefaultListenAddr       = ":8080"
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultStorageBackend   = "memory"
	DefaultRateAlgorithm    = "token_bucket"
	DefaultMaxRPM           = 600
	DefaultRetryAttempts    = 3
	DefaultRetryDelay       = time.Second
	DefaultRetryMaxDelay    = 30 * time.Second
	DefaultRetryBackoff     = "exponential"
	DefaultShortTermCap     = 1000
	DefaultPruneThreshold   = 1000
	DefaultPruneRatio       = 0.2
	DefaultPruneStrategy    = "lru"
	DefaultMaxContextChars  = 8000
)

// DefaultConfig returns the built-in configuration. User YAML and the
// environment overlay are merged on top of it.
func DefaultConfig() *Config {
	debug := false
	return &Config{
		Settings: &Settings{
			Debug:            &debug,
			LogLevel:         DefaultLogLevel,
			MaxConcurrency:   DefaultMaxConcurrency,
			DefaultTimeoutMs: DefaultTimeoutMs,
		},
		Server: &ServerConfig{
			ListenAddr:      DefaultListenAddr,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Storage: &StorageConfig{
			Backend: DefaultStorageBackend,
		},
		RateLimit: &RateLimitConfig{
			Algorithm: DefaultRateAlgorithm,
			MaxRPM:    DefaultMaxRPM,
		},
		Retry: &RetryConfig{
			MaxAttempts:  DefaultRetryAttempts,
			InitialDelay: DefaultRetryDelay,
			MaxDelay:     DefaultRetryMaxDelay,
			Backoff:      DefaultRetryBackoff,
		},
		Memory: &MemoryConfig{
			ShortTermCap:    DefaultShortTermCap,
			PruneThreshold:  DefaultPruneThreshold,
			PruneRatio:      DefaultPruneRatio,
			PruneStrategy:   DefaultPruneStrategy,
			MaxContextChars: DefaultMaxContextChars,
		},
	}
}
