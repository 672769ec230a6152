package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, and validates configuration. This is the
// primary entry point for service startup.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Load the YAML file when path is non-empty (missing file is fatal
//     only when the path was given explicitly)
//  3. Expand {{.VAR}} environment references in the YAML
//  4. Merge YAML over defaults
//  5. Apply the CREWLINE_ environment overlay
//  6. Validate the resolved configuration
func Initialize(_ context.Context, path string) (*Config, error) {
	log := slog.With("component", "config")

	cfg := DefaultConfig()

	if path != "" {
		fileCfg, err := loadYAML(path)
		if err != nil {
			return nil, err
		}
		if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging %s: %w", path, err)
		}
	}

	overlay, err := settingsEnvSource().Values(os.Environ())
	if err != nil {
		return nil, err
	}
	applyEnvOverlay(cfg, overlay)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	log.Info("Configuration initialized",
		"path", path,
		"storage_backend", cfg.Storage.Backend,
		"max_concurrency", cfg.Settings.MaxConcurrency,
		"max_rpm", cfg.RateLimit.MaxRPM)
	return cfg, nil
}

func loadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &LoadError{File: path, Err: ErrConfigNotFound}
		}
		return nil, &LoadError{File: path, Err: err}
	}

	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &LoadError{File: path, Err: fmt.Errorf("%w: %v", ErrInvalidYAML, err)}
	}
	return &cfg, nil
}

// Validate checks the resolved configuration for values the runtime
// cannot work with.
func Validate(cfg *Config) error {
	if cfg.Settings.MaxConcurrency < 1 {
		return NewValidationError("settings", "max_concurrency",
			fmt.Errorf("%w: must be at least 1, got %d", ErrInvalidValue, cfg.Settings.MaxConcurrency))
	}
	if cfg.Settings.DefaultTimeoutMs < 0 {
		return NewValidationError("settings", "default_timeout_ms",
			fmt.Errorf("%w: must not be negative, got %d", ErrInvalidValue, cfg.Settings.DefaultTimeoutMs))
	}
	switch cfg.Settings.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return NewValidationError("settings", "log_level",
			fmt.Errorf("%w: %q", ErrInvalidValue, cfg.Settings.LogLevel))
	}

	switch cfg.Storage.Backend {
	case "memory":
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			return NewValidationError("storage", "postgres_dsn",
				fmt.Errorf("%w: required for the postgres backend", ErrInvalidValue))
		}
	case "redis":
		if cfg.Storage.RedisAddr == "" {
			return NewValidationError("storage", "redis_addr",
				fmt.Errorf("%w: required for the redis backend", ErrInvalidValue))
		}
	default:
		return NewValidationError("storage", "backend",
			fmt.Errorf("%w: %q", ErrInvalidValue, cfg.Storage.Backend))
	}

	switch cfg.RateLimit.Algorithm {
	case "token_bucket", "fixed_window":
	default:
		return NewValidationError("rate_limit", "algorithm",
			fmt.Errorf("%w: %q", ErrInvalidValue, cfg.RateLimit.Algorithm))
	}
	if cfg.RateLimit.MaxRPM < 1 {
		return NewValidationError("rate_limit", "max_rpm",
			fmt.Errorf("%w: must be at least 1, got %d", ErrInvalidValue, cfg.RateLimit.MaxRPM))
	}

	switch cfg.Retry.Backoff {
	case "constant", "linear", "exponential", "fibonacci":
	default:
		return NewValidationError("retry", "backoff",
			fmt.Errorf("%w: %q", ErrInvalidValue, cfg.Retry.Backoff))
	}
	if cfg.Retry.MaxAttempts < 1 {
		return NewValidationError("retry", "max_attempts",
			fmt.Errorf("%w: must be at least 1, got %d", ErrInvalidValue, cfg.Retry.MaxAttempts))
	}

	switch cfg.Memory.PruneStrategy {
	case "lru", "lfu", "importance", "age":
	default:
		return NewValidationError("memory", "prune_strategy",
			fmt.Errorf("%w: %q", ErrInvalidValue, cfg.Memory.PruneStrategy))
	}
	if cfg.Memory.PruneRatio <= 0 || cfg.Memory.PruneRatio > 1 {
		return NewValidationError("memory", "prune_ratio",
			fmt.Errorf("%w: must be in (0, 1], got %v", ErrInvalidValue, cfg.Memory.PruneRatio))
	}

	return nil
}
