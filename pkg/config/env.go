package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix selects which environment variables the overlay reads.
const EnvPrefix = "CREWLINE_"

// Transformer converts a raw environment string into a typed value.
type Transformer func(raw string) (any, error)

// Standard transformers for the overlay.
func boolValue(raw string) (any, error)   { return strconv.ParseBool(raw) }
func intValue(raw string) (any, error)    { return strconv.Atoi(raw) }
func floatValue(raw string) (any, error)  { return strconv.ParseFloat(raw, 64) }
func stringValue(raw string) (any, error) { return raw, nil }

func durationValue(raw string) (any, error) {
	return time.ParseDuration(raw)
}

// EnvSource reads PREFIX_UPPER_SNAKE variables into camelCase keys,
// applying a per-key transformer where one is registered. Keys without a
// transformer stay strings.
type EnvSource struct {
	prefix       string
	transformers map[string]Transformer
	lookup       func(key string) (string, bool)
}

// NewEnvSource builds a source over the process environment.
func NewEnvSource(prefix string) *EnvSource {
	return &EnvSource{
		prefix:       prefix,
		transformers: make(map[string]Transformer),
		lookup:       os.LookupEnv,
	}
}

// Transform registers a transformer for a camelCase key.
func (s *EnvSource) Transform(key string, fn Transformer) *EnvSource {
	s.transformers[key] = fn
	return s
}

// Values scans the environment and returns the typed overlay keyed by
// camelCase names.
func (s *EnvSource) Values(environ []string) (map[string]any, error) {
	out := make(map[string]any)
	for _, env := range environ {
		idx := strings.IndexByte(env, '=')
		if idx <= 0 {
			continue
		}
		name, raw := env[:idx], env[idx+1:]
		if !strings.HasPrefix(name, s.prefix) {
			continue
		}
		key := camelCaseKey(strings.TrimPrefix(name, s.prefix))
		fn, ok := s.transformers[key]
		if !ok {
			fn = stringValue
		}
		value, err := fn(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q: %v", ErrInvalidValue, name, raw, err)
		}
		out[key] = value
	}
	return out, nil
}

// camelCaseKey maps UPPER_SNAKE to camelCase: MAX_CONCURRENCY becomes
// maxConcurrency.
func camelCaseKey(upperSnake string) string {
	parts := strings.Split(strings.ToLower(upperSnake), "_")
	var b strings.Builder
	for i, part := range parts {
		if part == "" {
			continue
		}
		if i == 0 {
			b.WriteString(part)
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

// settingsEnvSource is the overlay used by the loader: the handful of
// process-wide switches that make sense to flip without editing YAML.
func settingsEnvSource() *EnvSource {
	return NewEnvSource(EnvPrefix).
		Transform("debug", boolValue).
		Transform("maxConcurrency", intValue).
		Transform("defaultTimeoutMs", intValue).
		Transform("maxRpm", intValue).
		Transform("pruneRatio", floatValue).
		Transform("shutdownTimeout", durationValue)
}

// applyEnvOverlay folds recognized overlay keys into the config. Unknown
// keys are ignored so unrelated CREWLINE_ variables do not break startup.
func applyEnvOverlay(cfg *Config, values map[string]any) {
	for key, value := range values {
		switch key {
		case "debug":
			if v, ok := value.(bool); ok {
				cfg.Settings.Debug = &v
			}
		case "logLevel":
			if v, ok := value.(string); ok {
				cfg.Settings.LogLevel = v
			}
		case "maxConcurrency":
			if v, ok := value.(int); ok {
				cfg.Settings.MaxConcurrency = v
			}
		case "defaultTimeoutMs":
			if v, ok := value.(int); ok {
				cfg.Settings.DefaultTimeoutMs = v
			}
		case "listenAddr":
			if v, ok := value.(string); ok {
				cfg.Server.ListenAddr = v
			}
		case "shutdownTimeout":
			if v, ok := value.(time.Duration); ok {
				cfg.Server.ShutdownTimeout = v
			}
		case "storageBackend":
			if v, ok := value.(string); ok {
				cfg.Storage.Backend = v
			}
		case "postgresDsn":
			if v, ok := value.(string); ok {
				cfg.Storage.PostgresDSN = v
			}
		case "redisAddr":
			if v, ok := value.(string); ok {
				cfg.Storage.RedisAddr = v
			}
		case "maxRpm":
			if v, ok := value.(int); ok {
				cfg.RateLimit.MaxRPM = v
			}
		case "pruneRatio":
			if v, ok := value.(float64); ok {
				cfg.Memory.PruneRatio = v
			}
		}
	}
}
