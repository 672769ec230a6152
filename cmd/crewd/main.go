// Crewd serves a configured crew over HTTP: run management, health, and
// Prometheus metrics.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/crewline/crewline/pkg/api"
	"github.com/crewline/crewline/pkg/config"
	"github.com/crewline/crewline/pkg/crew"
	"github.com/crewline/crewline/pkg/events"
	"github.com/crewline/crewline/pkg/llm"
	"github.com/crewline/crewline/pkg/memory"
	"github.com/crewline/crewline/pkg/metrics"
	"github.com/crewline/crewline/pkg/ratelimit"
	"github.com/crewline/crewline/pkg/retry"
	"github.com/crewline/crewline/pkg/storage"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config", getEnv("CREWLINE_CONFIG", ""),
		"Path to the runtime configuration YAML (empty uses built-in defaults)")
	crewPath := flag.String("crew", getEnv("CREWLINE_CREW", "crew.yaml"),
		"Path to the crew definition YAML")
	envPath := flag.String("env", ".env", "Path to a .env file")
	addr := flag.String("addr", "", "Listen address override")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Settings)

	// 2. Long-term storage backend
	store, closeStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("Failed to open storage backend",
			"backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}
	defer closeStore()
	slog.Info("Storage backend ready", "backend", cfg.Storage.Backend)

	// 3. Event bus and rate controller for LLM admissions
	bus := events.NewBus()
	rate, err := ratelimit.New(ratelimit.Config{
		Algorithm:  ratelimit.Algorithm(cfg.RateLimit.Algorithm),
		MaxRPM:     cfg.RateLimit.MaxRPM,
		Burst:      cfg.RateLimit.Burst,
		OnThrottle: func() { bus.Publish(events.RateThrottled, nil) },
	})
	if err != nil {
		slog.Error("Failed to build rate controller", "error", err)
		os.Exit(1)
	}
	defer rate.Close()

	// 4. LLM client
	client, err := buildLLMClient()
	if err != nil {
		slog.Error("Failed to build LLM client", "error", err)
		os.Exit(1)
	}

	// 5. Crew definition
	crewFile, err := config.LoadCrewFile(*crewPath)
	if err != nil {
		slog.Error("Failed to load crew definition", "path", *crewPath, "error", err)
		os.Exit(1)
	}
	tasks, err := crewFile.ResolveTasks()
	if err != nil {
		slog.Error("Invalid crew definition", "path", *crewPath, "error", err)
		os.Exit(1)
	}

	// 6. Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	unbind := metrics.New(registry).Bind(bus)
	defer unbind()

	// 7. Crew
	c, err := crew.New(ctx, crew.Options{
		Name:          crewFile.Name,
		Agents:        crewFile.Agents,
		Tasks:         tasks,
		Process:       crew.Process(crewFile.Process),
		LLM:           client,
		Rate:          rate,
		Retry:         retryOptions(cfg.Retry),
		MemoryEnabled: cfg.Memory.MemoryEnabled(),
		MemoryOptions: managerOptions(cfg.Memory, store, bus),
		Variables:     crewFile.Variables,
		Bus:           bus,
	})
	if err != nil {
		slog.Error("Failed to build crew", "error", err)
		os.Exit(1)
	}
	defer c.Stop()
	slog.Info("Crew ready",
		"name", crewFile.Name,
		"agents", len(crewFile.Agents),
		"tasks", len(tasks))

	// 8. HTTP server
	server, err := api.NewServer(api.Options{Crew: c, Gatherer: registry})
	if err != nil {
		slog.Error("Failed to build API server", "error", err)
		os.Exit(1)
	}
	listenAddr := cfg.Server.ListenAddr
	if *addr != "" {
		listenAddr = *addr
	}
	httpServer := &http.Server{Addr: listenAddr, Handler: server.Router()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
}

// setupLogging installs the default slog handler and the gin mode from the
// resolved settings.
func setupLogging(settings *config.Settings) {
	level := slog.LevelInfo
	switch strings.ToLower(settings.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if settings.DebugEnabled() {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if settings.DebugEnabled() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
}

// openStore builds the configured long-term storage backend. The returned
// close function is a no-op for the in-process backend.
func openStore(ctx context.Context, cfg *config.StorageConfig) (storage.Store, func(), error) {
	switch cfg.Backend {
	case "", "memory":
		return storage.NewMemoryStore(), func() {}, nil
	case "postgres":
		store, err := storage.NewPostgresStore(ctx, storage.PostgresConfig{DSN: cfg.PostgresDSN})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				slog.Error("Error closing postgres store", "error", err)
			}
		}, nil
	case "redis":
		store, err := storage.NewRedisStore(ctx, storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: os.Getenv("CREWLINE_REDIS_PASSWORD"),
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				slog.Error("Error closing redis store", "error", err)
			}
		}, nil
	default:
		return nil, nil, config.NewValidationError("storage", "backend",
			config.ErrInvalidValue)
	}
}

// buildLLMClient connects to the OpenAI-compatible endpoint named by
// LLM_BASE_URL. Without one the process serves a deterministic echo stub,
// which keeps local development working with no upstream.
func buildLLMClient() (llm.Client, error) {
	baseURL := os.Getenv("LLM_BASE_URL")
	if baseURL == "" {
		slog.Warn("LLM_BASE_URL not set, using the echo stub client")
		return llm.NewEchoClient(), nil
	}
	client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL: baseURL,
		APIKey:  os.Getenv("LLM_API_KEY"),
		Model:   getEnv("LLM_MODEL", "gpt-4o-mini"),
	})
	if err != nil {
		return nil, err
	}
	slog.Info("LLM client initialized", "base_url", baseURL)
	return client, nil
}

func retryOptions(cfg *config.RetryConfig) retry.Options {
	return retry.Options{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		Backoff:      retry.Backoff(cfg.Backoff),
		Jitter:       true,
	}
}

func managerOptions(cfg *config.MemoryConfig, store storage.Store, bus *events.Bus) memory.ManagerOptions {
	return memory.ManagerOptions{
		ShortTerm: memory.ShortTermOptions{
			Capacity: cfg.ShortTermCap,
			TTL:      cfg.ShortTermTTL,
			UseLRU:   true,
		},
		Store:          store,
		PruneThreshold: cfg.PruneThreshold,
		PruneRatio:     cfg.PruneRatio,
		PruneStrategy:  memory.PruneStrategy(cfg.PruneStrategy),
		Bus:            bus,
	}
}
