// Package api exposes the HTTP control surface: crew run management,
// health, and Prometheus metrics.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crewline/crewline/pkg/crew"
	"github.com/crewline/crewline/pkg/crewerr"
)

// Options configures a Server.
type Options struct {
	// Crew is the configured crew started by POST /api/v1/runs. Required.
	Crew *crew.Crew

	// Gatherer backs GET /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Server serves the crew run API. Each POST to the runs endpoint kicks off
// the configured crew on its own goroutine; terminal results stay in the
// in-memory run registry until the process exits.
type Server struct {
	crew     *crew.Crew
	runs     *runRegistry
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewServer creates an API server around a configured crew.
func NewServer(opts Options) (*Server, error) {
	if opts.Crew == nil {
		return nil, crewerr.Configuration("api: crew is required")
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		crew:     opts.Crew,
		runs:     newRunRegistry(),
		gatherer: gatherer,
		logger:   logger.With("component", "api"),
	}, nil
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger(), securityHeaders())

	router.GET("/health", s.healthHandler)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/runs", s.createRunHandler)
		v1.GET("/runs", s.listRunsHandler)
		v1.GET("/runs/:id", s.getRunHandler)
		v1.POST("/runs/:id/cancel", s.cancelRunHandler)
	}
	return router
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
