// Package http wires the embedded health/metrics endpoint: a minimal gin
// engine with CORS enabled for cross-origin dashboards polling /metrics.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"notesworker/internal/config"
	"notesworker/internal/notes"
	"notesworker/internal/transport/http/handlers/health"
	"notesworker/internal/transport/http/handlers/metrics"
)

// Server hosts the health and metrics endpoints on cfg.Health.Port.
type Server struct {
	httpServer *http.Server
}

// NewServer builds the gin engine and mounts /health, /health/ready,
// /health/live, and /metrics.
func NewServer(cfg *config.Config, registry *prometheus.Registry, prober health.Prober, stats *notes.Stats) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET"},
		AllowHeaders:    []string{"*"},
	}))

	healthHandler := health.NewHandler(cfg, prober, stats)
	metricsHandler := metrics.NewHandler(registry, prober)

	engine.GET("/health", healthHandler.Check)
	engine.GET("/health/ready", healthHandler.Ready)
	engine.GET("/health/live", healthHandler.Live)
	engine.GET("/metrics", metricsHandler.Handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
			Handler:           engine,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
