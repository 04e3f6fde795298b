// Package health exposes the three health signals named in §6: basic
// liveness, readiness (broker connectivity + pending lag), and a plain
// liveness probe, plus the in-process counters from stats.go for cheap
// introspection without a Prometheus scrape.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"notesworker/internal/config"
	"notesworker/internal/notes"
)

// Prober is the subset of the main loop's health collaborator interface
// the handler depends on.
type Prober interface {
	IsConnectedToBroker(ctx context.Context) bool
	PendingLag(ctx context.Context) (int64, error)
}

// Handler serves /health, /health/ready, and /health/live.
type Handler struct {
	config    *config.Config
	prober    Prober
	stats     *notes.Stats
	startTime time.Time
}

// NewHandler creates a new health handler.
func NewHandler(cfg *config.Config, prober Prober, stats *notes.Stats) *Handler {
	return &Handler{config: cfg, prober: prober, stats: stats, startTime: time.Now()}
}

// Response is the JSON shape returned by all three endpoints.
type Response struct {
	Status     string          `json:"status"`
	Timestamp  string          `json:"timestamp"`
	Version    string          `json:"version,omitempty"`
	Uptime     string          `json:"uptime"`
	PendingLag int64           `json:"pending_lag,omitempty"`
	Stats      *notes.Snapshot `json:"stats,omitempty"`
}

// Check handles the basic health check: process is up and serving.
func (h *Handler) Check(c *gin.Context) {
	snapshot := h.stats.Snapshot()
	c.JSON(http.StatusOK, Response{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startTime).String(),
		Stats:     &snapshot,
	})
}

// Ready reports whether the worker is connected to the broker and what
// its current pending lag is.
func (h *Handler) Ready(c *gin.Context) {
	connected := h.prober.IsConnectedToBroker(c.Request.Context())
	lag, err := h.prober.PendingLag(c.Request.Context())

	status := "healthy"
	code := http.StatusOK
	if !connected || err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, Response{
		Status:     status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Version:    h.config.App.Version,
		Uptime:     time.Since(h.startTime).String(),
		PendingLag: lag,
	})
}

// Live is a bare liveness probe: if the process can answer this request,
// it is alive.
func (h *Handler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startTime).String(),
	})
}
