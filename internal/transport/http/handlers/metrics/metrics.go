// Package metrics exposes the worker's Prometheus registry over HTTP,
// refreshing the consumer-lag gauge immediately before every scrape.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notesworker/internal/transport/http/handlers/health"
)

// Handler serves /metrics.
type Handler struct {
	registry *prometheus.Registry
	prober   health.Prober
}

// NewHandler creates a new metrics handler bound to registry. prober is
// consulted on every scrape to refresh the consumer_lag gauge, mirroring
// the original's metrics route updating the gauge before rendering.
func NewHandler(registry *prometheus.Registry, prober health.Prober) *Handler {
	return &Handler{registry: registry, prober: prober}
}

func (h *Handler) Handler(c *gin.Context) {
	_, _ = h.prober.PendingLag(c.Request.Context())
	promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}
