package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/backstage/services/citysync/internal/metrics"
	"example.com/backstage/services/citysync/internal/resilience"
	"example.com/backstage/services/citysync/internal/services"
)

// MetricsHandler serves the Prometheus endpoint and the health check
type MetricsHandler struct {
	metrics     *metrics.Metrics
	syncService *services.SyncService
	registry    *resilience.Registry
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(m *metrics.Metrics, syncService *services.SyncService, registry *resilience.Registry) *MetricsHandler {
	return &MetricsHandler{
		metrics:     m,
		syncService: syncService,
		registry:    registry,
	}
}

// HandleGetHealthCheck pings the replica store. Open breakers are reported
// but do not fail the check; they degrade features, not the service.
func (h *MetricsHandler) HandleGetHealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbErr := h.syncService.Ping(ctx)
	h.metrics.SetHealth("database", dbErr == nil)

	status := http.StatusOK
	body := gin.H{
		"status":       "ok",
		"details":      h.metrics.GetHealthChecks(),
		"dependencies": h.registry.Snapshots(),
		"uptime":       h.metrics.GetUptimeSeconds(),
	}
	if dbErr != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "unavailable"
		body["error"] = dbErr.Error()
	}

	c.JSON(status, body)
}

// RegisterRoutes registers the handler's routes
func (h *MetricsHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	router.GET("/health", h.HandleGetHealthCheck)
}
