package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/citysync/internal/resilience"
)

// DependencyHandler exposes the outbound circuit breakers to operators
type DependencyHandler struct {
	registry *resilience.Registry
}

// NewDependencyHandler creates a new dependency handler
func NewDependencyHandler(registry *resilience.Registry) *DependencyHandler {
	return &DependencyHandler{registry: registry}
}

// HandleList returns every breaker's state
func (h *DependencyHandler) HandleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": h.registry.Snapshots()})
}

// HandleReset fully reinitializes one breaker
func (h *DependencyHandler) HandleReset(c *gin.Context) {
	name := c.Param("name")

	cb, ok := h.registry.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Unknown dependency " + name})
		return
	}

	before := cb.Snapshot()
	cb.Reset()
	log.Warn().
		Str("dependency", name).
		Str("previous_state", string(before.State)).
		Int("previous_failures", before.FailureCount).
		Str("request_id", c.GetHeader("X-Request-ID")).
		Msg("Circuit breaker manually reset")

	c.JSON(http.StatusOK, gin.H{"success": true, "data": cb.Snapshot()})
}

// RegisterRoutes registers the handler's routes
func (h *DependencyHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/internal/dependencies", h.HandleList)
	router.POST("/internal/dependencies/:name/reset", h.HandleReset)
}
