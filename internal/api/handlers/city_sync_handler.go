package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/citysync/internal/models"
	"example.com/backstage/services/citysync/internal/repositories"
	"example.com/backstage/services/citysync/internal/services"
)

// CitySyncHandler is the inbound boundary for city replication
type CitySyncHandler struct {
	syncService *services.SyncService
}

// NewCitySyncHandler creates a new city sync handler
func NewCitySyncHandler(syncService *services.SyncService) *CitySyncHandler {
	return &CitySyncHandler{syncService: syncService}
}

// HandleSyncEvent receives one city event. Anything that passes validation is
// acknowledged with 200, including skips and storage errors.
func (h *CitySyncHandler) HandleSyncEvent(c *gin.Context) {
	var event models.CityEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		log.Warn().Err(err).Msg("Invalid city event body")
		c.JSON(http.StatusBadRequest, gin.H{
			"success":  false,
			"message":  "Invalid event payload: " + err.Error(),
			"required": services.RequiredEventFields,
			"missing":  []string{},
		})
		return
	}

	result, err := h.syncService.ProcessEvent(c.Request.Context(), &event)
	if err != nil {
		var ve *services.ValidationError
		if errors.As(err, &ve) {
			log.Warn().Str("event_id", event.EventID).Strs("missing", ve.Missing).Msg(ve.Message)
			missing := ve.Missing
			if missing == nil {
				missing = []string{}
			}
			c.JSON(http.StatusBadRequest, gin.H{
				"success":  false,
				"message":  ve.Message,
				"required": ve.Required,
				"missing":  missing,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"eventId": event.EventID,
		"result":  result,
	})
}

// HandleStatus returns replica counts and the last sync
func (h *CitySyncHandler) HandleStatus(c *gin.Context) {
	status, err := h.syncService.Status(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to get city sync status")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Failed to get sync status"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": status})
}

// HandleListCities returns every replica ordered by name
func (h *CitySyncHandler) HandleListCities(c *gin.Context) {
	cities, err := h.syncService.ListCities(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list cities")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Failed to list cities"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": cities, "count": len(cities)})
}

// HandleGetCity returns one replica
func (h *CitySyncHandler) HandleGetCity(c *gin.Context) {
	id := c.Param("entityId")

	city, err := h.syncService.GetCity(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "City not found"})
			return
		}
		log.Error().Err(err).Str("entity_id", id).Msg("Failed to get city")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Failed to get city"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": city})
}

// HandleManualSync pulls one city from its owner and applies it
func (h *CitySyncHandler) HandleManualSync(c *gin.Context) {
	id := c.Param("entityId")
	result := h.syncService.ManualSync(c.Request.Context(), id)

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"entityId": id,
		"result":   result,
	})
}

// RegisterRoutes registers the handler's routes
func (h *CitySyncHandler) RegisterRoutes(router *gin.Engine) {
	group := router.Group("/internal/city-sync")
	group.POST("", h.HandleSyncEvent)
	group.GET("/status", h.HandleStatus)
	group.GET("/cities", h.HandleListCities)
	group.GET("/cities/:entityId", h.HandleGetCity)
	group.POST("/manual/:entityId", h.HandleManualSync)
}
