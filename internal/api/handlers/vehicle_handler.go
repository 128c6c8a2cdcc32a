package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"example.com/backstage/services/citysync/internal/clients"
)

// VehicleHandler serves vehicle reads proxied through the resilient client
type VehicleHandler struct {
	vehicles *clients.VehicleClient
}

// NewVehicleHandler creates a new vehicle handler
func NewVehicleHandler(vehicles *clients.VehicleClient) *VehicleHandler {
	return &VehicleHandler{vehicles: vehicles}
}

// HandleGetVehicle returns one vehicle
func (h *VehicleHandler) HandleGetVehicle(c *gin.Context) {
	writeResult(c, h.vehicles.GetVehicle(c.Request.Context(), c.Param("id")))
}

// HandleListVehicles lists vehicles filtered by query parameters
func (h *VehicleHandler) HandleListVehicles(c *gin.Context) {
	filter := clients.VehicleFilter{
		CityID: c.Query("cityId"),
		Status: c.Query("status"),
	}
	if raw := c.Query("isActive"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "isActive must be a boolean"})
			return
		}
		filter.Active = &active
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "limit must be a non-negative integer"})
			return
		}
		filter.Limit = limit
	}

	writeResult(c, h.vehicles.ListVehicles(c.Request.Context(), filter))
}

// HandleCheckCapacity reports whether a vehicle seats the requested passengers
func (h *VehicleHandler) HandleCheckCapacity(c *gin.Context) {
	passengers, err := strconv.Atoi(c.Query("passengers"))
	if err != nil || passengers < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "passengers must be a non-negative integer"})
		return
	}

	writeResult(c, h.vehicles.CheckCapacity(c.Request.Context(), c.Param("id"), passengers))
}

// writeResult maps a tagged result onto 200, 404 or 503
func writeResult[T any](c *gin.Context, result clients.Result[T]) {
	switch result.Status {
	case clients.StatusOK:
		c.JSON(http.StatusOK, gin.H{"success": true, "data": result.Value})
	case clients.StatusNotFound:
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": result.Reason})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success":     false,
			"message":     "Dependency unavailable",
			"reason":      result.Reason,
			"circuitOpen": result.CircuitOpen(),
		})
	}
}

// RegisterRoutes registers the handler's routes
func (h *VehicleHandler) RegisterRoutes(router *gin.Engine) {
	group := router.Group("/api/v1/vehicles")
	group.GET("", h.HandleListVehicles)
	group.GET("/:id", h.HandleGetVehicle)
	group.GET("/:id/capacity", h.HandleCheckCapacity)
}
