package handlers

import (
	"context"
	"net/http"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// DeviceService reads paired devices.
type DeviceService interface {
	ListDevices(ctx context.Context) ([]models.Device, error)
	GetDevice(ctx context.Context, id string) (*models.Device, error)
}

// DevicesHandler handles device listing endpoints.
type DevicesHandler struct {
	service DeviceService
	logger  zerolog.Logger
}

// NewDevicesHandler creates a new DevicesHandler.
func NewDevicesHandler(service DeviceService, logger zerolog.Logger) *DevicesHandler {
	return &DevicesHandler{
		service: service,
		logger:  logger.With().Str("component", "devices_handler").Logger(),
	}
}

// RegisterRoutes registers device routes on the given router group.
func (h *DevicesHandler) RegisterRoutes(r *gin.RouterGroup) {
	devices := r.Group("/devices")
	{
		devices.GET("", h.List)
		devices.GET("/:id/status", h.Status)
	}
}

// List returns every paired device.
// GET /devices
func (h *DevicesHandler) List(c *gin.Context) {
	devices, err := h.service.ListDevices(c.Request.Context())
	if err != nil {
		RespondError(c, h.logger, err, "failed to list devices")
		return
	}
	if devices == nil {
		devices = []models.Device{}
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

// Status returns one device with its last heartbeat.
// GET /devices/:id/status
func (h *DevicesHandler) Status(c *gin.Context) {
	device, err := h.service.GetDevice(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, h.logger, err, "failed to get device")
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": device})
}
