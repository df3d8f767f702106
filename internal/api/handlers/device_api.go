package handlers

import (
	"context"
	"net/http"

	"github.com/MacJediWizard/tidyup/internal/api/middleware"
	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// DeviceAPIService is the part of the registry a paired device talks to.
type DeviceAPIService interface {
	Heartbeat(ctx context.Context, device *models.Device, req models.HeartbeatRequest) (*models.HeartbeatResponse, error)
	ClaimNextJob(ctx context.Context, device *models.Device) (*models.NextJobResponse, error)
	AckJob(ctx context.Context, device *models.Device, jobID string) error
	ReportProgress(ctx context.Context, device *models.Device, jobID string, req models.ProgressRequest) error
	PutResult(ctx context.Context, device *models.Device, jobID string, req models.ResultRequest) error
	GetCommands(ctx context.Context, device *models.Device, runID string) (*models.RunCommands, error)
	ClearCommand(ctx context.Context, device *models.Device, runID string, kind models.CommandKind) error
}

// DeviceAPIHandler handles device-facing endpoints. Its group must have
// DeviceAuth applied.
type DeviceAPIHandler struct {
	service DeviceAPIService
	logger  zerolog.Logger
}

// NewDeviceAPIHandler creates a new DeviceAPIHandler.
func NewDeviceAPIHandler(service DeviceAPIService, logger zerolog.Logger) *DeviceAPIHandler {
	return &DeviceAPIHandler{
		service: service,
		logger:  logger.With().Str("component", "device_api_handler").Logger(),
	}
}

// RegisterRoutes registers device routes on the given router group.
func (h *DeviceAPIHandler) RegisterRoutes(r *gin.RouterGroup) {
	device := r.Group("/device")
	{
		device.POST("/heartbeat", h.Heartbeat)
		device.GET("/jobs/next", h.NextJob)
		device.POST("/jobs/:id/ack", h.Ack)
		device.POST("/jobs/:id/progress", h.Progress)
		device.POST("/jobs/:id/result", h.Result)
	}

	r.GET("/runs/:id/commands", h.Commands)
	r.DELETE("/runs/:id/commands/:kind", h.ClearCommand)
}

// Heartbeat records device liveness.
// POST /device/heartbeat
func (h *DeviceAPIHandler) Heartbeat(c *gin.Context) {
	device := middleware.RequireDevice(c)
	if device == nil {
		return
	}

	var req models.HeartbeatRequest
	if !BindJSON(c, &req) {
		return
	}

	resp, err := h.service.Heartbeat(c.Request.Context(), device, req)
	if err != nil {
		RespondError(c, h.logger, err, "failed to record heartbeat")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// NextJob claims the device's oldest queued job, if any.
// GET /device/jobs/next
func (h *DeviceAPIHandler) NextJob(c *gin.Context) {
	device := middleware.RequireDevice(c)
	if device == nil {
		return
	}

	resp, err := h.service.ClaimNextJob(c.Request.Context(), device)
	if err != nil {
		RespondError(c, h.logger, err, "failed to claim job")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Ack marks a claimed job as running.
// POST /device/jobs/:id/ack
func (h *DeviceAPIHandler) Ack(c *gin.Context) {
	device := middleware.RequireDevice(c)
	if device == nil {
		return
	}

	if err := h.service.AckJob(c.Request.Context(), device, c.Param("id")); err != nil {
		RespondError(c, h.logger, err, "failed to ack job")
		return
	}
	c.JSON(http.StatusOK, models.OKResponse{OK: true})
}

// Progress appends a progress event to the job's run.
// POST /device/jobs/:id/progress
func (h *DeviceAPIHandler) Progress(c *gin.Context) {
	device := middleware.RequireDevice(c)
	if device == nil {
		return
	}

	var req models.ProgressRequest
	if !BindJSON(c, &req) {
		return
	}

	if err := h.service.ReportProgress(c.Request.Context(), device, c.Param("id"), req); err != nil {
		RespondError(c, h.logger, err, "failed to record progress")
		return
	}
	c.JSON(http.StatusOK, models.OKResponse{OK: true})
}

// Result replaces the registry's snapshot of the job's run.
// POST /device/jobs/:id/result
func (h *DeviceAPIHandler) Result(c *gin.Context) {
	device := middleware.RequireDevice(c)
	if device == nil {
		return
	}

	var req models.ResultRequest
	if !BindJSON(c, &req) {
		return
	}

	if err := h.service.PutResult(c.Request.Context(), device, c.Param("id"), req); err != nil {
		RespondError(c, h.logger, err, "failed to store result")
		return
	}
	c.JSON(http.StatusOK, models.OKResponse{OK: true})
}

// Commands returns the pending mailboxes of a run the device owns.
// GET /runs/:id/commands
func (h *DeviceAPIHandler) Commands(c *gin.Context) {
	device := middleware.RequireDevice(c)
	if device == nil {
		return
	}

	cmds, err := h.service.GetCommands(c.Request.Context(), device, c.Param("id"))
	if err != nil {
		RespondError(c, h.logger, err, "failed to get commands")
		return
	}
	c.JSON(http.StatusOK, cmds)
}

// ClearCommand empties one mailbox after the device has acted on it.
// DELETE /runs/:id/commands/:kind
func (h *DeviceAPIHandler) ClearCommand(c *gin.Context) {
	device := middleware.RequireDevice(c)
	if device == nil {
		return
	}

	kind := models.CommandKind(c.Param("kind"))
	if err := h.service.ClearCommand(c.Request.Context(), device, c.Param("id"), kind); err != nil {
		RespondError(c, h.logger, err, "failed to clear command")
		return
	}
	c.JSON(http.StatusOK, models.OKResponse{OK: true})
}
