package handlers

import (
	"context"
	"net/http"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// PairingService opens and redeems pairing sessions.
type PairingService interface {
	StartPairing(ctx context.Context, req models.StartPairingRequest) (*models.StartPairingResponse, error)
	CompletePairing(ctx context.Context, req models.CompletePairingRequest) (*models.CompletePairingResponse, error)
}

// PairingHandler handles device pairing endpoints.
type PairingHandler struct {
	service PairingService
	logger  zerolog.Logger
}

// NewPairingHandler creates a new PairingHandler.
func NewPairingHandler(service PairingService, logger zerolog.Logger) *PairingHandler {
	return &PairingHandler{
		service: service,
		logger:  logger.With().Str("component", "pairing_handler").Logger(),
	}
}

// RegisterRoutes registers the service-authenticated pairing routes.
func (h *PairingHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/pairing/start", h.Start)
}

// RegisterPublicRoutes registers pairing routes the unpaired device calls.
func (h *PairingHandler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.POST("/pairing/complete", h.Complete)
}

// Start opens a pairing session.
// POST /pairing/start
func (h *PairingHandler) Start(c *gin.Context) {
	var req models.StartPairingRequest
	if c.Request.ContentLength != 0 && !BindJSON(c, &req) {
		return
	}

	resp, err := h.service.StartPairing(c.Request.Context(), req)
	if err != nil {
		RespondError(c, h.logger, err, "failed to start pairing")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Complete redeems a pairing session and returns the device credentials.
// POST /pairing/complete
func (h *PairingHandler) Complete(c *gin.Context) {
	var req models.CompletePairingRequest
	if !BindJSON(c, &req) {
		return
	}

	resp, err := h.service.CompletePairing(c.Request.Context(), req)
	if err != nil {
		RespondError(c, h.logger, err, "failed to complete pairing")
		return
	}

	h.logger.Info().Str("device_id", resp.DeviceID).Msg("device paired")
	c.JSON(http.StatusOK, resp)
}
