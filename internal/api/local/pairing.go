package local

import (
	"net/http"
	"runtime"
	"strings"

	"github.com/MacJediWizard/tidyup/internal/api/handlers"
	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/MacJediWizard/tidyup/internal/vault"
	"github.com/gin-gonic/gin"
)

// CompletePairingRequest redeems a pairing code for this machine.
type CompletePairingRequest struct {
	PairingSessionID string `json:"pairing_session_id" binding:"required"`
	PairingCode      string `json:"pairing_code" binding:"required"`
	DeviceLabel      string `json:"device_label"`
}

// StartPairing opens a pairing session on the registry.
// POST /api/pairing/start
func (s *Server) StartPairing(c *gin.Context) {
	var req models.StartPairingRequest
	if c.Request.ContentLength != 0 && !handlers.BindJSON(c, &req) {
		return
	}
	if req.Label == "" {
		req.Label = s.opts.DeviceLabel
	}

	resp, err := s.client.StartPairing(c.Request.Context(), req)
	if err != nil {
		s.respondError(c, err, "failed to start pairing")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// CompletePairing redeems the code and stores the device credentials. The
// device token never leaves the agent.
// POST /api/pairing/complete
func (s *Server) CompletePairing(c *gin.Context) {
	var req CompletePairingRequest
	if !handlers.BindJSON(c, &req) {
		return
	}
	label := strings.TrimSpace(req.DeviceLabel)
	if label == "" {
		label = s.opts.DeviceLabel
	}

	ctx := c.Request.Context()
	complete := models.CompletePairingRequest{
		PairingSessionID: req.PairingSessionID,
		PairingCode:      strings.ToUpper(strings.TrimSpace(req.PairingCode)),
		DeviceLabel:      label,
		OS:               runtime.GOOS,
	}
	if s.opts.Host != nil {
		complete.Host = s.opts.Host.HostInfo(ctx)
	}

	resp, err := s.client.CompletePairing(ctx, complete)
	if err != nil {
		s.respondError(c, err, "failed to complete pairing")
		return
	}

	if err := s.secrets.Set(vault.KeyDeviceID, resp.DeviceID); err != nil {
		s.respondError(c, err, "failed to store device id")
		return
	}
	if err := s.secrets.Set(vault.KeyDeviceToken, resp.DeviceToken); err != nil {
		s.respondError(c, err, "failed to store device token")
		return
	}

	s.logger.Info().Str("device_id", resp.DeviceID).Msg("device paired")
	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"device_id": resp.DeviceID,
		"paired_at": resp.PairedAt,
		"device":    s.deviceStatus(),
	})
}
