package local

import (
	"net/http"
	"time"

	"github.com/MacJediWizard/tidyup/internal/agent"
	"github.com/MacJediWizard/tidyup/internal/api/handlers"
	"github.com/MacJediWizard/tidyup/internal/health"
	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/MacJediWizard/tidyup/internal/vault"
	"github.com/gin-gonic/gin"
)

// Bootstrap sources.
const (
	SourceEnv       = "env"
	SourceBootstrap = "bootstrap"
	SourceNone      = "none"
)

// BootstrapStatus describes the control plane connection settings.
type BootstrapStatus struct {
	Configured      bool   `json:"configured"`
	ControlURL      string `json:"control_url"`
	HasServiceToken bool   `json:"has_service_token"`
	Source          string `json:"source"`
}

// DeviceStatus describes the pairing state of this machine.
type DeviceStatus struct {
	Paired          bool       `json:"paired"`
	DeviceID        string     `json:"device_id,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
}

type bootstrapConfigureRequest struct {
	ControlURL   string `json:"control_url" binding:"required,url"`
	ServiceToken string `json:"service_token" binding:"required"`
}

// Status returns an overview of the agent.
// GET /api/status
func (s *Server) Status(c *gin.Context) {
	ctx := c.Request.Context()
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		s.respondError(c, err, "failed to load settings")
		return
	}
	counts, err := s.store.CountRunsByStatus(ctx)
	if err != nil {
		s.respondError(c, err, "failed to count runs")
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}

	resp := gin.H{
		"ok":             true,
		"daemon_version": s.opts.DaemonVersion,
		"settings":       settings,
		"runtime":        s.runtime.Status(),
		"bootstrap":      s.bootstrapStatus(),
		"device":         s.deviceStatus(),
		"runs":           total,
	}
	if s.opts.Host != nil {
		resp["host"] = s.opts.Host.HostInfo(ctx)
	}
	c.JSON(http.StatusOK, resp)
}

// HostResponse is the host's identity and resource pressure.
type HostResponse struct {
	Info    *models.HostInfo    `json:"info,omitempty"`
	Metrics *health.Metrics     `json:"metrics,omitempty"`
	Check   *health.CheckResult `json:"check"`
}

// Host reports host info and disk and memory pressure. Moves and archives
// need free space on the organized volume.
// GET /api/host
func (s *Server) Host(c *gin.Context) {
	ctx := c.Request.Context()
	var resp HostResponse
	if s.opts.Host != nil {
		resp.Info = s.opts.Host.HostInfo(ctx)
	}
	if s.opts.HostMetrics != nil {
		resp.Metrics = s.opts.HostMetrics.Collect(ctx)
	}
	resp.Check = s.checker.Evaluate(resp.Metrics)
	c.JSON(http.StatusOK, resp)
}

// Device returns the pairing state.
// GET /api/device
func (s *Server) Device(c *gin.Context) {
	c.JSON(http.StatusOK, s.deviceStatus())
}

// RuntimeStatus returns the runtime controller state.
// GET /api/runtime/status
func (s *Server) RuntimeStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.runtime.Status())
}

// RuntimeStart connects the agent to the registry.
// POST /api/runtime/start
func (s *Server) RuntimeStart(c *gin.Context) {
	if vault.Lookup(s.secrets, vault.KeyDeviceToken) == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: models.CodeNotPaired, Message: "pair this device first"})
		return
	}
	c.JSON(http.StatusOK, s.runtime.Start())
}

// RuntimeStop disconnects gracefully.
// POST /api/runtime/stop
func (s *Server) RuntimeStop(c *gin.Context) {
	c.JSON(http.StatusOK, s.runtime.Stop(c.Request.Context(), agent.StopReasonAPI))
}

// RuntimeShutdown disconnects gracefully and then stops the process.
// POST /api/runtime/shutdown
func (s *Server) RuntimeShutdown(c *gin.Context) {
	result := s.runtime.Stop(c.Request.Context(), agent.StopReasonShutdown)
	if s.opts.Shutdown != nil {
		time.AfterFunc(100*time.Millisecond, s.opts.Shutdown)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "shutting_down": true, "stop": result})
}

// BootstrapStatus returns the control plane connection settings.
// GET /api/bootstrap/status
func (s *Server) BootstrapStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.bootstrapStatus())
}

// BootstrapConfigure stores the control URL and the service token.
// POST /api/bootstrap/configure
func (s *Server) BootstrapConfigure(c *gin.Context) {
	var req bootstrapConfigureRequest
	if !handlers.BindJSON(c, &req) {
		return
	}

	if s.opts.SaveControlURL != nil {
		if err := s.opts.SaveControlURL(req.ControlURL); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist control url")
			c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: models.CodeInternal, Message: "failed to persist bootstrap configuration"})
			return
		}
	}
	if err := s.secrets.Set(vault.KeyServiceToken, req.ServiceToken); err != nil {
		s.logger.Error().Err(err).Msg("failed to store service token")
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: models.CodeInternal, Message: "failed to persist bootstrap configuration"})
		return
	}
	s.opts.ServiceTokenFromEnv = false
	s.client.SetServerURL(req.ControlURL)

	s.logger.Info().Str("control_url", req.ControlURL).Msg("bootstrap configured")
	c.JSON(http.StatusOK, gin.H{"ok": true, "bootstrap": s.bootstrapStatus()})
}

// BootstrapReset forgets the configured control plane. A service token
// seeded from the environment survives.
// POST /api/bootstrap/reset
func (s *Server) BootstrapReset(c *gin.Context) {
	if !s.opts.ServiceTokenFromEnv {
		if err := s.secrets.Set(vault.KeyServiceToken, ""); err != nil {
			s.respondError(c, err, "failed to clear service token")
			return
		}
	}
	if s.opts.SaveControlURL != nil {
		if err := s.opts.SaveControlURL(""); err != nil {
			s.respondError(c, err, "failed to clear control url")
			return
		}
	}
	s.client.SetServerURL(s.opts.DefaultControlURL)

	s.logger.Info().Msg("bootstrap reset")
	c.JSON(http.StatusOK, gin.H{"ok": true, "bootstrap": s.bootstrapStatus()})
}

func (s *Server) bootstrapStatus() BootstrapStatus {
	hasToken := s.hasServiceToken()
	source := SourceNone
	switch {
	case hasToken && s.opts.ServiceTokenFromEnv:
		source = SourceEnv
	case hasToken:
		source = SourceBootstrap
	}
	url := s.client.ServerURL()
	return BootstrapStatus{
		Configured:      url != "" && hasToken,
		ControlURL:      url,
		HasServiceToken: hasToken,
		Source:          source,
	}
}

func (s *Server) deviceStatus() DeviceStatus {
	status := DeviceStatus{
		DeviceID: vault.Lookup(s.secrets, vault.KeyDeviceID),
	}
	status.Paired = status.DeviceID != "" && vault.Lookup(s.secrets, vault.KeyDeviceToken) != ""
	if poller := s.runtime.Status().Poller; poller.LastTickAt != nil && poller.LastError == "" {
		status.LastHeartbeatAt = poller.LastTickAt
	}
	return status
}
