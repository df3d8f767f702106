package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult represents the result of a health check.
type HealthCheckResult struct {
	Status   HealthStatus   `json:"status"`
	Duration string         `json:"duration,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	OK      bool                          `json:"ok"`
	Service string                        `json:"service"`
	At      time.Time                     `json:"at"`
	Status  HealthStatus                  `json:"status"`
	Checks  map[string]*HealthCheckResult `json:"checks,omitempty"`
}

// DatabaseHealthChecker is implemented by the PostgreSQL repository.
type DatabaseHealthChecker interface {
	Ping(ctx context.Context) error
	Health() map[string]any
}

// HealthHandler handles health endpoints.
type HealthHandler struct {
	service string
	db      DatabaseHealthChecker
	logger  zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler. db may be nil when the
// registry runs in memory.
func NewHealthHandler(service string, db DatabaseHealthChecker, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		service: service,
		db:      db,
		logger:  logger.With().Str("component", "health_handler").Logger(),
	}
}

// RegisterPublicRoutes registers health check routes that don't require authentication.
func (h *HealthHandler) RegisterPublicRoutes(r gin.IRoutes) {
	r.GET("/health", h.Overall)
}

// Overall returns the service health.
// GET /health
func (h *HealthHandler) Overall(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := &HealthResponse{
		OK:      true,
		Service: h.service,
		At:      time.Now().UTC(),
		Status:  HealthStatusHealthy,
	}

	if h.db != nil {
		result := h.checkDatabase(ctx)
		response.Checks = map[string]*HealthCheckResult{"database": result}
		if result.Status == HealthStatusUnhealthy {
			response.OK = false
			response.Status = HealthStatusUnhealthy
			c.JSON(http.StatusServiceUnavailable, response)
			return
		}
	}

	c.JSON(http.StatusOK, response)
}

func (h *HealthHandler) checkDatabase(ctx context.Context) *HealthCheckResult {
	start := time.Now()
	result := &HealthCheckResult{Status: HealthStatusHealthy}

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Error().Err(err).Msg("database health check failed")
		result.Status = HealthStatusUnhealthy
		result.Error = "database unreachable"
	} else {
		result.Details = h.db.Health()
	}

	result.Duration = time.Since(start).String()
	return result
}
