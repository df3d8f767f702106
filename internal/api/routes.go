// Package api provides the HTTP API of the tidyup control plane.
package api

import (
	"net/http"
	"time"

	"github.com/MacJediWizard/tidyup/internal/api/handlers"
	"github.com/MacJediWizard/tidyup/internal/api/middleware"
	"github.com/MacJediWizard/tidyup/internal/registry"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Config holds configuration for the API router.
type Config struct {
	// ServiceToken guards service endpoints.
	ServiceToken string
	// AllowAnonymousService lets service endpoints run without a token.
	// Only development sets it.
	AllowAnonymousService bool
	// RateLimitRequests is the number of requests allowed per period.
	RateLimitRequests int64
	RateLimitPeriod   time.Duration
	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() Config {
	return Config{
		RateLimitRequests: 100,
		RateLimitPeriod:   time.Minute,
		MaxBodyBytes:      middleware.DefaultMaxBodyBytes,
	}
}

// Dependencies are the components the router serves.
type Dependencies struct {
	Registry *registry.Service
	Events   handlers.EventStreamer
	Metrics  http.Handler
	// DB is nil when the registry runs in memory.
	DB handlers.DatabaseHealthChecker
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(cfg Config, deps Dependencies, logger zerolog.Logger) (*Router, error) {
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = middleware.DefaultMaxBodyBytes
	}

	// Global middleware
	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))
	r.Engine.Use(middleware.SecurityHeaders())
	r.Engine.Use(middleware.BodyLimit(cfg.MaxBodyBytes))

	rateLimiter, err := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitPeriod)
	if err != nil {
		return nil, err
	}
	r.Engine.Use(rateLimiter)

	healthHandler := handlers.NewHealthHandler("tidyup-control", deps.DB, logger)
	healthHandler.RegisterPublicRoutes(r.Engine)

	if deps.Metrics != nil {
		handlers.NewMetricsHandler(deps.Metrics).RegisterPublicRoutes(r.Engine)
	}

	pairingHandler := handlers.NewPairingHandler(deps.Registry, logger)

	// Unauthenticated: the device has no token until pairing completes.
	public := r.Engine.Group("")
	pairingHandler.RegisterPublicRoutes(public)

	service := r.Engine.Group("")
	service.Use(middleware.ServiceAuth(cfg.ServiceToken, cfg.AllowAnonymousService, logger))

	pairingHandler.RegisterRoutes(service)
	handlers.NewDevicesHandler(deps.Registry, logger).RegisterRoutes(service)
	handlers.NewJobsHandler(deps.Registry, logger).RegisterRoutes(service)
	handlers.NewRunsHandler(deps.Registry, logger).RegisterRoutes(service)
	if deps.Events != nil {
		handlers.NewEventsHandler(deps.Events, logger).RegisterRoutes(service)
	}

	device := r.Engine.Group("")
	device.Use(middleware.DeviceAuth(deps.Registry, logger))
	handlers.NewDeviceAPIHandler(deps.Registry, logger).RegisterRoutes(device)

	r.logger.Info().Bool("service_auth", cfg.ServiceToken != "" || !cfg.AllowAnonymousService).Msg("API router initialized")
	return r, nil
}
