// Package local serves the agent's loopback HTTP API: settings, watched
// paths, runs and their approvals, execution and rollback, pairing and the
// runtime connection.
package local

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MacJediWizard/tidyup/internal/agent"
	"github.com/MacJediWizard/tidyup/internal/api/handlers"
	"github.com/MacJediWizard/tidyup/internal/api/middleware"
	"github.com/MacJediWizard/tidyup/internal/health"
	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/MacJediWizard/tidyup/internal/runstore"
	"github.com/MacJediWizard/tidyup/internal/vault"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Store is the local run store.
type Store interface {
	GetSettings(ctx context.Context) (models.Settings, error)
	UpdateSettings(ctx context.Context, set models.Settings) error
	ListWatchedPaths(ctx context.Context) ([]models.WatchedPath, error)
	GetWatchedPath(ctx context.Context, id string) (*models.WatchedPath, error)
	CreateWatchedPath(ctx context.Context, wp *models.WatchedPath) error
	UpdateWatchedPath(ctx context.Context, wp *models.WatchedPath) error
	DeleteWatchedPath(ctx context.Context, id string) error
	ListRuns(ctx context.Context, filter runstore.RunFilter) ([]models.RunSummary, int, error)
	CountRunsByStatus(ctx context.Context) (map[models.RunStatus]int, error)
	GetSnapshot(ctx context.Context, runID string) (*models.RunSnapshot, error)
	ListProgress(ctx context.Context, runID string) ([]models.ProgressEvent, error)
	ListExecutions(ctx context.Context, runID string) ([]models.ExecutionRecord, error)
}

// Pipeline applies approvals, executes and rolls back runs.
type Pipeline interface {
	ApplyApprovals(ctx context.Context, runID string, decisions []models.ApprovalDecision, rep agent.Reporter) (*models.RunSnapshot, error)
	Execute(ctx context.Context, runID string, rep agent.Reporter) (*models.RunSnapshot, []models.ExecutionRecord, error)
	RollbackRun(ctx context.Context, runID string, rep agent.Reporter) (*models.RunSnapshot, []models.ExecutionRecord, error)
	RollbackExecution(ctx context.Context, executionID string, rep agent.Reporter) (string, bool, error)
}

// ControlClient talks to the control plane.
type ControlClient interface {
	agent.Registry
	ServerURL() string
	SetServerURL(serverURL string)
	StartPairing(ctx context.Context, req models.StartPairingRequest) (*models.StartPairingResponse, error)
	CompletePairing(ctx context.Context, req models.CompletePairingRequest) (*models.CompletePairingResponse, error)
	EnqueueJob(ctx context.Context, req models.EnqueueJobRequest) (*models.EnqueueJobResponse, error)
	SetApprovals(ctx context.Context, runID string, req models.ApprovalsRequest) error
}

// Runtime starts and stops the registry connection.
type Runtime interface {
	Status() agent.RuntimeStatus
	Start() agent.StartResult
	Stop(ctx context.Context, reason string) agent.StopResult
}

// Options configure the local API.
type Options struct {
	DaemonVersion string
	DeviceLabel   string
	// DefaultControlURL is restored by a bootstrap reset.
	DefaultControlURL string
	// ServiceTokenFromEnv marks the vault's service token as seeded from the
	// environment. A bootstrap reset keeps it.
	ServiceTokenFromEnv bool
	// SaveControlURL persists a configured control URL. Optional.
	SaveControlURL func(url string) error
	// Shutdown is called after the runtime stopped for an api_shutdown. Optional.
	Shutdown func()
	// Host describes the machine. Optional.
	Host agent.HostInfoProvider
	// HostMetrics reports disk and memory pressure for GET /api/host. Optional.
	HostMetrics HostMetricsSource
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

// HostMetricsSource samples host resource usage.
type HostMetricsSource interface {
	Collect(ctx context.Context) *health.Metrics
}

// Dependencies are the components the local API serves.
type Dependencies struct {
	Store    Store
	Pipeline Pipeline
	Client   ControlClient
	Runtime  Runtime
	Secrets  vault.SecretVault
}

// Server handles the local API.
type Server struct {
	store    Store
	pipeline Pipeline
	client   ControlClient
	runtime  Runtime
	secrets  vault.SecretVault
	reporter agent.Reporter
	checker  *health.Checker
	opts     Options
	logger   zerolog.Logger
}

// NewServer creates a Server.
func NewServer(deps Dependencies, opts Options, logger zerolog.Logger) *Server {
	return &Server{
		store:    deps.Store,
		pipeline: deps.Pipeline,
		client:   deps.Client,
		runtime:  deps.Runtime,
		secrets:  deps.Secrets,
		reporter: agent.NewRegistryReporter(deps.Client),
		checker:  health.NewChecker(health.DefaultThresholds()),
		opts:     opts,
		logger:   logger.With().Str("component", "local_api").Logger(),
	}
}

// NewRouter returns the gin engine serving s.
func NewRouter(s *Server, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.LoopbackCORS())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.BodyLimit(middleware.DefaultMaxBodyBytes))

	r.GET("/health", s.Health)
	if s.opts.Metrics != nil {
		handlers.NewMetricsHandler(s.opts.Metrics).RegisterPublicRoutes(r)
	}
	s.RegisterRoutes(r.Group("/api"))
	return r
}

// RegisterRoutes registers the local API routes on the given router group.
func (s *Server) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/status", s.Status)
	r.GET("/device", s.Device)
	r.GET("/host", s.Host)

	runtime := r.Group("/runtime")
	{
		runtime.GET("/status", s.RuntimeStatus)
		runtime.POST("/start", s.RuntimeStart)
		runtime.POST("/stop", s.RuntimeStop)
		runtime.POST("/shutdown", s.RuntimeShutdown)
	}

	bootstrap := r.Group("/bootstrap")
	{
		bootstrap.GET("/status", s.BootstrapStatus)
		bootstrap.POST("/configure", s.BootstrapConfigure)
		bootstrap.POST("/reset", s.BootstrapReset)
	}

	r.GET("/settings", s.GetSettings)
	r.PUT("/settings", s.UpdateSettings)

	watched := r.Group("/watched-paths")
	{
		watched.GET("", s.ListWatchedPaths)
		watched.POST("", s.CreateWatchedPath)
		watched.POST("/validate", s.ValidatePath)
		watched.PUT("/:id", s.UpdateWatchedPath)
		watched.DELETE("/:id", s.DeleteWatchedPath)
	}

	r.POST("/pairing/start", s.StartPairing)
	r.POST("/pairing/complete", s.CompletePairing)

	runs := r.Group("/runs")
	{
		runs.GET("", s.ListRuns)
		runs.POST("/enqueue", s.Enqueue)
		runs.GET("/:id", s.GetRun)
		runs.GET("/:id/details", s.RunDetails)
		runs.GET("/:id/proposals", s.Proposals)
		runs.GET("/:id/executions", s.Executions)
		runs.POST("/:id/approvals", s.Approvals)
		runs.POST("/:id/approve-execute", s.ApproveExecute)
		runs.POST("/:id/execute", s.Execute)
		runs.POST("/:id/rollback", s.RollbackRun)
	}

	r.POST("/executions/:id/rollback", s.RollbackExecution)
	r.GET("/metrics/overview", s.Overview)
}

// Health reports liveness.
// GET /health
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "service": "tidyup-agent", "at": time.Now().UTC()})
}

// respondError maps store lookups and coded errors to responses.
func (s *Server) respondError(c *gin.Context, err error, action string) {
	switch {
	case errors.Is(err, runstore.ErrRunNotFound), errors.Is(err, runstore.ErrExecutionNotFound),
		errors.Is(err, runstore.ErrWatchedPathNotFound), errors.Is(err, runstore.ErrProposalNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: models.CodeNotFound, Message: err.Error()})
	case errors.Is(err, agent.ErrNoControlURL):
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: models.CodeInvalidRequest, Message: "control plane is not configured"})
	case errors.Is(err, runstore.ErrWatchedPathExists):
		c.JSON(http.StatusConflict, models.ErrorResponse{Error: models.CodeInvalidRequest, Message: err.Error()})
	default:
		handlers.RespondError(c, s.logger, err, action)
	}
}

// pushed drops a sync failure after logging it. The local store already
// holds the change and the poll loop re-pushes flagged runs.
func (s *Server) pushed(err error) error {
	if agent.IsSyncError(err) {
		s.logger.Warn().Err(err).Msg("change saved locally, registry push deferred")
		return nil
	}
	return err
}

func (s *Server) hasServiceToken() bool {
	return vault.Lookup(s.secrets, vault.KeyServiceToken) != ""
}
