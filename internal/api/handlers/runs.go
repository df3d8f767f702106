package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/MacJediWizard/tidyup/internal/registry"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RunService reads runs and fills their command mailboxes.
type RunService interface {
	GetRun(ctx context.Context, runID string) (*models.RunDetailResponse, error)
	GetSnapshot(ctx context.Context, runID string) (*models.RunSnapshot, error)
	ListRuns(ctx context.Context, filter registry.RunFilter) ([]models.RunSummary, error)
	ListProgress(ctx context.Context, runID string) ([]models.ProgressEvent, error)
	SetApprovals(ctx context.Context, runID string, req models.ApprovalsRequest) (*models.RunSummary, error)
	RequestExecute(ctx context.Context, runID string, req models.CommandRequest) (*models.RunSummary, error)
	RequestRollback(ctx context.Context, runID string, req models.CommandRequest) (*models.RunSummary, error)
	CancelRun(ctx context.Context, runID string) (*models.RunSummary, error)
}

// RunsHandler handles service-facing run endpoints.
type RunsHandler struct {
	service RunService
	logger  zerolog.Logger
}

// NewRunsHandler creates a new RunsHandler.
func NewRunsHandler(service RunService, logger zerolog.Logger) *RunsHandler {
	return &RunsHandler{
		service: service,
		logger:  logger.With().Str("component", "runs_handler").Logger(),
	}
}

// RegisterRoutes registers run routes on the given router group.
func (h *RunsHandler) RegisterRoutes(r *gin.RouterGroup) {
	runs := r.Group("/runs")
	{
		runs.GET("", h.List)
		runs.GET("/:id", h.Get)
		runs.GET("/:id/summary", h.Summary)
		runs.GET("/:id/proposals", h.Proposals)
		runs.GET("/:id/progress", h.Progress)
		runs.POST("/:id/approvals", h.Approvals)
		runs.POST("/:id/execute", h.Execute)
		runs.POST("/:id/rollback", h.Rollback)
		runs.POST("/:id/cancel", h.Cancel)
	}
}

// List returns recent runs, optionally filtered by device and status.
// GET /runs
func (h *RunsHandler) List(c *gin.Context) {
	filter := registry.RunFilter{
		DeviceID: c.Query("device_id"),
		Status:   models.RunStatus(c.Query("status")),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: models.CodeInvalidRequest, Message: "limit must be a positive integer"})
			return
		}
		filter.Limit = limit
	}

	runs, err := h.service.ListRuns(c.Request.Context(), filter)
	if err != nil {
		RespondError(c, h.logger, err, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []models.RunSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// Get returns a run snapshot with its progress log.
// GET /runs/:id
func (h *RunsHandler) Get(c *gin.Context) {
	detail, err := h.service.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, h.logger, err, "failed to get run")
		return
	}
	c.JSON(http.StatusOK, detail)
}

// Summary returns a run's summary.
// GET /runs/:id/summary
func (h *RunsHandler) Summary(c *gin.Context) {
	snap, err := h.service.GetSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, h.logger, err, "failed to get run summary")
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": snap.Summary})
}

// Proposals returns a run's proposals.
// GET /runs/:id/proposals
func (h *RunsHandler) Proposals(c *gin.Context) {
	snap, err := h.service.GetSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, h.logger, err, "failed to get run proposals")
		return
	}
	proposals := snap.Proposals
	if proposals == nil {
		proposals = []models.Proposal{}
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals})
}

// Progress returns a run's progress log.
// GET /runs/:id/progress
func (h *RunsHandler) Progress(c *gin.Context) {
	events, err := h.service.ListProgress(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, h.logger, err, "failed to get run progress")
		return
	}
	if events == nil {
		events = []models.ProgressEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"progress": events})
}

// Approvals fills the approval mailbox.
// POST /runs/:id/approvals
func (h *RunsHandler) Approvals(c *gin.Context) {
	var req models.ApprovalsRequest
	if !BindJSON(c, &req) {
		return
	}

	summary, err := h.service.SetApprovals(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		RespondError(c, h.logger, err, "failed to queue approvals")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "summary": summary})
}

// Execute fills the execute mailbox.
// POST /runs/:id/execute
func (h *RunsHandler) Execute(c *gin.Context) {
	req, ok := bindCommand(c)
	if !ok {
		return
	}

	summary, err := h.service.RequestExecute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		RespondError(c, h.logger, err, "failed to queue execute")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "summary": summary})
}

// Rollback fills the rollback mailbox.
// POST /runs/:id/rollback
func (h *RunsHandler) Rollback(c *gin.Context) {
	req, ok := bindCommand(c)
	if !ok {
		return
	}

	summary, err := h.service.RequestRollback(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		RespondError(c, h.logger, err, "failed to queue rollback")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "summary": summary})
}

// Cancel cancels a run that has not started executing.
// POST /runs/:id/cancel
func (h *RunsHandler) Cancel(c *gin.Context) {
	summary, err := h.service.CancelRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, h.logger, err, "failed to cancel run")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "summary": summary})
}

// bindCommand reads an optional CommandRequest body.
func bindCommand(c *gin.Context) (models.CommandRequest, bool) {
	var req models.CommandRequest
	if c.Request.ContentLength == 0 {
		return req, true
	}
	return req, BindJSON(c, &req)
}
