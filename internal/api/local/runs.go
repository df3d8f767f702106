package local

import (
	"net/http"
	"strconv"

	"github.com/MacJediWizard/tidyup/internal/api/handlers"
	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/MacJediWizard/tidyup/internal/runstore"
	"github.com/MacJediWizard/tidyup/internal/vault"
	"github.com/gin-gonic/gin"
)

const defaultListLimit = 50

// EnqueueRequest asks the registry to queue a cleanup job for this device.
type EnqueueRequest struct {
	DeviceID       string              `json:"device_id"`
	Trigger        models.TriggerKind  `json:"trigger"`
	PathKinds      []string            `json:"path_kinds"`
	PathIDs        []string            `json:"path_ids"`
	MaxFiles       int                 `json:"max_files" binding:"omitempty,min=1"`
	Incremental    bool                `json:"incremental"`
	DryRun         *bool               `json:"dry_run"`
	AllowedActions []models.ActionKind `json:"allowed_actions"`
	RequestedBy    string              `json:"requested_by"`
}

// RunListItem is a run with its latest progress event.
type RunListItem struct {
	Summary  models.RunSummary     `json:"summary"`
	Progress *models.ProgressEvent `json:"progress,omitempty"`
}

// Paging describes a page of a list.
type Paging struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

// RunListResponse is a page of runs.
type RunListResponse struct {
	Runs   []RunListItem `json:"runs"`
	Paging Paging        `json:"paging"`
}

// RunActionResponse is returned by execute and rollback.
type RunActionResponse struct {
	OK         bool                     `json:"ok"`
	Summary    models.RunSummary        `json:"summary"`
	Executions []models.ExecutionRecord `json:"executions"`
}

// OverviewTotals counts runs for the dashboard.
type OverviewTotals struct {
	AllRuns          int `json:"all_runs"`
	AwaitingApproval int `json:"awaiting_approval"`
	Completed        int `json:"completed"`
	Failed           int `json:"failed"`
}

// OverviewResponse summarizes local activity.
type OverviewResponse struct {
	Totals    OverviewTotals     `json:"totals"`
	LatestRun *models.RunSummary `json:"latest_run"`
}

// ListRuns returns a page of local runs, newest first.
// GET /api/runs
func (s *Server) ListRuns(c *gin.Context) {
	filter := runstore.RunFilter{Limit: defaultListLimit}
	if v := c.Query("status"); v != "" {
		status := models.RunStatus(v)
		if !status.IsValid() {
			invalid(c, "unknown run status")
			return
		}
		filter.Status = status
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			invalid(c, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, runstore.MaxListLimit)
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			invalid(c, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	ctx := c.Request.Context()
	summaries, total, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		s.respondError(c, err, "failed to list runs")
		return
	}

	items := make([]RunListItem, 0, len(summaries))
	for _, sum := range summaries {
		item := RunListItem{Summary: sum}
		events, err := s.store.ListProgress(ctx, sum.RunID)
		if err != nil {
			s.respondError(c, err, "failed to load run progress")
			return
		}
		if len(events) > 0 {
			item.Progress = &events[len(events)-1]
		}
		items = append(items, item)
	}

	c.JSON(http.StatusOK, RunListResponse{
		Runs:   items,
		Paging: Paging{Limit: filter.Limit, Offset: filter.Offset, Total: total},
	})
}

// GetRun returns a run snapshot and its progress log.
// GET /api/runs/:id
func (s *Server) GetRun(c *gin.Context) {
	detail, ok := s.runDetail(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, detail)
}

// RunDetails returns a run snapshot, its progress log and its executions.
// GET /api/runs/:id/details
func (s *Server) RunDetails(c *gin.Context) {
	detail, ok := s.runDetail(c)
	if !ok {
		return
	}
	execs, err := s.store.ListExecutions(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err, "failed to list executions")
		return
	}
	if execs == nil {
		execs = []models.ExecutionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshot":   detail.Snapshot,
		"progress":   detail.Progress,
		"executions": execs,
	})
}

// Proposals returns the proposals of a run.
// GET /api/runs/:id/proposals
func (s *Server) Proposals(c *gin.Context) {
	snap, err := s.store.GetSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err, "failed to load run")
		return
	}
	proposals := snap.Proposals
	if proposals == nil {
		proposals = []models.Proposal{}
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals})
}

// Executions returns the execution log of a run.
// GET /api/runs/:id/executions
func (s *Server) Executions(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.store.GetSnapshot(ctx, id); err != nil {
		s.respondError(c, err, "failed to load run")
		return
	}
	execs, err := s.store.ListExecutions(ctx, id)
	if err != nil {
		s.respondError(c, err, "failed to list executions")
		return
	}
	if execs == nil {
		execs = []models.ExecutionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

// Enqueue asks the registry to queue a cleanup job for this device.
// POST /api/runs/enqueue
func (s *Server) Enqueue(c *gin.Context) {
	var req EnqueueRequest
	if c.Request.ContentLength != 0 && !handlers.BindJSON(c, &req) {
		return
	}

	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = vault.Lookup(s.secrets, vault.KeyDeviceID)
	}
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: models.CodeMissingDeviceID, Message: "device_id is required until this device is paired"})
		return
	}
	if req.Trigger != "" && !req.Trigger.IsValid() {
		invalid(c, "unknown trigger")
		return
	}
	actions, ok := normalizeActions(req.AllowedActions)
	if !ok {
		invalid(c, "unknown allowed action")
		return
	}

	ctx := c.Request.Context()
	dryRun := true
	if req.DryRun != nil {
		dryRun = *req.DryRun
	} else if settings, err := s.store.GetSettings(ctx); err == nil {
		dryRun = settings.DryRunDefault
	}

	maxFiles := req.MaxFiles
	if maxFiles == 0 {
		maxFiles = models.DefaultMaxFiles
	}
	requestedBy := req.RequestedBy
	if requestedBy == "" {
		requestedBy = "local-ui"
	}

	resp, err := s.client.EnqueueJob(ctx, models.EnqueueJobRequest{
		DeviceID: deviceID,
		Trigger:  req.Trigger,
		Scope: models.JobScope{
			PathKinds:   req.PathKinds,
			PathIDs:     req.PathIDs,
			MaxFiles:    maxFiles,
			Incremental: req.Incremental,
		},
		Mode:        models.JobMode{DryRun: dryRun, AllowedActions: actions},
		RequestedBy: requestedBy,
	})
	if err != nil {
		s.respondError(c, err, "failed to enqueue job")
		return
	}

	s.logger.Info().Str("run_id", resp.RunID).Str("device_id", deviceID).Bool("dry_run", dryRun).Msg("job enqueued")
	c.JSON(http.StatusCreated, resp)
}

// Approvals applies approval decisions locally and mirrors them to the
// registry.
// POST /api/runs/:id/approvals
func (s *Server) Approvals(c *gin.Context) {
	var req models.ApprovalsRequest
	if !handlers.BindJSON(c, &req) {
		return
	}
	snap, ok := s.applyApprovals(c, req)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "summary": snap.Summary})
}

// ApproveExecute applies approval decisions and executes the run.
// POST /api/runs/:id/approve-execute
func (s *Server) ApproveExecute(c *gin.Context) {
	var req models.ApprovalsRequest
	if !handlers.BindJSON(c, &req) {
		return
	}
	if _, ok := s.applyApprovals(c, req); !ok {
		return
	}
	s.execute(c)
}

// Execute applies the approved proposals of a run.
// POST /api/runs/:id/execute
func (s *Server) Execute(c *gin.Context) {
	s.execute(c)
}

// RollbackRun reverses every executed proposal of a run.
// POST /api/runs/:id/rollback
func (s *Server) RollbackRun(c *gin.Context) {
	snap, records, err := s.pipeline.RollbackRun(c.Request.Context(), c.Param("id"), s.reporter)
	if err = s.pushed(err); err != nil {
		s.respondError(c, err, "failed to roll back run")
		return
	}
	c.JSON(http.StatusOK, RunActionResponse{OK: true, Summary: snap.Summary, Executions: nonNil(records)})
}

// RollbackExecution reverses one execution record.
// POST /api/executions/:id/rollback
func (s *Server) RollbackExecution(c *gin.Context) {
	id := c.Param("id")
	runID, ok, err := s.pipeline.RollbackExecution(c.Request.Context(), id, s.reporter)
	if err = s.pushed(err); err != nil {
		s.respondError(c, err, "failed to roll back execution")
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: models.CodeNotFound, Message: "execution has nothing to roll back"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "run_id": runID, "execution_id": id})
}

// Overview returns run totals and the latest run.
// GET /api/metrics/overview
func (s *Server) Overview(c *gin.Context) {
	ctx := c.Request.Context()
	counts, err := s.store.CountRunsByStatus(ctx)
	if err != nil {
		s.respondError(c, err, "failed to count runs")
		return
	}
	var resp OverviewResponse
	for _, n := range counts {
		resp.Totals.AllRuns += n
	}
	resp.Totals.AwaitingApproval = counts[models.RunStatusAwaitingApproval]
	resp.Totals.Completed = counts[models.RunStatusCompleted]
	resp.Totals.Failed = counts[models.RunStatusFailed]

	latest, _, err := s.store.ListRuns(ctx, runstore.RunFilter{Limit: 1})
	if err != nil {
		s.respondError(c, err, "failed to load latest run")
		return
	}
	if len(latest) > 0 {
		resp.LatestRun = &latest[0]
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) runDetail(c *gin.Context) (*models.RunDetailResponse, bool) {
	ctx := c.Request.Context()
	id := c.Param("id")
	snap, err := s.store.GetSnapshot(ctx, id)
	if err != nil {
		s.respondError(c, err, "failed to load run")
		return nil, false
	}
	progress, err := s.store.ListProgress(ctx, id)
	if err != nil {
		s.respondError(c, err, "failed to load run progress")
		return nil, false
	}
	if progress == nil {
		progress = []models.ProgressEvent{}
	}
	return &models.RunDetailResponse{Snapshot: snap, Progress: progress}, true
}

// applyApprovals applies decisions locally, then records them on the
// registry when a service token is available. The registry mailbox is
// cleared right away so the poll loop does not apply them a second time.
func (s *Server) applyApprovals(c *gin.Context, req models.ApprovalsRequest) (*models.RunSnapshot, bool) {
	ctx := c.Request.Context()
	runID := c.Param("id")
	snap, err := s.pipeline.ApplyApprovals(ctx, runID, req.Decisions, s.reporter)
	if err = s.pushed(err); err != nil {
		s.respondError(c, err, "failed to apply approvals")
		return nil, false
	}

	if s.hasServiceToken() {
		if req.RequestedBy == "" {
			req.RequestedBy = "local-ui"
		}
		if err := s.client.SetApprovals(ctx, runID, req); err != nil {
			s.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to mirror approvals to registry")
		} else if err := s.client.ClearCommand(ctx, runID, models.CommandApprovals); err != nil {
			s.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to clear mirrored approvals")
		}
	}
	return snap, true
}

func (s *Server) execute(c *gin.Context) {
	snap, records, err := s.pipeline.Execute(c.Request.Context(), c.Param("id"), s.reporter)
	if err = s.pushed(err); err != nil {
		if models.CodeOf(err) == "" {
			err = models.WrapCoded(models.CodeExecutionFailed, err)
		}
		s.respondError(c, err, "failed to execute run")
		return
	}
	c.JSON(http.StatusOK, RunActionResponse{OK: true, Summary: snap.Summary, Executions: nonNil(records)})
}

// normalizeActions drops duplicates and falls back to the default set. It
// reports false when an action is unknown.
func normalizeActions(in []models.ActionKind) ([]models.ActionKind, bool) {
	if len(in) == 0 {
		return models.DefaultAllowedActions(), true
	}
	seen := make(map[models.ActionKind]bool, len(in))
	out := make([]models.ActionKind, 0, len(in))
	for _, a := range in {
		if !a.IsValid() {
			return nil, false
		}
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out, true
}

func nonNil(records []models.ExecutionRecord) []models.ExecutionRecord {
	if records == nil {
		return []models.ExecutionRecord{}
	}
	return records
}

func invalid(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: models.CodeInvalidRequest, Message: msg})
}
