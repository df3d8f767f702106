package handlers

import (
	"context"
	"net/http"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// JobService queues cleanup jobs.
type JobService interface {
	EnqueueJob(ctx context.Context, req models.EnqueueJobRequest) (*models.EnqueueJobResponse, error)
	GetJob(ctx context.Context, id string) (*models.EnqueueJobResponse, error)
}

// JobsHandler handles job enqueue endpoints.
type JobsHandler struct {
	service JobService
	logger  zerolog.Logger
}

// NewJobsHandler creates a new JobsHandler.
func NewJobsHandler(service JobService, logger zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		service: service,
		logger:  logger.With().Str("component", "jobs_handler").Logger(),
	}
}

// RegisterRoutes registers job routes on the given router group.
func (h *JobsHandler) RegisterRoutes(r *gin.RouterGroup) {
	jobs := r.Group("/jobs")
	{
		jobs.POST("", h.Enqueue)
		jobs.GET("/:id", h.Get)
	}
}

// Enqueue queues a job for a device.
// POST /jobs
func (h *JobsHandler) Enqueue(c *gin.Context) {
	var req models.EnqueueJobRequest
	if !BindJSON(c, &req) {
		return
	}

	resp, err := h.service.EnqueueJob(c.Request.Context(), req)
	if err != nil {
		RespondError(c, h.logger, err, "failed to enqueue job")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Get returns a job with its run id.
// GET /jobs/:id
func (h *JobsHandler) Get(c *gin.Context) {
	resp, err := h.service.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, h.logger, err, "failed to get job")
		return
	}
	c.JSON(http.StatusOK, resp)
}
