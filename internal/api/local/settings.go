package local

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MacJediWizard/tidyup/internal/api/handlers"
	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/MacJediWizard/tidyup/internal/policy"
	"github.com/gin-gonic/gin"
)

// UpdateSettingsRequest changes the fields that are set.
type UpdateSettingsRequest struct {
	DryRunDefault         *bool   `json:"dry_run_default"`
	RenamePattern         *string `json:"rename_pattern"`
	OrganizedRoot         *string `json:"organized_root"`
	ArchiveRoot           *string `json:"archive_root"`
	DuplicateReviewRoot   *string `json:"duplicate_review_root"`
	RecentFileSafetyHours *int    `json:"recent_file_safety_hours" binding:"omitempty,min=0"`
	IncludeHidden         *bool   `json:"include_hidden"`
}

// CreateWatchedPathRequest adds a watched path.
type CreateWatchedPathRequest struct {
	Path              string `json:"path" binding:"required"`
	Kind              string `json:"kind"`
	Enabled           *bool  `json:"enabled"`
	Protected         bool   `json:"protected"`
	IncludeSubfolders *bool  `json:"include_subfolders"`
}

// UpdateWatchedPathRequest changes the fields of a watched path that are set.
type UpdateWatchedPathRequest struct {
	Path              *string `json:"path"`
	Kind              *string `json:"kind"`
	Enabled           *bool   `json:"enabled"`
	Protected         *bool   `json:"protected"`
	IncludeSubfolders *bool   `json:"include_subfolders"`
}

// ValidatePathRequest names a path to check.
type ValidatePathRequest struct {
	Path string `json:"path" binding:"required"`
}

// ValidatePathResponse describes a candidate watched path.
type ValidatePathResponse struct {
	Path        string `json:"path"`
	Exists      bool   `json:"exists"`
	IsDirectory bool   `json:"is_directory"`
	// Scan is the decision for scanning the path with the current roots.
	Scan policy.Decision `json:"scan"`
}

// GetSettings returns the organization settings.
// GET /api/settings
func (s *Server) GetSettings(c *gin.Context) {
	settings, err := s.store.GetSettings(c.Request.Context())
	if err != nil {
		s.respondError(c, err, "failed to load settings")
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// UpdateSettings changes the organization settings.
// PUT /api/settings
func (s *Server) UpdateSettings(c *gin.Context) {
	var req UpdateSettingsRequest
	if !handlers.BindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		s.respondError(c, err, "failed to load settings")
		return
	}

	if req.DryRunDefault != nil {
		settings.DryRunDefault = *req.DryRunDefault
	}
	if req.RenamePattern != nil {
		settings.RenamePattern = strings.TrimSpace(*req.RenamePattern)
		if settings.RenamePattern == "" {
			settings.RenamePattern = models.DefaultRenamePattern
		}
	}
	for _, root := range []struct {
		in  *string
		out *string
	}{
		{req.OrganizedRoot, &settings.OrganizedRoot},
		{req.ArchiveRoot, &settings.ArchiveRoot},
		{req.DuplicateReviewRoot, &settings.DuplicateReviewRoot},
	} {
		if root.in == nil {
			continue
		}
		p, ok := s.canonical(c, *root.in)
		if !ok {
			return
		}
		*root.out = p
	}
	if req.RecentFileSafetyHours != nil {
		settings.RecentFileSafetyHours = *req.RecentFileSafetyHours
	}
	if req.IncludeHidden != nil {
		settings.IncludeHidden = *req.IncludeHidden
	}

	if err := s.store.UpdateSettings(ctx, settings); err != nil {
		s.respondError(c, err, "failed to update settings")
		return
	}

	s.logger.Info().Bool("dry_run_default", settings.DryRunDefault).Msg("settings updated")
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// ListWatchedPaths returns every watched path.
// GET /api/watched-paths
func (s *Server) ListWatchedPaths(c *gin.Context) {
	paths, err := s.store.ListWatchedPaths(c.Request.Context())
	if err != nil {
		s.respondError(c, err, "failed to list watched paths")
		return
	}
	if paths == nil {
		paths = []models.WatchedPath{}
	}
	c.JSON(http.StatusOK, gin.H{"watched_paths": paths})
}

// CreateWatchedPath adds a watched path.
// POST /api/watched-paths
func (s *Server) CreateWatchedPath(c *gin.Context) {
	var req CreateWatchedPathRequest
	if !handlers.BindJSON(c, &req) {
		return
	}
	p, ok := s.canonical(c, req.Path)
	if !ok {
		return
	}

	wp := models.NewWatchedPath(p, strings.TrimSpace(req.Kind))
	wp.Protected = req.Protected
	if req.Enabled != nil {
		wp.Enabled = *req.Enabled
	}
	if req.IncludeSubfolders != nil {
		wp.IncludeSubfolders = *req.IncludeSubfolders
	}

	if err := s.store.CreateWatchedPath(c.Request.Context(), wp); err != nil {
		s.respondError(c, err, "failed to create watched path")
		return
	}

	s.logger.Info().Str("watched_path_id", wp.ID).Str("path", wp.Path).Bool("protected", wp.Protected).Msg("watched path created")
	c.JSON(http.StatusCreated, gin.H{"watched_path": wp})
}

// UpdateWatchedPath changes a watched path.
// PUT /api/watched-paths/:id
func (s *Server) UpdateWatchedPath(c *gin.Context) {
	var req UpdateWatchedPathRequest
	if !handlers.BindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	wp, err := s.store.GetWatchedPath(ctx, c.Param("id"))
	if err != nil {
		s.respondError(c, err, "failed to load watched path")
		return
	}

	if req.Path != nil {
		p, ok := s.canonical(c, *req.Path)
		if !ok {
			return
		}
		wp.Path = p
	}
	if req.Kind != nil {
		wp.Kind = strings.TrimSpace(*req.Kind)
		if wp.Kind == "" {
			wp.Kind = models.PathKindCustom
		}
	}
	if req.Enabled != nil {
		wp.Enabled = *req.Enabled
	}
	if req.Protected != nil {
		wp.Protected = *req.Protected
	}
	if req.IncludeSubfolders != nil {
		wp.IncludeSubfolders = *req.IncludeSubfolders
	}
	wp.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateWatchedPath(ctx, wp); err != nil {
		s.respondError(c, err, "failed to update watched path")
		return
	}
	c.JSON(http.StatusOK, gin.H{"watched_path": wp})
}

// DeleteWatchedPath removes a watched path.
// DELETE /api/watched-paths/:id
func (s *Server) DeleteWatchedPath(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DeleteWatchedPath(c.Request.Context(), id); err != nil {
		s.respondError(c, err, "failed to delete watched path")
		return
	}
	s.logger.Info().Str("watched_path_id", id).Msg("watched path deleted")
	c.JSON(http.StatusOK, models.OKResponse{OK: true})
}

// ValidatePath checks a candidate watched path.
// POST /api/watched-paths/validate
func (s *Server) ValidatePath(c *gin.Context) {
	var req ValidatePathRequest
	if !handlers.BindJSON(c, &req) {
		return
	}
	p, ok := s.canonical(c, req.Path)
	if !ok {
		return
	}

	resp := ValidatePathResponse{Path: p}
	info, err := os.Stat(p)
	switch {
	case err == nil:
		resp.Exists = true
		resp.IsDirectory = info.IsDir()
	case !errors.Is(err, fs.ErrNotExist):
		s.logger.Warn().Err(err).Str("path", p).Msg("failed to stat candidate path")
	}

	paths, err := s.store.ListWatchedPaths(c.Request.Context())
	if err != nil {
		s.respondError(c, err, "failed to list watched paths")
		return
	}
	resp.Scan = policy.New(paths, models.Settings{}).DecideScan(p)
	c.JSON(http.StatusOK, resp)
}

// canonical resolves a user supplied path, answering 400 when it is blank or
// cannot be resolved.
func (s *Server) canonical(c *gin.Context, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: models.CodeInvalidRequest, Message: "path must not be empty"})
		return "", false
	}
	p, err := policy.Canonical(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: models.CodeInvalidRequest, Message: "invalid path: " + err.Error()})
		return "", false
	}
	return p, true
}
