// Package scan walks watched paths and collects file metadata for
// classification.
package scan

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/MacJediWizard/tidyup/internal/excludes"
	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/MacJediWizard/tidyup/internal/policy"
	"github.com/rs/zerolog"
)

// Decider is the subset of the policy engine the scanner needs.
type Decider interface {
	DecideScan(path string) policy.Decision
}

// FileStore assigns stable ids to scanned files.
type FileStore interface {
	// UpsertFileRecord inserts or refreshes rec by absolute path and sets rec.ID.
	UpsertFileRecord(ctx context.Context, rec *models.FileRecord) error
}

// Result is the outcome of one scan.
type Result struct {
	Candidates          []models.Candidate
	FilesScanned        int
	SkippedForSafety    int
	MatchedWatchedPaths int
}

// Scanner walks watched roots depth-first. Entries matched by the
// built-in exclude library are never descended into or collected.
type Scanner struct {
	policy   Decider
	files    FileStore
	settings models.Settings
	skip     *excludes.Matcher
	logger   zerolog.Logger
	now      func() time.Time
}

// NewScanner creates a Scanner.
func NewScanner(decider Decider, files FileStore, settings models.Settings, logger zerolog.Logger) *Scanner {
	return &Scanner{
		policy:   decider,
		files:    files,
		settings: settings,
		skip:     excludes.Default(),
		logger:   logger.With().Str("component", "scanner").Logger(),
		now:      time.Now,
	}
}

// FilterWatched returns the enabled watched paths selected by scope.
// Protected roots are never scan roots.
func FilterWatched(watched []models.WatchedPath, scope models.JobScope) []models.WatchedPath {
	kinds := toSet(scope.PathKinds)
	ids := toSet(scope.PathIDs)

	var out []models.WatchedPath
	for _, wp := range watched {
		if !wp.Enabled || wp.Protected {
			continue
		}
		if len(kinds) > 0 && !kinds[wp.Kind] {
			continue
		}
		if len(ids) > 0 && !ids[wp.ID] {
			continue
		}
		out = append(out, wp)
	}
	return out
}

// Scan collects up to scope.MaxFiles files from the watched paths matching
// scope, newest first.
func (s *Scanner) Scan(ctx context.Context, watched []models.WatchedPath, scope models.JobScope) (*Result, error) {
	roots := FilterWatched(watched, scope)
	result := &Result{MatchedWatchedPaths: len(roots)}
	if len(roots) == 0 {
		return result, nil
	}

	maxFiles := scope.MaxFiles
	if maxFiles <= 0 {
		maxFiles = models.DefaultMaxFiles
	}

	var found []models.Candidate
	for _, root := range roots {
		if len(found) >= maxFiles {
			break
		}
		items, err := s.walk(ctx, root, maxFiles-len(found))
		if err != nil {
			return nil, err
		}
		found = append(found, items...)
	}

	sort.SliceStable(found, func(i, j int) bool {
		return timeOf(found[i].ModifiedAtFS).After(timeOf(found[j].ModifiedAtFS))
	})

	safetyWindow := time.Duration(s.settings.RecentFileSafetyHours) * time.Hour
	now := s.now()
	for i := range found {
		cand := found[i]
		if d := s.policy.DecideScan(cand.AbsolutePath); !d.Allowed {
			result.SkippedForSafety++
			continue
		}
		if safetyWindow > 0 && cand.ModifiedAtFS != nil && now.Sub(*cand.ModifiedAtFS) < safetyWindow {
			result.SkippedForSafety++
			continue
		}
		if s.files != nil {
			if err := s.files.UpsertFileRecord(ctx, &cand.FileRecord); err != nil {
				return nil, fmt.Errorf("upsert file record: %w", err)
			}
		}
		result.Candidates = append(result.Candidates, cand)
	}
	result.FilesScanned = len(result.Candidates)

	s.logger.Info().
		Int("roots", len(roots)).
		Int("files", result.FilesScanned).
		Int("skipped", result.SkippedForSafety).
		Msg("scan completed")
	return result, nil
}

func (s *Scanner) walk(ctx context.Context, root models.WatchedPath, limit int) ([]models.Candidate, error) {
	var out []models.Candidate
	stack := []string{root.Path}

	for len(stack) > 0 && len(out) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			s.logger.Warn().Err(err).Str("dir", dir).Msg("skipping unreadable directory")
			continue
		}

		for _, entry := range entries {
			if len(out) >= limit {
				break
			}
			name := entry.Name()
			if s.skip.Skip(name, entry.IsDir()) {
				continue
			}
			if !s.settings.IncludeHidden && strings.HasPrefix(name, ".") {
				continue
			}
			if entry.Type()&os.ModeSymlink != 0 {
				continue
			}
			full := filepath.Join(dir, name)
			if entry.IsDir() {
				if root.IncludeSubfolders {
					stack = append(stack, full)
				}
				continue
			}
			if !entry.Type().IsRegular() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			out = append(out, candidateFor(full, info, root.ID, s.now()))
		}
	}
	return out, nil
}

func candidateFor(path string, info os.FileInfo, watchedID string, now time.Time) models.Candidate {
	ext := strings.ToLower(filepath.Ext(path))
	mod := info.ModTime().UTC()
	return models.Candidate{
		FileRecord: models.FileRecord{
			AbsolutePath: path,
			ParentPath:   filepath.Dir(path),
			Name:         info.Name(),
			Extension:    ext,
			MimeType:     mimeFor(ext),
			SizeBytes:    info.Size(),
			CreatedAtFS:  createdAt(info),
			ModifiedAtFS: &mod,
			LastSeenAt:   now.UTC(),
		},
		WatchedPathID: watchedID,
	}
}

func mimeFor(ext string) string {
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func timeOf(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		if it != "" {
			set[it] = true
		}
	}
	return set
}
