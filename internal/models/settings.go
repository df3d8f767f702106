package models

import "path/filepath"

// DefaultRenamePattern is the naming scheme for generated targets.
const DefaultRenamePattern = "{date}_{label}_v{version}"

// Settings are the agent-wide organization preferences.
type Settings struct {
	DryRunDefault         bool   `json:"dry_run_default"`
	RenamePattern         string `json:"rename_pattern"`
	OrganizedRoot         string `json:"organized_root"`
	ArchiveRoot           string `json:"archive_root"`
	DuplicateReviewRoot   string `json:"duplicate_review_root"`
	RecentFileSafetyHours int    `json:"recent_file_safety_hours"`
	IncludeHidden         bool   `json:"include_hidden"`
}

// DefaultSettings derives the organization roots from home.
func DefaultSettings(home string) Settings {
	organized := filepath.Join(home, "Organized")
	return Settings{
		DryRunDefault:         true,
		RenamePattern:         DefaultRenamePattern,
		OrganizedRoot:         organized,
		ArchiveRoot:           filepath.Join(organized, "Archives"),
		DuplicateReviewRoot:   filepath.Join(organized, "Duplicate Review"),
		RecentFileSafetyHours: 12,
	}
}

// AllowedTargetRoots returns the non-empty organization roots.
func (s Settings) AllowedTargetRoots() []string {
	var roots []string
	for _, r := range []string{s.OrganizedRoot, s.ArchiveRoot, s.DuplicateReviewRoot} {
		if r != "" {
			roots = append(roots, r)
		}
	}
	return roots
}
