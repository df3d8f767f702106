package models

import "time"

// Well-known watched path kinds. Any other non-empty kind is treated as custom.
const (
	PathKindDownloads = "downloads"
	PathKindDesktop   = "desktop"
	PathKindDocuments = "documents"
	PathKindPictures  = "pictures"
	PathKindCustom    = "custom"
)

// WatchedPath is a root the agent may scan, or a protected root it must never touch.
type WatchedPath struct {
	ID                string    `json:"id"`
	Path              string    `json:"path"`
	Kind              string    `json:"kind"`
	Enabled           bool      `json:"enabled"`
	Protected         bool      `json:"protected"`
	IncludeSubfolders bool      `json:"include_subfolders"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NewWatchedPath creates an enabled watched path.
func NewWatchedPath(path, kind string) *WatchedPath {
	if kind == "" {
		kind = PathKindCustom
	}
	now := time.Now().UTC()
	return &WatchedPath{
		ID:                NewID(PrefixWatchedPath),
		Path:              path,
		Kind:              kind,
		Enabled:           true,
		IncludeSubfolders: true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}
