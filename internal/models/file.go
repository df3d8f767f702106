package models

import "time"

// FileRecord is the agent's index entry for one scanned file.
type FileRecord struct {
	ID           string     `json:"id"`
	AbsolutePath string     `json:"absolute_path"`
	ParentPath   string     `json:"parent_path"`
	Name         string     `json:"name"`
	Extension    string     `json:"extension"`
	MimeType     string     `json:"mime_type,omitempty"`
	SizeBytes    int64      `json:"size_bytes"`
	CreatedAtFS  *time.Time `json:"created_at_fs,omitempty"`
	ModifiedAtFS *time.Time `json:"modified_at_fs,omitempty"`
	LastSeenAt   time.Time  `json:"last_seen_at"`
}

// Classification categories.
const (
	ClassInstaller       = "installer"
	ClassArchiveZip      = "archive_zip"
	ClassScreenshotUI    = "screenshot_ui"
	ClassImageAsset      = "image_asset"
	ClassDocumentGeneral = "document_general"
	ClassUnknown         = "unknown"
)

// Candidate is a scanned file plus its classification.
type Candidate struct {
	FileRecord
	WatchedPathID  string  `json:"watched_path_id,omitempty"`
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`
	GeneratedLabel string  `json:"generated_label"`
	Rationale      string  `json:"rationale"`
	ManualReview   bool    `json:"manual_review"`
}
