// Package excludes holds the built-in list of entries the scanner never
// offers for cleanup: OS metadata, in-flight downloads, editor lock files
// and dependency trees that belong to a project rather than to the user.
package excludes

import (
	"path/filepath"
	"strings"
)

// Category groups related patterns.
type Category string

const (
	CategoryOS         Category = "os"
	CategoryPartial    Category = "partial"
	CategoryLock       Category = "lock"
	CategoryDependency Category = "dependency"
)

// BuiltInPattern is a named set of glob patterns matched against a single
// path element. A pattern ending in "/" only matches directories.
type BuiltInPattern struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Patterns    []string `json:"patterns"`
	Category    Category `json:"category"`
}

// Library is the set of entries skipped during every scan.
var Library = []BuiltInPattern{
	{
		Name:        "macOS",
		Description: "Finder metadata and AppleDouble files",
		Patterns:    []string{".DS_Store", "._*", ".localized", ".fseventsd/", ".Spotlight-V100/", ".Trashes/"},
		Category:    CategoryOS,
	},
	{
		Name:        "Windows",
		Description: "Explorer thumbnail caches and folder settings",
		Patterns:    []string{"Thumbs.db", "ehthumbs.db", "desktop.ini", "$RECYCLE.BIN/", "System Volume Information/"},
		Category:    CategoryOS,
	},
	{
		Name:        "Linux",
		Description: "Desktop trash and directory metadata",
		Patterns:    []string{".directory", ".Trash-*/"},
		Category:    CategoryOS,
	},
	{
		Name:        "Browser downloads",
		Description: "Downloads that are still being written",
		Patterns:    []string{"*.crdownload", "*.part", "*.partial", "*.download/", "*.opdownload"},
		Category:    CategoryPartial,
	},
	{
		Name:        "Transfer tools",
		Description: "Incomplete torrent and sync transfers",
		Patterns:    []string{"*.!qB", "*.!ut", "*.aria2", ".syncthing.*.tmp", "*.tmp.drivedownload"},
		Category:    CategoryPartial,
	},
	{
		Name:        "Office",
		Description: "Owner and lock files of open documents",
		Patterns:    []string{"~$*", ".~lock.*#"},
		Category:    CategoryLock,
	},
	{
		Name:        "Editors",
		Description: "Swap files of files open in an editor",
		Patterns:    []string{"*.swp", "*.swo", ".#*"},
		Category:    CategoryLock,
	},
	{
		Name:        "Version control",
		Description: "Repository internals",
		Patterns:    []string{".git/", ".hg/", ".svn/"},
		Category:    CategoryDependency,
	},
	{
		Name:        "Package managers",
		Description: "Installed dependency trees",
		Patterns:    []string{"node_modules/", "__pycache__/", ".venv/", "bower_components/"},
		Category:    CategoryDependency,
	},
}

// GetAllCategories returns a list of all available categories.
func GetAllCategories() []Category {
	return []Category{
		CategoryOS,
		CategoryPartial,
		CategoryLock,
		CategoryDependency,
	}
}

// GetPatternsByCategory returns all built-in patterns for a given category.
func GetPatternsByCategory(category Category) []BuiltInPattern {
	var patterns []BuiltInPattern
	for _, p := range Library {
		if p.Category == category {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// FlattenPatterns takes a list of BuiltInPatterns and returns all patterns as a single slice.
func FlattenPatterns(patterns []BuiltInPattern) []string {
	var result []string
	seen := make(map[string]bool)
	for _, p := range patterns {
		for _, pattern := range p.Patterns {
			if !seen[pattern] {
				seen[pattern] = true
				result = append(result, pattern)
			}
		}
	}
	return result
}

// Matcher reports whether a directory entry should be skipped.
type Matcher struct {
	files []string
	dirs  []string
}

// NewMatcher compiles patterns. Invalid globs are dropped.
func NewMatcher(patterns []string) *Matcher {
	m := &Matcher{}
	for _, p := range patterns {
		dirOnly := strings.HasSuffix(p, "/")
		p = strings.TrimSuffix(p, "/")
		if p == "" {
			continue
		}
		if _, err := filepath.Match(p, ""); err != nil {
			continue
		}
		if dirOnly {
			m.dirs = append(m.dirs, p)
		} else {
			m.files = append(m.files, p)
		}
	}
	return m
}

// Default returns a Matcher over the whole Library.
func Default() *Matcher {
	return NewMatcher(FlattenPatterns(Library))
}

// Skip reports whether the entry called name should not be scanned.
// File patterns also match directories; directory patterns only match
// directories.
func (m *Matcher) Skip(name string, isDir bool) bool {
	if m == nil {
		return false
	}
	if matchAny(m.files, name) {
		return true
	}
	return isDir && matchAny(m.dirs, name)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}
