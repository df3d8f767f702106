package excludes

import (
	"testing"
)

func TestLibraryEntriesHaveRequiredFields(t *testing.T) {
	if len(Library) == 0 {
		t.Fatal("Library should not be empty")
	}
	for i, p := range Library {
		if p.Name == "" {
			t.Errorf("Library[%d] has empty Name", i)
		}
		if p.Description == "" {
			t.Errorf("Library[%d] (%s) has empty Description", i, p.Name)
		}
		if len(p.Patterns) == 0 {
			t.Errorf("Library[%d] (%s) has no Patterns", i, p.Name)
		}
		for j, pattern := range p.Patterns {
			if pattern == "" {
				t.Errorf("Library entry %q has empty pattern at index %d", p.Name, j)
			}
		}
	}
}

func TestLibraryCategoriesAreValid(t *testing.T) {
	valid := make(map[Category]bool)
	for _, c := range GetAllCategories() {
		valid[c] = true
	}
	for _, p := range Library {
		if !valid[p.Category] {
			t.Errorf("Library entry %q has invalid category %q", p.Name, p.Category)
		}
	}
	for _, c := range GetAllCategories() {
		if len(GetPatternsByCategory(c)) == 0 {
			t.Errorf("category %q has no patterns", c)
		}
	}
}

func TestLibraryNamesUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, p := range Library {
		if seen[p.Name] {
			t.Errorf("Library has duplicate name %q", p.Name)
		}
		seen[p.Name] = true
	}
}

func TestFlattenPatternsDeduplicates(t *testing.T) {
	got := FlattenPatterns([]BuiltInPattern{
		{Patterns: []string{"a", "b"}},
		{Patterns: []string{"b", "c"}},
	})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("FlattenPatterns() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("FlattenPatterns()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDefaultMatcher(t *testing.T) {
	m := Default()

	tests := []struct {
		name  string
		isDir bool
		skip  bool
	}{
		{".DS_Store", false, true},
		{"._report.pdf", false, true},
		{"Thumbs.db", false, true},
		{"desktop.ini", false, true},
		{"movie.mkv.crdownload", false, true},
		{"setup.exe.part", false, true},
		{"~$budget.xlsx", false, true},
		{".~lock.notes.odt#", false, true},
		{"draft.txt.swp", false, true},
		{"node_modules", true, true},
		{".git", true, true},
		{"__pycache__", true, true},
		{"node_modules", false, false},
		{"report.pdf", false, false},
		{"Invoices", true, false},
		{"photo.jpg", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Skip(tt.name, tt.isDir); got != tt.skip {
				t.Errorf("Skip(%q, %v) = %v, want %v", tt.name, tt.isDir, got, tt.skip)
			}
		})
	}
}

func TestNewMatcherDropsInvalidPatterns(t *testing.T) {
	m := NewMatcher([]string{"[", "", "/", "*.tmp"})
	if !m.Skip("x.tmp", false) {
		t.Error("valid pattern should still match")
	}
	if m.Skip("[", false) {
		t.Error("invalid pattern should be dropped")
	}
}

func TestNilMatcherSkipsNothing(t *testing.T) {
	var m *Matcher
	if m.Skip(".DS_Store", false) {
		t.Error("nil matcher should not skip")
	}
}
