package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	home      string
	inbox     string
	secret    string
	organized string
	engine    *Engine
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	home := t.TempDir()
	inbox := filepath.Join(home, "Downloads")
	secret := filepath.Join(inbox, "tax")
	require.NoError(t, os.MkdirAll(secret, 0o755))

	settings := models.DefaultSettings(home)
	watched := []models.WatchedPath{
		{Path: inbox, Kind: models.PathKindDownloads, Enabled: true},
		{Path: secret, Kind: models.PathKindCustom, Enabled: true, Protected: true},
		{Path: filepath.Join(home, "Desktop"), Kind: models.PathKindDesktop, Enabled: false},
	}
	return fixture{
		home:      home,
		inbox:     inbox,
		secret:    secret,
		organized: settings.OrganizedRoot,
		engine:    New(watched, settings, WithCaseFolding(false)),
	}
}

func TestDecideScan(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		path   string
		allow  bool
		reason models.ErrorCode
	}{
		{"inside enabled root", filepath.Join(f.inbox, "a.pdf"), true, ""},
		{"root itself", f.inbox, true, ""},
		{"nested missing file", filepath.Join(f.inbox, "x", "y", "z.txt"), true, ""},
		{"inside protected root", filepath.Join(f.secret, "w2.pdf"), false, models.CodeInsideProtectedPath},
		{"disabled root", filepath.Join(f.home, "Desktop", "a.png"), false, models.CodeOutsideWatchedPaths},
		{"outside every root", filepath.Join(f.home, "elsewhere.txt"), false, models.CodeOutsideWatchedPaths},
		{"sibling with shared prefix", f.inbox + "-old/a.txt", false, models.CodeOutsideWatchedPaths},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := f.engine.DecideScan(tt.path)
			assert.Equal(t, tt.allow, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
			if tt.allow {
				assert.NoError(t, d.Err())
			} else {
				assert.True(t, models.IsCode(d.Err(), tt.reason))
			}
		})
	}
}

func TestDecideScan_ProtectedAlwaysWins(t *testing.T) {
	home := t.TempDir()
	shared := filepath.Join(home, "Shared")
	require.NoError(t, os.MkdirAll(shared, 0o755))

	for _, enabledProtected := range []bool{true, false} {
		engine := New([]models.WatchedPath{
			{Path: home, Enabled: true},
			{Path: shared, Enabled: enabledProtected, Protected: true},
		}, models.DefaultSettings(home), WithCaseFolding(false))

		d := engine.DecideScan(filepath.Join(shared, "file.txt"))
		assert.False(t, d.Allowed)
		assert.Equal(t, models.CodeInsideProtectedPath, d.Reason)
	}
}

func TestDecideScan_ResolvesSymlinks(t *testing.T) {
	f := newFixture(t)
	link := filepath.Join(f.home, "inbox-link")
	if err := os.Symlink(f.inbox, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	d := f.engine.DecideScan(filepath.Join(link, "report.pdf"))
	assert.True(t, d.Allowed)

	protectedLink := filepath.Join(f.home, "tax-link")
	require.NoError(t, os.Symlink(f.secret, protectedLink))
	d = f.engine.DecideScan(filepath.Join(protectedLink, "w2.pdf"))
	assert.Equal(t, models.CodeInsideProtectedPath, d.Reason)
}

func TestDecideOperation(t *testing.T) {
	f := newFixture(t)
	source := filepath.Join(f.inbox, "document (4).pdf")

	tests := []struct {
		name   string
		action models.ActionKind
		source string
		target string
		allow  bool
		reason models.ErrorCode
	}{
		{"no target", models.ActionIndexOnly, source, "", true, ""},
		{"same directory rename", models.ActionRename, source, filepath.Join(f.inbox, "2024-01-01_document_v1.pdf"), true, ""},
		{"move into organized root", models.ActionMove, source, filepath.Join(f.organized, "Screenshots", "2024-01", "a.png"), true, ""},
		{"archive root", models.ActionArchive, source, filepath.Join(f.organized, "Archives", "Installers", "a.exe"), true, ""},
		{"move within same directory is not a rename", models.ActionMove, source, filepath.Join(f.inbox, "b.pdf"), false, models.CodeTargetOutsideAllowedRoots},
		{"rename into other directory", models.ActionRename, source, filepath.Join(f.home, "b.pdf"), false, models.CodeTargetOutsideAllowedRoots},
		{"rename into protected subfolder", models.ActionRename, source, filepath.Join(f.secret, "b.pdf"), false, models.CodeTargetOutsideAllowedRoots},
		{"source outside", models.ActionMove, filepath.Join(f.home, "x.pdf"), filepath.Join(f.organized, "x.pdf"), false, models.CodeOutsideWatchedPaths},
		{"source protected", models.ActionMove, filepath.Join(f.secret, "x.pdf"), filepath.Join(f.organized, "x.pdf"), false, models.CodeInsideProtectedPath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := f.engine.DecideOperation(tt.action, tt.source, tt.target)
			assert.Equal(t, tt.allow, d.Allowed, "reason=%s", d.Reason)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestDecideOperation_ProtectedTargetInsideOrganizedRoot(t *testing.T) {
	home := t.TempDir()
	inbox := filepath.Join(home, "Downloads")
	require.NoError(t, os.MkdirAll(inbox, 0o755))
	settings := models.DefaultSettings(home)
	vault := filepath.Join(settings.OrganizedRoot, "Vault")

	engine := New([]models.WatchedPath{
		{Path: inbox, Enabled: true},
		{Path: vault, Enabled: false, Protected: true},
	}, settings, WithCaseFolding(false))

	d := engine.DecideOperation(models.ActionMove, filepath.Join(inbox, "a.zip"), filepath.Join(vault, "a.zip"))
	assert.False(t, d.Allowed)
	assert.Equal(t, models.CodeTargetInsideProtectedPath, d.Reason)
}

func TestCaseFolding(t *testing.T) {
	home := t.TempDir()
	inbox := filepath.Join(home, "Inbox")
	require.NoError(t, os.MkdirAll(inbox, 0o755))

	engine := New([]models.WatchedPath{{Path: inbox, Enabled: true}}, models.DefaultSettings(home), WithCaseFolding(true))
	assert.True(t, engine.DecideScan(filepath.Join(home, "INBOX", "a.txt")).Allowed)

	strict := New([]models.WatchedPath{{Path: inbox, Enabled: true}}, models.DefaultSettings(home), WithCaseFolding(false))
	assert.False(t, strict.DecideScan(filepath.Join(home, "INBOX-missing", "a.txt")).Allowed)
}

func TestCanonical_MissingSuffix(t *testing.T) {
	dir := t.TempDir()
	resolvedDir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	got, err := Canonical(filepath.Join(dir, "a", "b", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(resolvedDir, "a", "b", "c.txt"), got)
}

func TestEnabledRoots(t *testing.T) {
	f := newFixture(t)
	roots := f.engine.EnabledRoots()
	require.Len(t, roots, 1)
	resolved, err := filepath.EvalSymlinks(f.inbox)
	require.NoError(t, err)
	assert.Equal(t, resolved, roots[0])
}
