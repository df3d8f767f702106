// Package policy decides which filesystem paths the agent may read from and
// write to.
package policy

import (
	"path/filepath"
	"runtime"

	"github.com/MacJediWizard/tidyup/internal/models"
)

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool             `json:"allowed"`
	Reason  models.ErrorCode `json:"reason,omitempty"`
	Path    string           `json:"path,omitempty"`
}

// Err returns nil for an allowed decision and a coded error otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return models.NewCodedError(d.Reason, "path "+d.Path+" denied by policy")
}

func allow(p string) Decision { return Decision{Allowed: true, Path: p} }

func deny(p string, reason models.ErrorCode) Decision {
	return Decision{Reason: reason, Path: p}
}

type root struct {
	path    string
	enabled bool
}

// Engine evaluates scan and operation requests against watched, protected and
// organization roots. It holds no mutable state and is safe for concurrent use.
type Engine struct {
	watched   []root
	protected []root
	targets   []string
	fold      bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithCaseFolding overrides case-insensitive comparison, which defaults to on
// for Windows and macOS.
func WithCaseFolding(fold bool) Option {
	return func(e *Engine) { e.fold = fold }
}

// New builds an Engine. Roots are canonicalized once here.
func New(watched []models.WatchedPath, settings models.Settings, opts ...Option) *Engine {
	e := &Engine{fold: runtime.GOOS == "windows" || runtime.GOOS == "darwin"}
	for _, opt := range opts {
		opt(e)
	}

	for _, wp := range watched {
		canon, err := Canonical(wp.Path)
		if err != nil {
			continue
		}
		r := root{path: canon, enabled: wp.Enabled}
		if wp.Protected {
			e.protected = append(e.protected, r)
		} else {
			e.watched = append(e.watched, r)
		}
	}
	for _, t := range settings.AllowedTargetRoots() {
		if canon, err := Canonical(t); err == nil {
			e.targets = append(e.targets, canon)
		}
	}
	return e
}

// DecideScan decides whether path may be read. Protected containment wins
// over any enabled watched root.
func (e *Engine) DecideScan(path string) Decision {
	p, err := Canonical(path)
	if err != nil {
		return deny(path, models.CodeOutsideWatchedPaths)
	}
	if e.inProtected(p) {
		return deny(p, models.CodeInsideProtectedPath)
	}
	for _, r := range e.watched {
		if r.enabled && within(p, r.path, e.fold) {
			return allow(p)
		}
	}
	return deny(p, models.CodeOutsideWatchedPaths)
}

// DecideOperation decides whether action may move source to target. An empty
// target only checks the source. Renames within the source's own directory
// skip the organization-root requirement but never the protected check.
func (e *Engine) DecideOperation(action models.ActionKind, source, target string) Decision {
	src := e.DecideScan(source)
	if !src.Allowed || target == "" {
		return src
	}

	t, err := Canonical(target)
	if err != nil {
		return deny(target, models.CodeTargetOutsideAllowedRoots)
	}

	inPlace := action == models.ActionRename && samePath(filepath.Dir(src.Path), filepath.Dir(t), e.fold)
	if !inPlace && !e.inTargets(t) {
		return deny(t, models.CodeTargetOutsideAllowedRoots)
	}
	if e.inProtected(t) {
		return deny(t, models.CodeTargetInsideProtectedPath)
	}
	return allow(t)
}

// EnabledRoots returns the canonical enabled, non-protected watched roots.
func (e *Engine) EnabledRoots() []string {
	var out []string
	for _, r := range e.watched {
		if r.enabled {
			out = append(out, r.path)
		}
	}
	return out
}

func (e *Engine) inProtected(p string) bool {
	for _, r := range e.protected {
		if within(p, r.path, e.fold) {
			return true
		}
	}
	return false
}

func (e *Engine) inTargets(p string) bool {
	for _, r := range e.targets {
		if within(p, r, e.fold) {
			return true
		}
	}
	return false
}
