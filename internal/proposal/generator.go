// Package proposal turns classified candidates into filesystem operation
// proposals.
package proposal

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/MacJediWizard/tidyup/internal/classification"
	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/MacJediWizard/tidyup/internal/policy"
	"github.com/rs/zerolog"
)

// maxLabelLength caps the label segment of generated file names.
const maxLabelLength = 70

// PolicyGateConfidenceCap bounds the confidence of proposals downgraded by policy.
const PolicyGateConfidenceCap = 0.59

var versionSuffixRE = regexp.MustCompile(`(?i)_v(\d+)$`)

// Reasons attached to generated proposals.
const (
	ReasonScreenshot = "Screenshot pattern detected. Move into organized screenshot structure."
	ReasonInstaller  = "Installer file detected. Archive move suggested."
	ReasonGeneric    = "Generic filename detected. Rename for consistency."
	ReasonLowConf    = "Low-confidence classification. Needs manual review."
	ReasonIndexOnly  = "No safe organization action needed. Index only."
)

// Decider is the subset of the policy engine the generator needs.
type Decider interface {
	DecideOperation(action models.ActionKind, source, target string) policy.Decision
}

// Generator builds proposals for one run. Targets handed out during a batch
// are reserved so that two proposals never resolve to the same path.
type Generator struct {
	policy   Decider
	settings models.Settings
	logger   zerolog.Logger
	now      func() time.Time
	exists   func(string) bool
}

// NewGenerator creates a Generator.
func NewGenerator(decider Decider, settings models.Settings, logger zerolog.Logger) *Generator {
	return &Generator{
		policy:   decider,
		settings: settings,
		logger:   logger.With().Str("component", "proposal_generator").Logger(),
		now:      time.Now,
		exists:   pathExists,
	}
}

// Generate emits at most one proposal per candidate, in candidate order.
func (g *Generator) Generate(runID string, cands []models.Candidate, mode models.JobMode) []models.Proposal {
	reserved := make(map[string]bool)
	taken := func(p string) bool {
		return reserved[filepath.Clean(p)] || g.exists(p)
	}

	var out []models.Proposal
	for _, cand := range cands {
		draft, ok := g.draft(cand, mode, taken)
		if !ok {
			continue
		}
		p := g.finalize(runID, cand, draft)
		if p.Action.IsExecutable() {
			reserved[filepath.Clean(p.After.Path)] = true
		}
		out = append(out, p)
	}

	g.logger.Debug().
		Str("run_id", runID).
		Int("candidates", len(cands)).
		Int("proposals", len(out)).
		Msg("proposals generated")
	return out
}

type draft struct {
	action     models.ActionKind
	target     string
	reason     string
	risk       models.RiskLevel
	confidence float64
	approval   bool
}

func (g *Generator) draft(cand models.Candidate, mode models.JobMode, taken func(string) bool) (draft, bool) {
	source := cand.AbsolutePath
	ext := cand.Extension
	if ext == "" {
		ext = filepath.Ext(cand.Name)
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	base := strings.TrimSuffix(cand.Name, filepath.Ext(cand.Name))

	day := g.bestDate(cand)
	label := cand.GeneratedLabel
	if label == "" {
		label = classification.Slug(base, maxLabelLength)
	}
	conf := cand.Confidence

	switch {
	case mode.Allows(models.ActionMove) && strings.HasPrefix(cand.Classification, "screenshot"):
		dir := filepath.Join(g.settings.OrganizedRoot, "Screenshots", day.Format("2006-01"))
		return draft{
			action:     models.ActionMove,
			target:     resolveCollision(filepath.Join(dir, g.fileName(day, label, "screenshot", ext)), taken),
			reason:     ReasonScreenshot,
			risk:       models.RiskLow,
			confidence: math.Max(0.75, orConf(conf, 0.8)),
			approval:   true,
		}, true

	case mode.Allows(models.ActionArchive) && cand.Classification == models.ClassInstaller:
		dir := filepath.Join(g.settings.ArchiveRoot, "Installers")
		return draft{
			action:     models.ActionArchive,
			target:     resolveCollision(filepath.Join(dir, g.fileName(day, label, "installer", ext)), taken),
			reason:     ReasonInstaller,
			risk:       models.RiskMedium,
			confidence: math.Max(0.7, orConf(conf, 0.75)),
			approval:   true,
		}, true

	case mode.Allows(models.ActionRename) && classification.GenericNameRE.MatchString(base):
		dir := cand.ParentPath
		if dir == "" {
			dir = filepath.Dir(source)
		}
		return draft{
			action:     models.ActionRename,
			target:     resolveCollision(filepath.Join(dir, g.fileName(day, label, "document", ext)), taken),
			reason:     ReasonGeneric,
			risk:       models.RiskLow,
			confidence: math.Max(0.68, orConf(conf, 0.7)),
			approval:   true,
		}, true

	case cand.ManualReview || conf < classification.ManualReviewThreshold:
		return draft{
			action:     models.ActionManualReview,
			target:     source,
			reason:     ReasonLowConf,
			risk:       models.RiskHigh,
			confidence: orConf(conf, 0.5),
			approval:   true,
		}, true

	case mode.Allows(models.ActionIndexOnly):
		return draft{
			action:     models.ActionIndexOnly,
			target:     source,
			reason:     ReasonIndexOnly,
			risk:       models.RiskLow,
			confidence: orConf(conf, 0.7),
		}, true
	}
	return draft{}, false
}

// finalize re-validates the draft through policy and fills in bookkeeping.
func (g *Generator) finalize(runID string, cand models.Candidate, d draft) models.Proposal {
	now := g.now().UTC()
	source := cand.AbsolutePath
	p := models.Proposal{
		ID:               models.NewID(models.PrefixProposal),
		RunID:            runID,
		FileID:           cand.ID,
		Action:           d.action,
		Reason:           d.reason,
		Before:           models.PathOf(source),
		After:            models.PathOf(d.target),
		Risk:             d.risk,
		Confidence:       d.confidence,
		ApprovalRequired: d.approval,
		Rollback:         models.RollbackPlan{Type: models.RollbackNone},
		Status:           models.ProposalStatusProposed,
		SizeBytes:        cand.SizeBytes,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	target := ""
	if d.action.IsExecutable() {
		target = d.target
	}
	decision := g.policy.DecideOperation(d.action, source, target)
	if !decision.Allowed {
		reason := decision.Reason
		if reason == "" {
			reason = models.CodePolicyDenied
		}
		p.Action = models.ActionManualReview
		p.Reason = fmt.Sprintf("Policy gate: %s.", reason)
		p.After = models.PathOf(source)
		p.Risk = models.RiskHigh
		p.ApprovalRequired = true
		p.Confidence = math.Min(PolicyGateConfidenceCap, d.confidence)
		return p
	}

	if d.action.IsExecutable() {
		p.Rollback = models.RollbackPlan{Type: models.RollbackMoveBack, Target: source}
	}
	return p
}

// bestDate prefers the creation time, then the modification time, then now,
// always as a UTC date.
func (g *Generator) bestDate(cand models.Candidate) time.Time {
	switch {
	case cand.CreatedAtFS != nil && !cand.CreatedAtFS.IsZero():
		return cand.CreatedAtFS.UTC()
	case cand.ModifiedAtFS != nil && !cand.ModifiedAtFS.IsZero():
		return cand.ModifiedAtFS.UTC()
	}
	return g.now().UTC()
}

// fileName renders the configured rename pattern at version 1.
func (g *Generator) fileName(day time.Time, label, fallback, ext string) string {
	if label == "" {
		label = fallback
	}
	pattern := g.settings.RenamePattern
	if pattern == "" {
		pattern = models.DefaultRenamePattern
	}
	name := strings.NewReplacer(
		"{date}", day.Format("2006-01-02"),
		"{label}", label,
		"{version}", "1",
	).Replace(pattern)
	return name + ext
}

// resolveCollision returns target unchanged when it is free. Otherwise the
// _v<N> suffix (or an implicit version 1) is incremented until a free path
// is found.
func resolveCollision(target string, taken func(string) bool) string {
	if !taken(target) {
		return target
	}

	dir := filepath.Dir(target)
	ext := filepath.Ext(target)
	stem := strings.TrimSuffix(filepath.Base(target), ext)

	version := 1
	if m := versionSuffixRE.FindStringSubmatchIndex(stem); m != nil {
		if n, err := strconv.Atoi(stem[m[2]:m[3]]); err == nil {
			version = n
			stem = stem[:m[0]]
		}
	}

	for {
		version++
		next := filepath.Join(dir, fmt.Sprintf("%s_v%d%s", stem, version, ext))
		if !taken(next) {
			return next
		}
	}
}

func orConf(c, def float64) float64 {
	if c == 0 {
		return def
	}
	return c
}

func pathExists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}
