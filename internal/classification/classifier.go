// Package classification assigns a category, confidence and label to scanned
// files using ordered filename heuristics.
package classification

import (
	"math"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/MacJediWizard/tidyup/internal/models"
)

// ManualReviewThreshold is the confidence below which a file always needs a human.
const ManualReviewThreshold = 0.6

// GenericNameBoost is added to the confidence of camera, scanner and OS default names.
const GenericNameBoost = 0.08

var (
	// ScreenshotNameRE matches names that screen capture tools produce.
	ScreenshotNameRE = regexp.MustCompile(`(?i)(screenshot|screen[-_ ]?shot|snip|capture)`)
	// GenericNameRE matches default names with optional numeric suffixes.
	GenericNameRE = regexp.MustCompile(`(?i)^(img[_-]?\d+|document(?: ?\(\d+\))?|untitled(?: ?\(\d+\))?|new[-_ ]?document|scan(?: ?\(\d+\))?)$`)

	installerSuffixRE = regexp.MustCompile(`(?i)[_\s]+installer`)
	copySuffixRE      = regexp.MustCompile(`\(\d+\)`)
)

// Rule classifies files whose extension is in Extensions and, when
// NamePattern is set, whose base name matches it.
type Rule struct {
	Name           string
	Extensions     []string
	NamePattern    *regexp.Regexp
	Classification string
	Confidence     float64
	Rationale      string
	// Label derives the generated label from the lowercased base name.
	Label func(base string) string
}

// Matches reports whether the rule applies to ext and base.
func (r *Rule) Matches(ext, base string) bool {
	found := false
	for _, e := range r.Extensions {
		if e == ext {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	return r.NamePattern == nil || r.NamePattern.MatchString(base)
}

// Classifier evaluates rules top to bottom; the first match wins.
type Classifier struct {
	rules []Rule
}

// NewClassifier creates a classifier over rules. A nil slice selects DefaultRules.
func NewClassifier(rules []Rule) *Classifier {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Classify fills the classification fields of c and returns it.
func (c *Classifier) Classify(cand models.Candidate) models.Candidate {
	ext := strings.ToLower(cand.Extension)
	if ext == "" {
		ext = strings.ToLower(filepath.Ext(cand.Name))
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	base := strings.ToLower(strings.TrimSuffix(cand.Name, filepath.Ext(cand.Name)))

	cand.Classification = models.ClassUnknown
	cand.Confidence = 0.52
	cand.GeneratedLabel = orDefault(Slug(base, MaxSlugLength), "file")
	cand.Rationale = "No high-confidence pattern detected."

	for i := range c.rules {
		r := &c.rules[i]
		if !r.Matches(ext, base) {
			continue
		}
		cand.Classification = r.Classification
		cand.Confidence = r.Confidence
		cand.Rationale = r.Rationale
		if r.Label != nil {
			cand.GeneratedLabel = r.Label(base)
		} else {
			cand.GeneratedLabel = Slug(base, MaxSlugLength)
		}
		break
	}

	if GenericNameRE.MatchString(base) {
		stripped := strings.TrimSpace(copySuffixRE.ReplaceAllString(base, ""))
		cand.GeneratedLabel = orDefault(Slug(stripped, MaxSlugLength), "document")
		cand.Confidence = math.Min(0.99, cand.Confidence+GenericNameBoost)
	}

	cand.ManualReview = cand.Confidence < ManualReviewThreshold
	return cand
}

// ClassifyAll classifies every candidate in order.
func (c *Classifier) ClassifyAll(cands []models.Candidate) []models.Candidate {
	out := make([]models.Candidate, len(cands))
	for i, cand := range cands {
		out[i] = c.Classify(cand)
	}
	return out
}

// DefaultRules returns the built-in rule list in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:           "installer",
			Extensions:     []string{".exe", ".msi"},
			Classification: models.ClassInstaller,
			Confidence:     0.96,
			Rationale:      "Installer extension detected.",
			Label: func(base string) string {
				return "installer-" + orDefault(Slug(installerSuffixRE.ReplaceAllString(base, ""), MaxSlugLength), "package")
			},
		},
		{
			Name:           "archive",
			Extensions:     []string{".zip", ".rar", ".7z"},
			Classification: models.ClassArchiveZip,
			Confidence:     0.91,
			Rationale:      "Archive extension detected.",
			Label: func(base string) string {
				return "archive-" + Slug(base, MaxSlugLength)
			},
		},
		{
			Name:           "screenshot",
			Extensions:     imageExtensions,
			NamePattern:    ScreenshotNameRE,
			Classification: models.ClassScreenshotUI,
			Confidence:     0.9,
			Rationale:      "Image extension and screenshot naming pattern detected.",
			Label: func(base string) string {
				loc := ScreenshotNameRE.FindStringIndex(base)
				rest := base
				if loc != nil {
					rest = base[:loc[0]] + base[loc[1]:]
				}
				return "screenshot-" + orDefault(Slug(rest, MaxSlugLength), "capture")
			},
		},
		{
			Name:           "image",
			Extensions:     imageExtensions,
			Classification: models.ClassImageAsset,
			Confidence:     0.7,
			Rationale:      "Image extension detected.",
		},
		{
			Name:           "document",
			Extensions:     []string{".pdf", ".docx", ".doc", ".txt", ".csv"},
			Classification: models.ClassDocumentGeneral,
			Confidence:     0.76,
			Rationale:      "Document extension detected.",
		},
	}
}

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".webp"}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
