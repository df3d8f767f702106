package classification

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxSlugLength caps labels produced by Slug.
const MaxSlugLength = 80

var nonSlugRE = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases s, folds accented letters to their base form and collapses
// every other run of characters into a single dash. The result is at most
// max bytes long and never starts or ends with a dash.
func Slug(s string, max int) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	out := nonSlugRE.ReplaceAllString(strings.ToLower(folded), "-")
	out = strings.Trim(out, "-")
	if max > 0 && len(out) > max {
		out = strings.TrimRight(out[:max], "-")
	}
	return out
}
