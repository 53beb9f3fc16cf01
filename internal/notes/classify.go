// Package notes keeps each agent's notes file bounded. Lines are sorted into
// tiers by marker, and a rotation archives the whole file verbatim before
// rewriting it with only the lines worth carrying forward.
package notes

import (
	"regexp"
	"strings"
)

// Tier is the retention class of a notes line.
type Tier int

const (
	// TierNormal lines are dropped on rotation. Unmarked lines are normal.
	TierNormal Tier = iota
	// TierTemporary lines are dropped even if they carry another marker.
	TierTemporary
	// TierImportant lines are kept up to the important cap, newest first.
	TierImportant
	// TierCritical lines are always kept.
	TierCritical
)

func (t Tier) String() string {
	switch t {
	case TierTemporary:
		return "temporary"
	case TierImportant:
		return "important"
	case TierCritical:
		return "critical"
	default:
		return "normal"
	}
}

// markerPrefix allows leading whitespace, a list bullet and a bracketed
// timestamp before a marker, e.g. "- [2026-01-02 10:00] ERROR: ...".
const markerPrefix = `^\s*(?:[-*+]\s+)?(?:\[[^\]]*\]\s*)?`

// Rule assigns Tier to lines matching Pattern.
type Rule struct {
	Tier    Tier
	Pattern *regexp.Regexp
}

func prefixed(markers ...string) *regexp.Regexp {
	quoted := make([]string, len(markers))
	for i, m := range markers {
		quoted[i] = regexp.QuoteMeta(m)
	}
	return regexp.MustCompile(markerPrefix + `(?:` + strings.Join(quoted, "|") + `)`)
}

// DefaultRules is evaluated top to bottom; the first match wins, so the
// temporary rules act as exclusions.
var DefaultRules = []Rule{
	{TierTemporary, prefixed("TEMP:", "TMP:", "SCRATCH:", "TEST:")},
	{TierTemporary, regexp.MustCompile(markerPrefix + `(?i:\[(?:temp|scratch)\])`)},
	{TierCritical, prefixed("ERROR:", "CRITICAL:", "SECURITY:", "BLOCKER:", "BLOCKING:")},
	{TierImportant, prefixed("TODO:", "DECISION:", "WARNING:", "WARN:")},
	{TierImportant, regexp.MustCompile(`\bADR-\d+`)},
	{TierNormal, prefixed("INFO:", "DEBUG:", "TRACE:")},
}

// Classifier applies an ordered rule table.
type Classifier struct {
	rules []Rule
}

// NewClassifier returns a Classifier for rules, or DefaultRules if nil.
func NewClassifier(rules []Rule) *Classifier {
	if rules == nil {
		rules = DefaultRules
	}
	return &Classifier{rules: rules}
}

// Classify returns the tier of the first matching rule.
func (c *Classifier) Classify(line string) Tier {
	for _, r := range c.rules {
		if r.Pattern.MatchString(line) {
			return r.Tier
		}
	}
	return TierNormal
}

// Classified is a notes file sorted into tiers. Kept lines stay in file
// order.
type Classified struct {
	Critical  []string
	Important []string
	Normal    int
	Temporary int
}

// Split classifies every line.
func (c *Classifier) Split(lines []string) Classified {
	var out Classified
	for _, line := range lines {
		switch c.Classify(line) {
		case TierCritical:
			out.Critical = append(out.Critical, line)
		case TierImportant:
			out.Important = append(out.Important, line)
		case TierTemporary:
			out.Temporary++
		default:
			out.Normal++
		}
	}
	return out
}

// splitLines breaks content into lines without their terminators. A final
// newline does not produce an empty trailing line.
func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	s := strings.TrimSuffix(string(data), "\n")
	return strings.Split(s, "\n")
}
