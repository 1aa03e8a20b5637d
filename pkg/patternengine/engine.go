// Package patternengine evaluates text against named rule sets and
// produces a Detection: the matched rules, their per-rule confidence, and
// an aggregate risk level. It is the only component permitted to hold the
// compiled regex set (rules are loaded once at startup and never mutated).
package patternengine

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// RiskLevel is the aggregate risk classification of a Detection.
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// maxSnippetLen bounds how much of a matched region is ever surfaced, so a
// Detection can never leak a full secret back into a log or prompt.
const maxSnippetLen = 100

// Rule is a named pattern: a category, a risk weight (1=low .. 4=critical),
// a set of regular expressions, and a set of literal keywords. Rules are
// immutable once built.
type Rule struct {
	ID       string
	Name     string
	Category string
	Weight   int // 1..4
	Regexes  []*regexp.Regexp
	Keywords []string

	// literalFallback holds the raw regex sources whose compilation failed
	// at build time; they are matched as case-insensitive literal
	// substrings instead, per the "never throws" contract.
	literalFallback []string
}

// RuleSet is an immutable, named group of Rules sharing a category.
type RuleSet struct {
	Name  string
	Rules []Rule
}

// NewRule compiles a rule from regex sources and keywords. A source that
// fails to compile is never dropped or panicked on: it becomes a literal
// case-insensitive substring match, per the Pattern Engine contract that
// the engine never throws on bad input.
func NewRule(id, name, category string, weight int, sources []string, keywords []string) Rule {
	r := Rule{
		ID:       id,
		Name:     name,
		Category: category,
		Weight:   clampWeight(weight),
		Keywords: keywords,
	}
	for _, src := range sources {
		// Rules are case-insensitive unless the source already specifies a
		// flag group.
		pattern := src
		if !strings.HasPrefix(pattern, "(?i)") {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			r.literalFallback = append(r.literalFallback, strings.ToLower(src))
			continue
		}
		r.Regexes = append(r.Regexes, re)
	}
	return r
}

func clampWeight(w int) int {
	if w < 1 {
		return 1
	}
	if w > 4 {
		return 4
	}
	return w
}

// Match is one rule's contribution to a Detection.
type Match struct {
	RuleID     string
	RuleName   string
	Category   string
	Weight     int
	Confidence float64
	Snippet    string
	Count      int // number of independent hits (regexes + keywords) within this rule
}

// Detection is the outcome of evaluating a text against a RuleSet.
type Detection struct {
	Matches   []Match
	RiskLevel RiskLevel
}

// Detected reports whether any rule fired.
func (d Detection) Detected() bool {
	return len(d.Matches) > 0
}

// MaxConfidence returns the highest per-rule confidence, or 0 if no match.
func (d Detection) MaxConfidence() float64 {
	max := 0.0
	for _, m := range d.Matches {
		if m.Confidence > max {
			max = m.Confidence
		}
	}
	return max
}

// MaxWeight returns the highest matched rule weight, or 0 if no match.
func (d Detection) MaxWeight() int {
	max := 0
	for _, m := range d.Matches {
		if m.Weight > max {
			max = m.Weight
		}
	}
	return max
}

// CriticalCount returns how many weight-4 rules matched.
func (d Detection) CriticalCount() int {
	n := 0
	for _, m := range d.Matches {
		if m.Weight == 4 {
			n++
		}
	}
	return n
}

// Evaluate scans text against a RuleSet and returns a Detection. It is
// deterministic, side-effect free, and runs in O(|text| * |rules|). It
// never panics: a rule with no compiled regexes (literal-fallback only)
// still participates via substring matching.
func Evaluate(text string, set RuleSet) Detection {
	var matches []Match

	// Evasion detection sees the raw text; rule matching sees the NFKC
	// normalization, which folds fullwidth and mathematical alphabet
	// variants back onto ASCII so they cannot slip past the rules.
	raw := text
	text = norm.NFKC.String(text)
	lower := strings.ToLower(text)

	for _, rule := range set.Rules {
		count := 0
		var firstSnippet string

		for _, re := range rule.Regexes {
			loc := re.FindStringIndex(text)
			if loc == nil {
				continue
			}
			count += len(re.FindAllStringIndex(text, -1))
			if firstSnippet == "" {
				firstSnippet = snippet(text, loc[0], loc[1])
			}
		}
		for _, lit := range rule.literalFallback {
			idx := strings.Index(lower, lit)
			if idx < 0 {
				continue
			}
			count++
			if firstSnippet == "" {
				firstSnippet = snippet(text, idx, idx+len(lit))
			}
		}
		for _, kw := range rule.Keywords {
			kwLower := strings.ToLower(kw)
			idx := strings.Index(lower, kwLower)
			if idx < 0 {
				continue
			}
			count++
			if firstSnippet == "" {
				firstSnippet = snippet(text, idx, idx+len(kw))
			}
		}

		if count == 0 {
			continue
		}

		confidence := confidenceFor(count, rule.Weight)
		matches = append(matches, Match{
			RuleID:     rule.ID,
			RuleName:   rule.Name,
			Category:   rule.Category,
			Weight:     rule.Weight,
			Confidence: confidence,
			Snippet:    firstSnippet,
			Count:      count,
		})
	}

	// Unicode-evasion rules: tag characters and zero-width characters are
	// always weight-4, independent of any configured rule set. NFKC can
	// strip the very characters this looks for, so it runs on the raw text.
	if evasion := detectUnicodeEvasion(raw); evasion != nil {
		matches = append(matches, *evasion)
	}

	return Detection{
		Matches:   matches,
		RiskLevel: aggregateRisk(matches),
	}
}

// confidenceFor computes confidence = min(1, 0.3*matches + 0.15*weight).
func confidenceFor(matchCount, weight int) float64 {
	c := 0.3*float64(matchCount) + 0.15*float64(weight)
	if c > 1.0 {
		c = 1.0
	}
	return c
}

// aggregateRisk derives the Detection-level risk:
//
//	critical: any weight-4 match, OR (weight>=3 AND >=2 rules fired)
//	high:     weight>=3 OR max confidence > 0.6
//	medium:   weight>=2 OR max confidence > 0.4
//	low:      otherwise (if any match at all)
//	none:     no match
func aggregateRisk(matches []Match) RiskLevel {
	if len(matches) == 0 {
		return RiskNone
	}

	maxWeight := 0
	maxConfidence := 0.0
	highWeightRules := 0
	for _, m := range matches {
		if m.Weight > maxWeight {
			maxWeight = m.Weight
		}
		if m.Confidence > maxConfidence {
			maxConfidence = m.Confidence
		}
		if m.Weight >= 3 {
			highWeightRules++
		}
	}

	if maxWeight == 4 || (maxWeight >= 3 && highWeightRules >= 2) {
		return RiskCritical
	}
	if maxWeight >= 3 || maxConfidence > 0.6 {
		return RiskHigh
	}
	if maxWeight >= 2 || maxConfidence > 0.4 {
		return RiskMedium
	}
	return RiskLow
}

// tagCharStart/End bound the Unicode tag-character block (U+E0001, then
// U+E0020..U+E007F) used to smuggle hidden instructions into otherwise
// plain-looking text.
const (
	tagCharSingle  = 0xE0001
	tagCharStart   = 0xE0020
	tagCharEnd     = 0xE007F
	zeroWidthSpace = 0x200B
	zeroWidthNJ    = 0x200C
	zeroWidthJ     = 0x200D
	wordJoiner     = 0x2060
	byteOrderMark  = 0xFEFF
)

func detectUnicodeEvasion(text string) *Match {
	count := 0
	firstIdx := -1
	for i, r := range text {
		if isEvasionRune(r) {
			count++
			if firstIdx < 0 {
				firstIdx = i
			}
		}
	}
	if count == 0 {
		return nil
	}
	end := firstIdx + utf8.RuneLen(rune(text[firstIdx]))
	if end > len(text) {
		end = len(text)
	}
	return &Match{
		RuleID:     "unicode-evasion",
		RuleName:   "Unicode Tag/Zero-Width Evasion",
		Category:   "obfuscation",
		Weight:     4,
		Confidence: confidenceFor(count, 4),
		Snippet:    snippet(text, firstIdx, end),
		Count:      count,
	}
}

func isEvasionRune(r rune) bool {
	switch {
	case r == tagCharSingle:
		return true
	case r >= tagCharStart && r <= tagCharEnd:
		return true
	case r == zeroWidthSpace, r == zeroWidthNJ, r == zeroWidthJ, r == wordJoiner, r == byteOrderMark:
		return true
	}
	return false
}

// snippet returns at most maxSnippetLen bytes around [start,end), rune-safe.
func snippet(text string, start, end int) string {
	if start < 0 {
		start = 0
	}
	if end > len(text) {
		end = len(text)
	}
	if end <= start {
		return ""
	}
	s := text[start:end]
	if len(s) > maxSnippetLen {
		s = s[:maxSnippetLen]
	}
	// Avoid splitting a multi-byte rune at the truncation boundary.
	for !utf8.ValidString(s) && len(s) > 0 {
		s = s[:len(s)-1]
	}
	return s
}
