package patternengine

import "strings"

// ContextSignals captures benign-context phrasing detected in text, used
// to discount (never eliminate) a risk score. This is the concrete
// mechanism behind the Injection Detector's research-context heuristic:
// a message discussing techniques rather than attempting one.
type ContextSignals struct {
	IsEducational  bool
	IsCreative     bool
	IsHistorical   bool
	IsProfessional bool
	IsCodeReview   bool

	EducationalScore  float64
	CreativeScore     float64
	HistoricalScore   float64
	ProfessionalScore float64
}

// HasInterrogative reports whether text reads like a question about a
// technique rather than an attempt to invoke one — "how does X work",
// "what is an example of Y".
func HasInterrogative(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range []string{"how does", "how do", "what is", "example of", "explain how", "what are the"} {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return strings.Contains(text, "```") || strings.Contains(lower, "?")
}

var educationalPhrases = []string{
	"i'm studying", "for my thesis", "for my course", "i'm learning",
	"educational purposes", "for the exam", "university", "professor",
	"homework", "assignment", "research paper", "academic",
}

var creativePhrases = []string{
	"in my novel", "in my story", "fictional", "character says",
	"creative writing", "screenplay", "dialogue for", "cyberpunk",
	"fantasy world", "imagine a scenario", "role-play", "write a scene",
	"narrative", "plot",
}

var historicalPhrases = []string{
	"in history", "historically", "case study", "incident of",
	"breach of", "hack of", "attack on", "what happened",
	"morris worm", "equifax", "solarwinds",
}

var professionalPhrases = []string{
	"penetration test", "security audit", "vulnerability assessment",
	"bug bounty", "responsible disclosure", "security researcher",
	"pentest report", "ethical hacking", "authorized testing",
	"for the client",
}

// DetectContextSignals analyzes text for benign-context phrases.
func DetectContextSignals(text string) ContextSignals {
	lower := strings.ToLower(text)
	var s ContextSignals

	for _, p := range educationalPhrases {
		if strings.Contains(lower, p) {
			s.EducationalScore += 0.2
		}
	}
	s.IsEducational = s.EducationalScore >= 0.2

	for _, p := range creativePhrases {
		if strings.Contains(lower, p) {
			s.CreativeScore += 0.2
		}
	}
	s.IsCreative = s.CreativeScore >= 0.2

	for _, p := range historicalPhrases {
		if strings.Contains(lower, p) {
			s.HistoricalScore += 0.2
		}
	}
	s.IsHistorical = s.HistoricalScore >= 0.2

	for _, p := range professionalPhrases {
		if strings.Contains(lower, p) {
			s.ProfessionalScore += 0.25
		}
	}
	s.IsProfessional = s.ProfessionalScore >= 0.25

	return s
}

// AllowlistKeywords short-circuit detection to allow.
var AllowlistKeywords = []string{"authorized testing", "authorized security test"}

// MatchesAllowlist reports whether text contains an allowlisted phrase.
func MatchesAllowlist(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range AllowlistKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
