package selfmod

import (
	"strings"

	"github.com/relayguard/aegis/pkg/patternengine"
)

// InjectionHunterScorer re-runs the Pattern Engine over an insight's
// textual fields and code blocks; it carries the highest weight in the
// validation panel.
type InjectionHunterScorer struct {
	ruleSet patternengine.RuleSet
}

// NewInjectionHunterScorer builds a scorer over the given rule set,
// typically patternengine.DefaultRules().
func NewInjectionHunterScorer(ruleSet patternengine.RuleSet) *InjectionHunterScorer {
	return &InjectionHunterScorer{ruleSet: ruleSet}
}

func (s *InjectionHunterScorer) Name() string    { return injectionHunterName }
func (s *InjectionHunterScorer) Weight() float64 { return 3.0 }

// Score returns 1.0 - (highest risk level observed across the insight's
// text, normalized to [0,1]); a clean insight scores 1.0.
func (s *InjectionHunterScorer) Score(insight ExtractedInsight) float64 {
	text := insight.Topic + "\n" + strings.Join(insight.Claims, "\n") + "\n" + strings.Join(insight.CodeBlocks, "\n")
	det := patternengine.Evaluate(text, s.ruleSet)
	switch det.RiskLevel {
	case patternengine.RiskCritical:
		return 0.0
	case patternengine.RiskHigh:
		return 0.3
	case patternengine.RiskMedium:
		return 0.6
	case patternengine.RiskLow:
		return 0.85
	default:
		return 1.0
	}
}

// CoherenceScorer penalizes insights with empty or degenerate content —
// a weak structural signal, not a security one, so it carries a low
// weight relative to the injection hunter.
type CoherenceScorer struct{}

func (CoherenceScorer) Name() string    { return "coherence" }
func (CoherenceScorer) Weight() float64 { return 1.0 }

func (CoherenceScorer) Score(insight ExtractedInsight) float64 {
	score := 1.0
	if strings.TrimSpace(insight.Topic) == "" {
		score -= 0.4
	}
	if len(insight.Claims) == 0 && len(insight.Techniques) == 0 {
		score -= 0.4
	}
	if score < 0 {
		score = 0
	}
	return score
}

// NoveltyScorer rewards insights introducing techniques it has not seen
// in an earlier scored insight; every insight it scores adds its
// techniques to Seen.
type NoveltyScorer struct {
	Seen map[string]bool
}

func NewNoveltyScorer() *NoveltyScorer {
	return &NoveltyScorer{Seen: map[string]bool{}}
}

func (NoveltyScorer) Name() string    { return "novelty" }
func (NoveltyScorer) Weight() float64 { return 1.0 }

func (n *NoveltyScorer) Score(insight ExtractedInsight) float64 {
	if len(insight.Techniques) == 0 {
		return 0.5
	}
	novel := 0
	for _, t := range insight.Techniques {
		if !n.Seen[t] {
			novel++
		}
	}
	for _, t := range insight.Techniques {
		n.Seen[t] = true
	}
	return float64(novel) / float64(len(insight.Techniques))
}
