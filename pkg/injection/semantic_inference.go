package injection

import (
	"context"
	"fmt"

	"github.com/relayguard/aegis/pkg/patternengine"
	"github.com/relayguard/aegis/pkg/vectorstore"
)

// minSimilarity is the cosine-similarity floor a threat-seed match must
// clear to count as a semantic detection at all.
const minSimilarity = 0.55

// VectorInference is the concrete default implementation of Inference:
// embed the inbound text and compare it against the curated threat-seed
// corpus by cosine similarity.
type VectorInference struct {
	Store    vectorstore.VectorStore
	Embedder vectorstore.EmbeddingProvider
}

// NewVectorInference builds a VectorInference over an existing store and
// embedding provider. Both must be non-nil; callers that have no local
// embedder configured should use NoopInference instead; the detector
// then falls back to regex-only.
func NewVectorInference(store vectorstore.VectorStore, embedder vectorstore.EmbeddingProvider) *VectorInference {
	return &VectorInference{Store: store, Embedder: embedder}
}

// Scan embeds text and searches the threat-seed corpus for its closest
// match, reporting detection when similarity clears minSimilarity. The
// resulting confidence is the match's similarity, scaled by the seed's
// configured severity so a low-severity seed never alone drives a hard
// block.
func (v *VectorInference) Scan(ctx context.Context, text string) (InferenceResult, error) {
	if v.Store == nil || v.Embedder == nil || !v.Store.IsHealthy() {
		return InferenceResult{}, fmt.Errorf("injection: semantic store unavailable")
	}

	embedding, err := v.Embedder.Embed(ctx, text)
	if err != nil {
		return InferenceResult{}, fmt.Errorf("injection: embed: %w", err)
	}

	matches, err := v.Store.SearchSimilar(ctx, embedding, "", 3, minSimilarity)
	if err != nil {
		return InferenceResult{}, fmt.Errorf("injection: search: %w", err)
	}
	if len(matches) == 0 {
		return InferenceResult{}, nil
	}

	best := matches[0]
	for _, m := range matches[1:] {
		if m.Similarity > best.Similarity {
			best = m
		}
	}

	confidence := best.Similarity
	technique := ""
	if best.Seed != nil {
		confidence = best.Similarity * clamp01(best.Seed.Severity)
		technique = best.Seed.Category
	}

	return InferenceResult{
		Detected:   true,
		RiskLevel:  riskFromConfidence(confidence),
		Confidence: confidence,
		Technique:  technique,
	}, nil
}

func clamp01(v float64) float64 {
	if v <= 0 {
		return 0.5 // undated/zero-severity seeds still count as a moderate signal
	}
	if v > 1 {
		return 1
	}
	return v
}

func riskFromConfidence(c float64) patternengine.RiskLevel {
	switch {
	case c > 0.85:
		return patternengine.RiskCritical
	case c > 0.6:
		return patternengine.RiskHigh
	case c > 0.4:
		return patternengine.RiskMedium
	default:
		return patternengine.RiskLow
	}
}
