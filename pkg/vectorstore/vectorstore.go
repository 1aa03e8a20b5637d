// Package vectorstore gives the Injection Detector's semantic signal a
// concrete home: a curated corpus of known attack phrasings (ThreatSeed),
// compared against inbound text by cosine similarity. The VectorStore
// interface has two backends — an embedded chromem-go store (default,
// single-process) and an optional pgx/Postgres store for deployments
// sharing one corpus across hosts — selected by config, never by the
// caller.
package vectorstore

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// Errors for VectorStore implementations. ChromemStore.GetSeed returns
// ErrSeedNotFound; no backend in this package returns ErrStoreUnavailable
// or ErrInvalidEmbedding.
var (
	ErrStoreUnavailable = errors.New("vectorstore: store unavailable")
	ErrSeedNotFound      = errors.New("vectorstore: seed not found")
	ErrInvalidEmbedding  = errors.New("vectorstore: invalid embedding dimensions")
)

// ThreatSeed is one known attack phrasing in the semantic corpus.
type ThreatSeed struct {
	ID        uuid.UUID      `json:"id"`
	Category  string         `json:"category"`
	Text      string         `json:"text"`
	Embedding []float32      `json:"embedding,omitempty"`
	Severity  float64        `json:"severity"`
	Language  string         `json:"language"`
	Tags      []string       `json:"tags,omitempty"`
	Source    string         `json:"source"` // yaml, user, learned
	Active    bool           `json:"active"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SeedMatch is one semantic similarity result.
type SeedMatch struct {
	Seed       *ThreatSeed `json:"seed"`
	Similarity float64     `json:"similarity"`
	Distance   float64     `json:"distance"`
}

// VectorStore is the storage and search interface the Injection Detector
// depends on for its semantic signal. Callers only ever depend on this
// interface, never on a concrete backend.
type VectorStore interface {
	IsHealthy() bool

	UpsertSeed(ctx context.Context, seed *ThreatSeed) error
	GetSeed(ctx context.Context, id uuid.UUID) (*ThreatSeed, error)
	DeleteSeed(ctx context.Context, id uuid.UUID) error
	ListSeeds(ctx context.Context, category string, limit int) ([]*ThreatSeed, error)

	SearchSimilar(ctx context.Context, embedding []float32, category string, limit int, minSimilarity float64) ([]SeedMatch, error)

	BulkUpsert(ctx context.Context, seeds []*ThreatSeed) (int, error)

	GetStats() map[string]any

	Close() error
}

// EmbeddingProvider generates embeddings for text. pkg/semantic's
// LocalEmbedder is the default implementation.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// CosineSimilarityF32 computes cosine similarity between two float32
// vectors, returning 0 for mismatched or empty inputs.
func CosineSimilarityF32(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
