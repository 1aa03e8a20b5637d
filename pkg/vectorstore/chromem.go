package vectorstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
)

// collectionName is the single chromem-go collection this store keeps
// all threat seeds in; category is stored as metadata so it can be
// filtered per search, rather than splitting into one collection per
// category.
const collectionName = "threat_seeds"

// ChromemStore is the default, embedded VectorStore backend: a
// single-process chromem-go database, no external service required.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedFunc  chromem.EmbeddingFunc

	mu    sync.RWMutex
	seeds map[uuid.UUID]*ThreatSeed
}

// NewChromemStore builds an in-memory chromem-go store using provider
// for embeddings. A persistent on-disk path may be added later the same
// way chromem-go's own NewPersistentDB constructor supports; this OSS
// default keeps the corpus in memory, rebuilt from the YAML seed file on
// every process start.
func NewChromemStore(provider EmbeddingProvider) (*ChromemStore, error) {
	db := chromem.NewDB()

	embedFunc := func(ctx context.Context, text string) ([]float32, error) {
		return provider.Embed(ctx, text)
	}

	collection, err := db.GetOrCreateCollection(collectionName, nil, embedFunc)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: create collection: %w", err)
	}

	return &ChromemStore{
		db:         db,
		collection: collection,
		embedFunc:  embedFunc,
		seeds:      map[uuid.UUID]*ThreatSeed{},
	}, nil
}

func (s *ChromemStore) IsHealthy() bool {
	return s.collection != nil
}

func (s *ChromemStore) UpsertSeed(ctx context.Context, seed *ThreatSeed) error {
	if seed.ID == uuid.Nil {
		seed.ID = uuid.New()
	}

	meta := map[string]string{
		"category": seed.Category,
		"language": seed.Language,
		"source":   seed.Source,
	}

	doc := chromem.Document{
		ID:       seed.ID.String(),
		Content:  seed.Text,
		Metadata: meta,
	}
	if len(seed.Embedding) > 0 {
		doc.Embedding = seed.Embedding
	}

	if err := s.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("vectorstore: upsert seed %s: %w", seed.ID, err)
	}

	s.mu.Lock()
	s.seeds[seed.ID] = seed
	s.mu.Unlock()
	return nil
}

func (s *ChromemStore) GetSeed(_ context.Context, id uuid.UUID) (*ThreatSeed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seed, ok := s.seeds[id]
	if !ok {
		return nil, ErrSeedNotFound
	}
	return seed, nil
}

func (s *ChromemStore) DeleteSeed(_ context.Context, id uuid.UUID) error {
	if err := s.collection.Delete(context.Background(), nil, nil, id.String()); err != nil {
		return fmt.Errorf("vectorstore: delete seed %s: %w", id, err)
	}
	s.mu.Lock()
	delete(s.seeds, id)
	s.mu.Unlock()
	return nil
}

func (s *ChromemStore) ListSeeds(_ context.Context, category string, limit int) ([]*ThreatSeed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ThreatSeed, 0, limit)
	for _, seed := range s.seeds {
		if category != "" && seed.Category != category {
			continue
		}
		out = append(out, seed)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *ChromemStore) SearchSimilar(ctx context.Context, embedding []float32, category string, limit int, minSimilarity float64) ([]SeedMatch, error) {
	if limit <= 0 {
		limit = 5
	}
	// chromem-go rejects an nResults larger than the collection.
	if n := s.collection.Count(); limit > n {
		limit = n
	}
	if limit == 0 {
		return []SeedMatch{}, nil
	}

	var where map[string]string
	if category != "" {
		where = map[string]string{"category": category}
	}

	results, err := s.collection.QueryEmbedding(ctx, embedding, limit, where, nil)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search: %w", err)
	}

	matches := make([]SeedMatch, 0, len(results))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range results {
		if float64(r.Similarity) < minSimilarity {
			continue
		}
		id, err := uuid.Parse(r.ID)
		if err != nil {
			continue
		}
		seed, ok := s.seeds[id]
		if !ok {
			continue
		}
		matches = append(matches, SeedMatch{
			Seed:       seed,
			Similarity: float64(r.Similarity),
			Distance:   1 - float64(r.Similarity),
		})
	}
	return matches, nil
}

func (s *ChromemStore) BulkUpsert(ctx context.Context, seeds []*ThreatSeed) (int, error) {
	count := 0
	for _, seed := range seeds {
		if err := s.UpsertSeed(ctx, seed); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (s *ChromemStore) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byCategory := map[string]int{}
	for _, seed := range s.seeds {
		byCategory[seed.Category]++
	}
	return map[string]any{
		"total":       len(s.seeds),
		"by_category": byCategory,
	}
}

func (s *ChromemStore) Close() error {
	return nil
}
