package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the optional multi-host VectorStore backend: threat
// seeds and their embeddings live in one shared table, so every hook
// process and the self-mod pipeline search the same corpus regardless of
// which host they run on. Similarity is computed in Go after fetching the
// category's rows — this trades index-level ANN search for not requiring
// the pgvector extension to be installed, which is an acceptable
// trade-off for a corpus sized in the thousands, not millions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the threat_seeds table
// exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: connect: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS threat_seeds (
			id UUID PRIMARY KEY,
			category TEXT NOT NULL,
			text TEXT NOT NULL,
			embedding JSONB NOT NULL,
			severity DOUBLE PRECISION NOT NULL DEFAULT 0,
			language TEXT NOT NULL DEFAULT '',
			tags JSONB,
			source TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("vectorstore: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsHealthy() bool {
	return s.pool.Ping(context.Background()) == nil
}

func (s *PostgresStore) UpsertSeed(ctx context.Context, seed *ThreatSeed) error {
	if seed.ID == uuid.Nil {
		seed.ID = uuid.New()
	}
	embedding, err := json.Marshal(seed.Embedding)
	if err != nil {
		return fmt.Errorf("vectorstore: marshal embedding: %w", err)
	}
	tags, err := json.Marshal(seed.Tags)
	if err != nil {
		return fmt.Errorf("vectorstore: marshal tags: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO threat_seeds (id, category, text, embedding, severity, language, tags, source, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (id) DO UPDATE SET
			category = EXCLUDED.category, text = EXCLUDED.text, embedding = EXCLUDED.embedding,
			severity = EXCLUDED.severity, language = EXCLUDED.language, tags = EXCLUDED.tags,
			source = EXCLUDED.source, active = EXCLUDED.active, updated_at = now()
	`, seed.ID, seed.Category, seed.Text, embedding, seed.Severity, seed.Language, tags, seed.Source, seed.Active)
	if err != nil {
		return fmt.Errorf("vectorstore: upsert seed %s: %w", seed.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetSeed(ctx context.Context, id uuid.UUID) (*ThreatSeed, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, category, text, embedding, severity, language, tags, source, active, created_at, updated_at
		FROM threat_seeds WHERE id = $1
	`, id)
	return scanSeed(row)
}

func (s *PostgresStore) DeleteSeed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM threat_seeds WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("vectorstore: delete seed %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) ListSeeds(ctx context.Context, category string, limit int) ([]*ThreatSeed, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, category, text, embedding, severity, language, tags, source, active, created_at, updated_at
		FROM threat_seeds WHERE ($1 = '' OR category = $1) LIMIT $2
	`, category, limit)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: list seeds: %w", err)
	}
	defer rows.Close()

	var out []*ThreatSeed
	for rows.Next() {
		seed, err := scanSeed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seed)
	}
	return out, rows.Err()
}

// rowScanner abstracts pgx.Row and pgx.Rows, both of which implement Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSeed(row rowScanner) (*ThreatSeed, error) {
	var seed ThreatSeed
	var embeddingRaw, tagsRaw []byte
	if err := row.Scan(&seed.ID, &seed.Category, &seed.Text, &embeddingRaw, &seed.Severity,
		&seed.Language, &tagsRaw, &seed.Source, &seed.Active, &seed.CreatedAt, &seed.UpdatedAt); err != nil {
		return nil, fmt.Errorf("vectorstore: scan seed: %w", err)
	}
	if len(embeddingRaw) > 0 {
		if err := json.Unmarshal(embeddingRaw, &seed.Embedding); err != nil {
			return nil, fmt.Errorf("vectorstore: unmarshal embedding: %w", err)
		}
	}
	if len(tagsRaw) > 0 {
		_ = json.Unmarshal(tagsRaw, &seed.Tags)
	}
	return &seed, nil
}

func (s *PostgresStore) SearchSimilar(ctx context.Context, embedding []float32, category string, limit int, minSimilarity float64) ([]SeedMatch, error) {
	seeds, err := s.ListSeeds(ctx, category, math.MaxInt32)
	if err != nil {
		return nil, err
	}

	matches := make([]SeedMatch, 0, limit)
	for _, seed := range seeds {
		sim := CosineSimilarityF32(embedding, seed.Embedding)
		if sim < minSimilarity {
			continue
		}
		matches = append(matches, SeedMatch{Seed: seed, Similarity: sim, Distance: 1 - sim})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *PostgresStore) BulkUpsert(ctx context.Context, seeds []*ThreatSeed) (int, error) {
	count := 0
	for _, seed := range seeds {
		if err := s.UpsertSeed(ctx, seed); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (s *PostgresStore) GetStats() map[string]any {
	ctx := context.Background()
	var total int
	_ = s.pool.QueryRow(ctx, `SELECT count(*) FROM threat_seeds`).Scan(&total)
	return map[string]any{"total": total}
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
