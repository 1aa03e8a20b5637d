package vectorstore

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// SeedLoader bootstraps a VectorStore's corpus from YAML files on disk.
type SeedLoader struct {
	store    VectorStore
	embedder EmbeddingProvider
	seedDir  string

	mu          sync.Mutex
	loadedFiles map[string]time.Time
}

// NewSeedLoader builds a loader that reads *.yaml from seedDir.
func NewSeedLoader(store VectorStore, embedder EmbeddingProvider, seedDir string) *SeedLoader {
	return &SeedLoader{
		store:       store,
		embedder:    embedder,
		seedDir:     seedDir,
		loadedFiles: map[string]time.Time{},
	}
}

// seedFile is the on-disk shape of one YAML seed corpus file: a flat list
// of entries grouped by category.
type seedFile struct {
	Category string       `yaml:"category"`
	Seeds    []seedSource `yaml:"seeds"`
}

type seedSource struct {
	Text     string   `yaml:"text"`
	Severity float64  `yaml:"severity"`
	Language string   `yaml:"language"`
	Tags     []string `yaml:"tags"`
}

// LoadAll loads every *.yaml file in the configured seed directory.
func (l *SeedLoader) LoadAll(ctx context.Context) (int, error) {
	files, err := filepath.Glob(filepath.Join(l.seedDir, "*.yaml"))
	if err != nil {
		return 0, fmt.Errorf("vectorstore: list seed files: %w", err)
	}

	total := 0
	for _, file := range files {
		loaded, err := l.LoadFile(ctx, file)
		if err != nil {
			log.Printf("[SeedLoader] error loading %s: %v", file, err)
			continue
		}
		total += loaded
	}
	return total, nil
}

// LoadFile loads and embeds one seed file's entries, upserting each into
// the store.
func (l *SeedLoader) LoadFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("vectorstore: read %s: %w", path, err)
	}

	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("vectorstore: parse %s: %w", path, err)
	}

	loaded := 0
	now := time.Now().UTC()
	for _, src := range file.Seeds {
		embedding, err := l.embedder.Embed(ctx, src.Text)
		if err != nil {
			log.Printf("[SeedLoader] embed failed for %q in %s: %v", src.Text, path, err)
			continue
		}
		seed := &ThreatSeed{
			ID:        uuid.New(),
			Category:  file.Category,
			Text:      src.Text,
			Embedding: embedding,
			Severity:  src.Severity,
			Language:  src.Language,
			Tags:      src.Tags,
			Source:    "yaml",
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := l.store.UpsertSeed(ctx, seed); err != nil {
			return loaded, fmt.Errorf("vectorstore: upsert seed from %s: %w", path, err)
		}
		loaded++
	}

	l.mu.Lock()
	l.loadedFiles[path] = now
	l.mu.Unlock()

	return loaded, nil
}
