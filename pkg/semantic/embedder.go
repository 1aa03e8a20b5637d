// Package semantic provides the default, local implementation of the
// Injection Detector's semantic signal: a 384-dimensional MiniLM
// embedder running locally via ONNX, so no external embedding service
// is required.
package semantic

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/options"
	"github.com/knights-analytics/hugot/pipelines"
)

const (
	// EmbeddingModel is the small, fast embedding model this repo
	// defaults to (80MB, 384 dimensions).
	EmbeddingModel = "sentence-transformers/all-MiniLM-L6-v2"

	// DefaultModelPath is the default on-disk location for the model.
	DefaultModelPath = "./models/all-MiniLM-L6-v2"

	// EmbeddingDimension is MiniLM-L6-v2's output dimension.
	EmbeddingDimension = 384
)

// LocalEmbedder generates embeddings locally using an ONNX model, via
// Hugot's feature-extraction pipeline.
type LocalEmbedder struct {
	session  *hugot.Session
	pipeline *pipelines.FeatureExtractionPipeline
	mu       sync.RWMutex
	ready    bool
	config   Config
}

// Config configures the local embedder.
type Config struct {
	ModelPath       string
	ModelName       string
	OnnxLibraryPath string
	BatchSize       int
	Timeout         time.Duration
}

// DefaultConfig returns a configuration using MiniLM at DefaultModelPath.
func DefaultConfig() Config {
	return Config{
		ModelPath:       DefaultModelPath,
		ModelName:       EmbeddingModel,
		OnnxLibraryPath: defaultOnnxPath(),
		BatchSize:       32,
		Timeout:         30 * time.Second,
	}
}

func defaultOnnxPath() string {
	return os.Getenv("AEGIS_ONNX_LIBRARY_PATH")
}

// NewLocalEmbedder initializes the ONNX session and pipeline.
func NewLocalEmbedder(cfg Config) (*LocalEmbedder, error) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 32
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	e := &LocalEmbedder{config: cfg}
	if err := e.initialize(); err != nil {
		return nil, fmt.Errorf("semantic: local embedder init: %w", err)
	}
	return e, nil
}

// NewAutoDetectedLocalEmbedder searches for an available model and
// returns nil (rather than an error) if none is found — the Injection
// Detector's semantic signal degrades gracefully to regex-only when this
// is nil.
func NewAutoDetectedLocalEmbedder() *LocalEmbedder {
	cfg := AutoDetectConfig()
	if cfg == nil {
		return nil
	}
	embedder, err := NewLocalEmbedder(*cfg)
	if err != nil {
		log.Printf("[Semantic] local embedder init failed, degrading to regex-only: %v", err)
		return nil
	}
	return embedder
}

// AutoDetectConfig searches AEGIS_EMBEDDING_MODEL_PATH and the default
// model path for an available ONNX model, optionally auto-downloading it
// when AEGIS_AUTO_DOWNLOAD_MODEL is set.
func AutoDetectConfig() *Config {
	if envPath := os.Getenv("AEGIS_EMBEDDING_MODEL_PATH"); envPath != "" {
		if _, err := os.Stat(filepath.Join(envPath, "model.onnx")); err == nil {
			log.Printf("[Semantic] using embedding model from AEGIS_EMBEDDING_MODEL_PATH: %s", envPath)
			return &Config{ModelPath: envPath, OnnxLibraryPath: defaultOnnxPath(), BatchSize: 32, Timeout: 30 * time.Second}
		}
	}

	if _, err := os.Stat(filepath.Join(DefaultModelPath, "model.onnx")); err == nil {
		cfg := DefaultConfig()
		return &cfg
	}

	if os.Getenv("AEGIS_AUTO_DOWNLOAD_MODEL") == "true" {
		log.Printf("[Semantic] no embedding model found, auto-downloading %s (~80MB)...", EmbeddingModel)
		if err := EnsureModelDownloaded(DefaultModelPath); err != nil {
			log.Printf("[Semantic] embedding model auto-download failed: %v", err)
			return nil
		}
		cfg := DefaultConfig()
		return &cfg
	}

	log.Printf("[Semantic] no embedding model found; set AEGIS_AUTO_DOWNLOAD_MODEL=true to auto-download")
	return nil
}

func (e *LocalEmbedder) initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	session, err := e.createSession()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	e.session = session

	if e.config.ModelPath == "" {
		return fmt.Errorf("no model path specified")
	}
	if _, err := os.Stat(e.config.ModelPath); err != nil {
		return fmt.Errorf("model path does not exist: %s", e.config.ModelPath)
	}

	pipeline, err := hugot.NewPipeline(session, hugot.FeatureExtractionConfig{
		ModelPath: e.config.ModelPath,
		Name:      "aegis-embedding-generator",
	})
	if err != nil {
		_ = e.session.Destroy()
		return fmt.Errorf("create embedding pipeline: %w", err)
	}

	e.pipeline = pipeline
	e.ready = true
	log.Printf("[Semantic] local embedder initialized (model: %s)", e.config.ModelPath)
	return nil
}

func (e *LocalEmbedder) createSession() (*hugot.Session, error) {
	if e.config.OnnxLibraryPath != "" {
		session, err := hugot.NewORTSession(options.WithOnnxLibraryPath(e.config.OnnxLibraryPath))
		if err == nil {
			log.Printf("[Semantic] using ONNX Runtime backend")
			return session, nil
		}
		log.Printf("[Semantic] ONNX Runtime unavailable, falling back to Go backend: %v", err)
	}

	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("create Go session: %w", err)
	}
	log.Printf("[Semantic] using pure Go backend (slower; install ONNX Runtime for speed)")
	return session, nil
}

// IsReady reports whether the embedder finished initialization.
func (e *LocalEmbedder) IsReady() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ready
}

// Dimension implements vectorstore.EmbeddingProvider.
func (e *LocalEmbedder) Dimension() int { return EmbeddingDimension }

// Embed implements vectorstore.EmbeddingProvider for a single text.
func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("semantic: no embedding returned")
	}
	return embeddings[0], nil
}

// EmbedBatch implements vectorstore.EmbeddingProvider.
func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.ready || e.pipeline == nil {
		return nil, fmt.Errorf("semantic: local embedder not ready")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	result, err := e.pipeline.RunPipeline(texts)
	if err != nil {
		return nil, fmt.Errorf("semantic: embedding generation failed: %w", err)
	}

	embeddings := make([][]float32, len(texts))
	for i := range texts {
		if i < len(result.Embeddings) {
			embeddings[i] = result.Embeddings[i]
		}
	}
	return embeddings, nil
}

// Close releases the ONNX session.
func (e *LocalEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ready = false
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
}
