package semantic

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
)

// huggingFaceBaseURL is the base URL for HuggingFace model downloads.
const huggingFaceBaseURL = "https://huggingface.co"

// modelFiles lists the minimal files needed for ONNX feature-extraction
// inference.
var modelFiles = []struct {
	name     string
	required bool
	size     string
}{
	{"model.onnx", true, "80MB"},
	{"tokenizer.json", true, "700KB"},
	{"config.json", true, "1KB"},
	{"tokenizer_config.json", true, "1KB"},
	{"special_tokens_map.json", true, "1KB"},
}

// downloadMutex prevents concurrent downloads of the same model.
var downloadMutex sync.Mutex

// EnsureModelDownloaded downloads EmbeddingModel to modelPath if it is
// not already present.
func EnsureModelDownloaded(modelPath string) error {
	if modelPath == "" {
		modelPath = DefaultModelPath
	}
	if modelExists(modelPath) {
		return nil
	}

	downloadMutex.Lock()
	defer downloadMutex.Unlock()

	if modelExists(modelPath) {
		return nil
	}

	log.Printf("[Semantic] downloading embedding model %s (~80MB)...", EmbeddingModel)

	if err := os.MkdirAll(modelPath, 0o755); err != nil {
		return fmt.Errorf("semantic: create model directory: %w", err)
	}

	baseURL := fmt.Sprintf("%s/%s/resolve/main", huggingFaceBaseURL, EmbeddingModel)
	for _, file := range modelFiles {
		fileURL := fmt.Sprintf("%s/%s", baseURL, file.name)
		destFile := filepath.Join(modelPath, file.name)

		if _, err := os.Stat(destFile); err == nil {
			continue
		}

		log.Printf("[Semantic]   downloading %s (%s)...", file.name, file.size)
		if err := downloadFile(fileURL, destFile); err != nil {
			if file.required {
				return fmt.Errorf("semantic: download %s: %w", file.name, err)
			}
			log.Printf("[Semantic]   optional file %s not available: %v", file.name, err)
		}
	}

	log.Printf("[Semantic] embedding model downloaded to %s", modelPath)
	return nil
}

func modelExists(modelPath string) bool {
	if _, err := os.Stat(filepath.Join(modelPath, "model.onnx")); err != nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(modelPath, "tokenizer.json")); err != nil {
		return false
	}
	return true
}

// downloadFile fetches url into destPath via a temp file and atomic
// rename, so a failed download never leaves a partial model file behind.
func downloadFile(url, destPath string) error {
	tmpPath := destPath + ".tmp"
	defer func() { _ = os.Remove(tmpPath) }()

	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer func() { _ = out.Close() }()

	resp, err := http.Get(url) //nolint:gosec // URL built from a fixed HuggingFace base, not user input
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("finalize download: %w", err)
	}
	return nil
}
