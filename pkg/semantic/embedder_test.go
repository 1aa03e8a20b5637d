package semantic

import (
	"os"
	"path/filepath"
	"testing"
)

func TestModelExists(t *testing.T) {
	dir := t.TempDir()
	if modelExists(dir) {
		t.Error("expected false for empty directory")
	}

	if err := os.WriteFile(filepath.Join(dir, "model.onnx"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if modelExists(dir) {
		t.Error("expected false without tokenizer.json")
	}

	if err := os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !modelExists(dir) {
		t.Error("expected true once both files are present")
	}
}

func TestAutoDetectConfig_UsesEnvPathWhenModelPresent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "model.onnx"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_ = os.Setenv("AEGIS_EMBEDDING_MODEL_PATH", dir)
	defer func() { _ = os.Unsetenv("AEGIS_EMBEDDING_MODEL_PATH") }()

	cfg := AutoDetectConfig()
	if cfg == nil {
		t.Fatal("expected config to be found via env path")
	}
	if cfg.ModelPath != dir {
		t.Errorf("ModelPath = %q, want %q", cfg.ModelPath, dir)
	}
}

func TestAutoDetectConfig_NilWhenNoModelAndNoAutoDownload(t *testing.T) {
	_ = os.Unsetenv("AEGIS_EMBEDDING_MODEL_PATH")
	_ = os.Unsetenv("AEGIS_AUTO_DOWNLOAD_MODEL")

	// DefaultModelPath is relative and unlikely to exist in a test sandbox.
	if _, err := os.Stat(filepath.Join(DefaultModelPath, "model.onnx")); err == nil {
		t.Skip("a real model happens to be present at DefaultModelPath in this environment")
	}

	if cfg := AutoDetectConfig(); cfg != nil {
		t.Errorf("expected nil config, got %+v", cfg)
	}
}

func TestNewAutoDetectedLocalEmbedder_NilWhenNoModel(t *testing.T) {
	_ = os.Unsetenv("AEGIS_EMBEDDING_MODEL_PATH")
	_ = os.Unsetenv("AEGIS_AUTO_DOWNLOAD_MODEL")

	if _, err := os.Stat(filepath.Join(DefaultModelPath, "model.onnx")); err == nil {
		t.Skip("a real model happens to be present at DefaultModelPath in this environment")
	}

	if e := NewAutoDetectedLocalEmbedder(); e != nil {
		t.Error("expected nil embedder when no model is available (graceful degradation)")
	}
}
