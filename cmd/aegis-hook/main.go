// Command aegis-hook is the hook-protocol entrypoint: it
// reads exactly one JSON hook record from stdin, routes it through the
// Policy Engine or Injection Detector, and writes a single JSON decision
// to stdout. A hard policy block exits with dispatcher.ExitHardBlock; any
// other outcome exits 0; the transport layer fails open.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/relayguard/aegis/pkg/checkpoint"
	"github.com/relayguard/aegis/pkg/config"
	"github.com/relayguard/aegis/pkg/dispatcher"
	"github.com/relayguard/aegis/pkg/eventlog"
	"github.com/relayguard/aegis/pkg/injection"
	"github.com/relayguard/aegis/pkg/patternengine"
	"github.com/relayguard/aegis/pkg/policyengine"
	"github.com/relayguard/aegis/pkg/semantic"
	"github.com/relayguard/aegis/pkg/vectorstore"
)

func main() {
	cfg := config.NewDefaultConfig()

	policy := policyengine.Load(cfg.PolicyUserPath, cfg.PolicySystemPath)
	shell := policyengine.NewShellValidator(policy.Shell)
	path := policyengine.NewPathValidator(policy.Path)

	events := eventlog.NewSink(filepath.Join(cfg.StateDir, "events"))

	cm := checkpoint.NewManager(cfg.StateDir, filepath.Join(cfg.StateDir, "checkpoints"),
		defaultCriticalFiles, defaultIndexPaths, defaultConfigPaths, defaultForbiddenPatterns)

	detector := buildDetector(cfg)

	d := &dispatcher.Dispatcher{
		Shell:      shell,
		Path:       path,
		Detector:   detector,
		Checkpoint: cm,
		Events:     events,

		DefaultPromptTrustMode:  injection.TrustPrincipalVerify,
		ProtectedMemoryPrefixes: []string{filepath.Join(cfg.StateDir, "learning"), filepath.Join(cfg.StateDir, "synthesis")},
		WarnOnlyMemoryPrefixes:  []string{filepath.Join(cfg.StateDir, "events"), filepath.Join(cfg.StateDir, "rate-state.json")},
	}

	in, ok := dispatcher.ReadInput(os.Stdin)
	if !ok {
		// Stdin timeout / malformed input: fail open.
		writeOutput(dispatcher.Allow())
		os.Exit(0)
	}

	out, exitCode := d.Dispatch(context.Background(), in)
	writeOutput(out)
	if exitCode == dispatcher.ExitHardBlock {
		fmt.Fprintln(os.Stderr, out.StopReason)
	}
	os.Exit(exitCode)
}

func writeOutput(out dispatcher.HookOutput) {
	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(out); err != nil {
		log.Printf("[aegis-hook] failed to encode output: %v", err)
	}
}

// buildDetector wires the Injection Detector's semantic signal to the
// local ONNX embedder + threat-seed vector store when available, falling
// back to regex-only (injection.NoopInference) if either fails to
// initialize — the detector is never hard-blocked by a missing semantic
// tier.
func buildDetector(cfg *config.Config) *injection.Detector {
	rules := patternengine.DefaultRules()
	profile := patternengine.GetProfile(cfg.DetectionProfile)

	embedder := semantic.NewAutoDetectedLocalEmbedder()
	if embedder == nil {
		log.Printf("[aegis-hook] no local embedder available, semantic signal disabled")
		return injection.NewDetector(rules, nil, profile)
	}

	store, err := vectorstore.NewChromemStore(embedder)
	if err != nil {
		log.Printf("[aegis-hook] chromem store init failed, semantic signal disabled: %v", err)
		return injection.NewDetector(rules, nil, profile)
	}

	seedDir := filepath.Join(cfg.StateDir, "seeds")
	loader := vectorstore.NewSeedLoader(store, embedder, seedDir)
	ctx := context.Background()
	if n, err := loader.LoadAll(ctx); err != nil {
		log.Printf("[aegis-hook] seed load from %s failed: %v", seedDir, err)
	} else {
		log.Printf("[aegis-hook] loaded %d threat seeds from %s", n, seedDir)
	}

	return injection.NewDetector(rules, injection.NewVectorInference(store, embedder), profile)
}

var defaultCriticalFiles = []string{"go.mod", "go.sum"}
var defaultIndexPaths = []string{}
var defaultConfigPaths = []string{}
var defaultForbiddenPatterns = []string{`(?i)ignore\s+all\s+previous\s+instructions`}
