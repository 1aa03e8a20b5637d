// Command aegis-pipeline drives the six-phase self-modification
// pipeline end to end: harvest external content, extract insights,
// adversarially validate them, generate proposals, gate-approve, and
// execute approved proposals under a checkpoint. This is the orchestration
// glue around pkg/selfmod.Pipeline's phase methods — each phase itself is
// implemented in the library; this command only wires collaborators and
// drives the loop.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/relayguard/aegis/pkg/cache"
	"github.com/relayguard/aegis/pkg/checkpoint"
	"github.com/relayguard/aegis/pkg/config"
	"github.com/relayguard/aegis/pkg/eventlog"
	"github.com/relayguard/aegis/pkg/filelock"
	"github.com/relayguard/aegis/pkg/gateway"
	"github.com/relayguard/aegis/pkg/patternengine"
	"github.com/relayguard/aegis/pkg/ratebudget"
	"github.com/relayguard/aegis/pkg/selfmod"
	"github.com/relayguard/aegis/pkg/trust"
)

// dirRegistry harvests labeled content from a flat directory of files,
// one artifact per file, named "<priority>-<handle>.txt". It stands in
// for a real creator registry so the pipeline has a concrete, runnable
// source of content to harvest in this deployment.
type dirRegistry struct {
	dir string
}

func (r dirRegistry) FetchByPriority(ctx context.Context, minPriority int) ([]selfmod.RegistryArtifact, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []selfmod.RegistryArtifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		parts := strings.SplitN(name, "-", 2)
		priority := 5
		handle := name
		if len(parts) == 2 {
			if p, err := strconv.Atoi(parts[0]); err == nil {
				priority = p
			}
			handle = parts[1]
		}
		content, err := os.ReadFile(filepath.Join(r.dir, e.Name()))
		if err != nil {
			log.Printf("[aegis-pipeline] skipping unreadable artifact %s: %v", e.Name(), err)
			continue
		}
		if priority < minPriority {
			continue
		}
		out = append(out, selfmod.RegistryArtifact{
			SourceHandle: handle, Priority: priority, Content: string(content),
		})
	}
	return out, nil
}

// httpRegistry harvests labeled content from the upstream creator API
// through the Gateway, so every fetch is cache-aware, budget-checked,
// and burst-limited like any other upstream call.
type httpRegistry struct {
	gw       *gateway.Gateway
	consumer string
}

func (r httpRegistry) FetchByPriority(ctx context.Context, minPriority int) ([]selfmod.RegistryArtifact, error) {
	resp, err := r.gw.Do(ctx, gateway.Request{
		Method:   http.MethodGet,
		Path:     fmt.Sprintf("/creators/content?min_priority=%d", minPriority),
		Consumer: r.consumer,
		Category: "batch",
	})
	if err != nil {
		var rl *gateway.RateLimitError
		if errors.As(err, &rl) {
			log.Printf("[aegis-pipeline] registry fetch denied by budget: %v", rl)
			return nil, nil
		}
		return nil, err
	}
	var artifacts []struct {
		SourceHandle string `json:"source_handle"`
		Priority     int    `json:"priority"`
		Content      string `json:"content"`
	}
	if err := json.Unmarshal(resp.Body, &artifacts); err != nil {
		return nil, fmt.Errorf("registry response: %w", err)
	}
	out := make([]selfmod.RegistryArtifact, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, selfmod.RegistryArtifact{
			SourceHandle: a.SourceHandle, Priority: a.Priority, Content: a.Content,
		})
	}
	return out, nil
}

// fileExecutor applies a Proposal's ProposedAction to the working tree
// and returns a short transcript; it does not stage or commit anything.
// It is the concrete "external executor" this deployment supplies so the
// execute phase can run end to end.
type fileExecutor struct {
	root string
}

func (e fileExecutor) Execute(ctx context.Context, p selfmod.Proposal) (string, error) {
	target := filepath.Join(e.root, p.Action.TargetPath)
	switch p.Action.Kind {
	case "append_section":
		f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return "", err
		}
		defer f.Close()
		if _, err := f.WriteString("\n" + p.Action.Content); err != nil {
			return "", err
		}
		return fmt.Sprintf("appended section to %s; file %s exists; exit code 0", target, p.Action.TargetPath), nil
	default: // "write_file", "add_test", and anything else write-shaped
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(target, []byte(p.Action.Content), 0o644); err != nil {
			return "", err
		}
		return fmt.Sprintf("wrote %s; file %s exists; exit code 0", target, p.Action.TargetPath), nil
	}
}

func main() {
	gateModeFlag := flag.String("gate-mode", "morning-brief", "morning-brief or autonomous")
	minPriority := flag.Int("min-priority", 1, "minimum artifact priority to harvest")
	harvestDir := flag.String("harvest-dir", "", "directory of artifacts to harvest (default <state-dir>/harvest)")
	registryURL := flag.String("registry-url", "", "base URL of the creator-registry API; when set, harvest goes through the Gateway instead of -harvest-dir")
	flag.Parse()

	cfg := config.NewDefaultConfig()
	if *harvestDir == "" {
		*harvestDir = filepath.Join(cfg.StateDir, "harvest")
	}

	gateMode := trust.GateMorningBrief
	if *gateModeFlag == "autonomous" {
		gateMode = trust.GateAutonomous
	}

	events := eventlog.NewSink(filepath.Join(cfg.StateDir, "events"))
	store := selfmod.NewProposalStore(filepath.Join(cfg.StateDir, "proposals"))
	cm := checkpoint.NewManager(cfg.StateDir, filepath.Join(cfg.StateDir, "checkpoints"),
		[]string{"go.mod", "go.sum"}, nil, nil, nil)

	tm := trust.NewManager(
		filepath.Join(cfg.StateDir, "trust-ledger.yaml"),
		filepath.Join(cfg.StateDir, "trust-history.jsonl"),
		gateMode, store.CategoryResolver,
	)

	locker := filelock.FromEnv()

	alloc := ratebudget.BudgetAllocation{
		Consumers: map[string]ratebudget.ConsumerLimit{
			"selfmod-pipeline": {DailyLimit: 500, HourlyLimit: 100, Priority: 1, MayBorrow: true},
		},
		GlobalDailyCap: 5000, SoftCapPercent: 0.85, HardCapPercent: 0.90,
	}
	budget := ratebudget.NewManagerWithLocker(filepath.Join(cfg.StateDir, "rate-state.json"), alloc, locker)

	responseCache := cache.NewWithLocker(filepath.Join(cfg.StateDir, "cache"), locker)

	var registry selfmod.Registry = dirRegistry{dir: *harvestDir}
	if *registryURL != "" {
		gw := gateway.New(*registryURL, responseCache, budget, tokenFromEnv, events)
		registry = httpRegistry{gw: gw, consumer: "selfmod-pipeline"}
	}

	scorers := []selfmod.AdversarialScorer{
		selfmod.NewInjectionHunterScorer(patternengine.DefaultRules()),
		&selfmod.CoherenceScorer{},
		selfmod.NewNoveltyScorer(),
	}

	repoRoot := cfg.StateDir
	pipeline := selfmod.NewPipeline(
		registry, scorers, store, tm, cm, fileExecutor{root: repoRoot},
		budget, events, gateMode, []string{filepath.Join(repoRoot, "generated")}, "selfmod-pipeline",
	)

	if err := run(context.Background(), pipeline, *minPriority); err != nil {
		log.Fatalf("[aegis-pipeline] %v", err)
	}

	purged, remaining := responseCache.PurgeExpired()
	log.Printf("[aegis-pipeline] cache purge: %d expired removed, %d live", purged, remaining)
}

// tokenFromEnv is the single replacement site for the upstream bearer
// token.
func tokenFromEnv() (string, error) {
	token := os.Getenv("AEGIS_API_TOKEN")
	if token == "" {
		return "", errors.New("AEGIS_API_TOKEN is not set")
	}
	return token, nil
}

// run drives the phases for every harvested item, stopping early if the
// pipeline's own hard circuit breaker trips.
func run(ctx context.Context, p *selfmod.Pipeline, minPriority int) error {
	items, err := p.Harvest(ctx, minPriority)
	if err != nil {
		return err
	}
	log.Printf("[aegis-pipeline] harvested %d items", len(items))

	seq := 0
	for _, item := range items {
		insight, err := p.Extract(ctx, item)
		if err != nil {
			if errors.Is(err, selfmod.ErrCircuitOpen) {
				return err
			}
			log.Printf("[aegis-pipeline] extract %s failed: %v", item.ID, err)
			continue
		}
		if insight.Rejected {
			log.Printf("[aegis-pipeline] %s rejected at extract: %s", item.ID, insight.RejectReason)
			continue
		}

		validation, err := p.Validate(ctx, insight)
		if err != nil {
			if errors.Is(err, selfmod.ErrCircuitOpen) {
				return err
			}
			log.Printf("[aegis-pipeline] validate %s failed: %v", item.ID, err)
			continue
		}
		if validation.Decision != "passed" {
			log.Printf("[aegis-pipeline] %s %s at validate (overall=%.2f injection=%.2f)",
				item.ID, validation.Decision, validation.OverallScore, validation.InjectionScore)
			continue
		}

		seq++
		category, action := classify(insight)
		proposal, err := p.Generate(ctx, insight, validation, category, action, seq)
		if err != nil {
			if errors.Is(err, selfmod.ErrCircuitOpen) {
				return err
			}
			log.Printf("[aegis-pipeline] generate %s failed: %v", item.ID, err)
			continue
		}

		proposal, err = p.Approve(ctx, proposal)
		if err != nil {
			if errors.Is(err, selfmod.ErrCircuitOpen) {
				return err
			}
			log.Printf("[aegis-pipeline] approve %s failed: %v", proposal.ID, err)
			continue
		}
		log.Printf("[aegis-pipeline] proposal %s routed to %s", proposal.ID, proposal.Status)

		if proposal.Status == selfmod.StatusApproved {
			proposal, err = p.Execute(ctx, proposal)
			if err != nil {
				if errors.Is(err, selfmod.ErrCircuitOpen) {
					return err
				}
				log.Printf("[aegis-pipeline] execute %s failed: %v", proposal.ID, err)
				continue
			}
			log.Printf("[aegis-pipeline] proposal %s ended as %s", proposal.ID, proposal.Status)
		}
	}
	return nil
}

// classify derives a proposal category and action from an extracted
// insight: code blocks imply a skill/test change, plain claims imply a
// documentation addition. A deliberately simple heuristic; category
// assignment is a product decision, not part of the validated phase
// contracts.
func classify(insight selfmod.ExtractedInsight) (selfmod.Category, selfmod.ProposedAction) {
	if len(insight.CodeBlocks) > 0 {
		return selfmod.CategorySkillEnhancement, selfmod.ProposedAction{
			Kind:       "write_file",
			TargetPath: filepath.Join("generated", "skills", slug(insight.Topic)+".md"),
			Content:    renderSkill(insight),
			Summary:    "skill enhancement derived from " + insight.SourceID,
		}
	}
	return selfmod.CategoryDocumentation, selfmod.ProposedAction{
		Kind:       "append_section",
		TargetPath: filepath.Join("generated", "notes.md"),
		Content:    renderNote(insight),
		Summary:    "documentation note derived from " + insight.SourceID,
	}
}

func renderSkill(insight selfmod.ExtractedInsight) string {
	var b strings.Builder
	b.WriteString("# " + insight.Topic + "\n\n")
	for _, t := range insight.Techniques {
		b.WriteString("- " + t + "\n")
	}
	for _, c := range insight.CodeBlocks {
		b.WriteString("\n```\n" + c + "\n```\n")
	}
	return b.String()
}

func renderNote(insight selfmod.ExtractedInsight) string {
	var b strings.Builder
	b.WriteString("## " + insight.Topic + "\n")
	for _, c := range insight.Claims {
		b.WriteString("- " + c + "\n")
	}
	return b.String()
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "untitled"
	}
	return out
}
