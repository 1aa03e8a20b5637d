package selfmod

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relayguard/aegis/pkg/checkpoint"
	"github.com/relayguard/aegis/pkg/criterion"
	"github.com/relayguard/aegis/pkg/eventlog"
	"github.com/relayguard/aegis/pkg/ratebudget"
	"github.com/relayguard/aegis/pkg/trust"
)

// ErrCircuitOpen is returned by every phase once the pipeline's own hard
// circuit breaker has tripped. This breaker is distinct from the Rate
// Budget's upstream breaker.
var ErrCircuitOpen = errors.New("selfmod: pipeline circuit breaker open")

// Registry is the opaque creator-registry collaborator the harvest
// phase pulls labeled external content from; its scraping mechanics
// live outside this module.
type Registry interface {
	FetchByPriority(ctx context.Context, minPriority int) ([]RegistryArtifact, error)
}

// RegistryArtifact is one labeled piece of content the Registry returns.
type RegistryArtifact struct {
	SourceHandle string
	Priority     int
	Content      string
}

// Executor performs the out-of-scope "invoke an external executor" step
// of phase 6: applying a Proposal's ProposedAction to the working tree.
// The returned transcript is scored against the proposal's acceptance
// criteria (pkg/criterion) before the execution is accepted.
type Executor interface {
	Execute(ctx context.Context, p Proposal) (transcript string, err error)
}

// Pipeline orchestrates the six phases. Registry, Scorers and Executor
// are narrow collaborator interfaces that tests can replace
// independently; the other collaborators are the concrete components.
type Pipeline struct {
	Registry  Registry
	Scorers   []AdversarialScorer
	Store     *ProposalStore
	Trust     *trust.Manager
	Checkpoint *checkpoint.Manager
	Executor  Executor
	Budget    *ratebudget.Manager
	Events    *eventlog.Sink

	GateMode         trust.GateMode
	AllowedTargetDirs []string // target-path allow-list prefixes, phase 4 safety validation
	Consumer         string   // the rate-budget consumer tag this pipeline uses

	breaker tokenBreaker
}

// tokenBreaker is the pipeline's own hard circuit breaker: an absolute
// daily token cap distinct from Rate Budget's upstream-error breaker.
// Reset requires an explicit operator action.
type tokenBreaker struct {
	dailyCap     int
	spentToday   int
	day          string
	tripped      bool
}

const defaultDailyTokenCap = 50_000

// NewPipeline builds a Pipeline with the default 50,000-token daily cap.
func NewPipeline(registry Registry, scorers []AdversarialScorer, store *ProposalStore, tm *trust.Manager, cm *checkpoint.Manager, exec Executor, budget *ratebudget.Manager, events *eventlog.Sink, gateMode trust.GateMode, allowedTargetDirs []string, consumer string) *Pipeline {
	return &Pipeline{
		Registry: registry, Scorers: scorers, Store: store, Trust: tm, Checkpoint: cm, Executor: exec,
		Budget: budget, Events: events, GateMode: gateMode, AllowedTargetDirs: allowedTargetDirs, Consumer: consumer,
		breaker: tokenBreaker{dailyCap: defaultDailyTokenCap, day: dayKey(time.Now())},
	}
}

func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// ResetBreaker clears a tripped hard circuit breaker. Reset requires an
// explicit operator action — callers must only invoke this
// from an operator-driven entrypoint, never automatically.
func (p *Pipeline) ResetBreaker() {
	p.breaker.tripped = false
	p.breaker.spentToday = 0
	p.breaker.day = dayKey(time.Now())
}

// spend records token usage against the hard daily cap, tripping the
// breaker once the day's total reaches it. The day's total restarts at
// the UTC day boundary; a tripped breaker stays open until ResetBreaker.
func (p *Pipeline) spend(tokens int) error {
	if p.breaker.day != dayKey(time.Now()) {
		p.breaker.day = dayKey(time.Now())
		p.breaker.spentToday = 0
	}
	if p.breaker.tripped {
		return ErrCircuitOpen
	}
	p.breaker.spentToday += tokens
	if p.breaker.spentToday >= p.breaker.dailyCap {
		p.breaker.tripped = true
		p.logEvent("selfmod_breaker_tripped", eventlog.SeverityCritical, "pipeline hard circuit breaker tripped", map[string]any{"spent": p.breaker.spentToday, "cap": p.breaker.dailyCap})
		return ErrCircuitOpen
	}
	return nil
}

func (p *Pipeline) checkBudget(ctx context.Context, endpoint string) error {
	if p.Budget == nil {
		return nil
	}
	res, err := p.Budget.CheckBudget(p.Consumer, endpoint)
	if err != nil {
		return fmt.Errorf("selfmod: budget check: %w", err)
	}
	if !res.Allowed {
		return fmt.Errorf("selfmod: rate budget denied phase %s: %s", endpoint, res.Reason)
	}
	return nil
}

func (p *Pipeline) logEvent(kind, severity, summary string, payload map[string]any) {
	if p.Events == nil {
		return
	}
	p.Events.MustWrite(eventlog.Event{Kind: kind, Severity: severity, Summary: summary, Payload: payload})
}

// --- Phase 1: Harvest -------------------------------------------------

// Harvest pulls labeled external content filtered by priority, hashes
// each artifact, and wraps it in explicit delimiters for downstream
// isolation.
func (p *Pipeline) Harvest(ctx context.Context, minPriority int) ([]HarvestedItem, error) {
	if err := p.spend(200); err != nil {
		return nil, err
	}
	if err := p.checkBudget(ctx, "/harvest"); err != nil {
		return nil, err
	}

	artifacts, err := p.Registry.FetchByPriority(ctx, minPriority)
	if err != nil {
		return nil, fmt.Errorf("selfmod: harvest: %w", err)
	}

	items := make([]HarvestedItem, 0, len(artifacts))
	for _, a := range artifacts {
		sum := sha256.Sum256([]byte(a.Content))
		items = append(items, HarvestedItem{
			ID:           uuid.NewString(),
			SourceHandle: a.SourceHandle,
			Priority:     a.Priority,
			ContentHash:  hex.EncodeToString(sum[:]),
			RawContent:   wrapDelimited(a.Content),
			HarvestedAt:  time.Now().UTC(),
		})
	}
	p.logEvent("selfmod_harvest", eventlog.SeverityInfo, fmt.Sprintf("harvested %d items", len(items)), map[string]any{"count": len(items)})
	return items, nil
}

const (
	harvestStartDelim = "---AEGIS-HARVEST-START---"
	harvestEndDelim   = "---AEGIS-HARVEST-END---"
)

func wrapDelimited(content string) string {
	return harvestStartDelim + "\n" + content + "\n" + harvestEndDelim
}

func unwrapDelimited(wrapped string) string {
	s := strings.TrimPrefix(wrapped, harvestStartDelim+"\n")
	s = strings.TrimSuffix(s, "\n"+harvestEndDelim)
	return s
}

// --- Phase 2: Extract --------------------------------------------------

const (
	maxTopicLen    = 100
	maxClaims      = 5
	maxClaimLen    = 50
	maxTechniques  = 10
	maxCodeBlocks  = 5
	maxCodeBlockLen = 500
)

var forbiddenExtractPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior)\s+instructions?`),
	regexp.MustCompile(`(?i)\bsystem\s+prompt\b`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+\w+.{0,30}no\s+restrictions`),
}

var dangerousCodePatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-rf\s+/`),
	regexp.MustCompile(`curl\s+.*\|\s*sh`),
	regexp.MustCompile(`:(){ :|:& };:`),
	regexp.MustCompile(`(?i)\bsudo\s+`),
}

// Extract rejects any harvested item matching a forbidden pattern,
// otherwise slices fields with strict length caps and drops dangerous
// shell patterns from code blocks.
func (p *Pipeline) Extract(ctx context.Context, item HarvestedItem) (ExtractedInsight, error) {
	if err := p.spend(500); err != nil {
		return ExtractedInsight{}, err
	}

	content := unwrapDelimited(item.RawContent)
	for _, re := range forbiddenExtractPatterns {
		if re.MatchString(content) {
			return ExtractedInsight{SourceID: item.ID, Rejected: true, RejectReason: "forbidden pattern in harvested content"}, nil
		}
	}

	lines := strings.Split(content, "\n")
	topic := ""
	if len(lines) > 0 {
		topic = truncate(strings.TrimSpace(lines[0]), maxTopicLen)
	}

	var claims []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if strings.HasPrefix(l, "- ") || strings.HasPrefix(l, "* ") {
			claims = append(claims, truncate(strings.TrimLeft(l, "-* "), maxClaimLen))
			if len(claims) >= maxClaims {
				break
			}
		}
	}

	techniques := extractTechniques(content)
	if len(techniques) > maxTechniques {
		techniques = techniques[:maxTechniques]
	}

	codeBlocks := extractCodeBlocks(content)

	return ExtractedInsight{
		SourceID:   item.ID,
		Topic:      topic,
		Claims:     claims,
		Techniques: techniques,
		CodeBlocks: codeBlocks,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func extractTechniques(content string) []string {
	lower := strings.ToLower(content)
	var out []string
	seen := map[string]bool{}
	for _, kw := range []string{"prompt injection", "jailbreak", "caching", "rate limiting", "circuit breaker", "retry", "backoff", "batching", "sandboxing", "fuzzing", "linting", "profiling"} {
		if strings.Contains(lower, kw) && !seen[kw] {
			seen[kw] = true
			out = append(out, kw)
		}
	}
	return out
}

func extractCodeBlocks(content string) []string {
	var blocks []string
	parts := strings.Split(content, "```")
	// parts[1], parts[3], ... are fenced code bodies.
	for i := 1; i < len(parts); i += 2 {
		block := parts[i]
		if idx := strings.IndexByte(block, '\n'); idx >= 0 && idx < 20 {
			block = block[idx+1:] // drop a language-tag first line
		}
		dangerous := false
		for _, re := range dangerousCodePatterns {
			if re.MatchString(block) {
				dangerous = true
				break
			}
		}
		if dangerous {
			continue
		}
		blocks = append(blocks, truncate(block, maxCodeBlockLen))
		if len(blocks) >= maxCodeBlocks {
			break
		}
	}
	return blocks
}

// --- Phase 3: Validate --------------------------------------------------

const injectionHunterName = "injection-hunter"

// Validate invokes every configured adversarial scorer, computes a
// weighted overall score and a dedicated injection score, and applies
// the fixed decision table: injection < 0.7 rejects outright, overall
// < 0.5 rejects, overall >= 0.6 with injection >= 0.7 passes, anything
// else is flagged.
func (p *Pipeline) Validate(ctx context.Context, insight ExtractedInsight) (ValidationRecord, error) {
	if err := p.spend(800); err != nil {
		return ValidationRecord{}, err
	}
	if insight.Rejected {
		return ValidationRecord{Decision: "rejected", RejectionReason: insight.RejectReason}, nil
	}

	scores := map[string]float64{}
	var weightedSum, weightTotal, injectionScore float64
	for _, scorer := range p.Scorers {
		s := scorer.Score(insight)
		scores[scorer.Name()] = s
		weightedSum += s * scorer.Weight()
		weightTotal += scorer.Weight()
		if scorer.Name() == injectionHunterName {
			injectionScore = s
		}
	}
	overall := 0.0
	if weightTotal > 0 {
		overall = weightedSum / weightTotal
	}

	record := ValidationRecord{Scores: scores, OverallScore: overall, InjectionScore: injectionScore}

	switch {
	case injectionScore < 0.7:
		record.Decision = "rejected"
		record.RejectionReason = "injection score below 0.7"
		p.logEvent("selfmod_security_reject", eventlog.SeverityCritical, "insight rejected on injection score", map[string]any{
			"source_id": insight.SourceID, "injection_score": injectionScore,
		})
	case overall < 0.5:
		record.Decision = "rejected"
		record.RejectionReason = "overall score below 0.5"
	case overall >= 0.6 && injectionScore >= 0.7:
		record.Decision = "passed"
	default:
		record.Decision = "flagged"
	}

	return record, nil
}

// --- Phase 4: Generate ---------------------------------------------------

// Generate forms a Proposal from a passed insight, runs the phase-4
// safety validation (forbidden patterns, target-path allow-list), and
// assigns its category.
func (p *Pipeline) Generate(ctx context.Context, insight ExtractedInsight, validation ValidationRecord, category Category, action ProposedAction, seq int) (Proposal, error) {
	if err := p.spend(300); err != nil {
		return Proposal{}, err
	}
	if validation.Decision != "passed" {
		return Proposal{}, fmt.Errorf("selfmod: cannot generate a proposal from a %s insight", validation.Decision)
	}

	if err := p.safetyValidateAction(action); err != nil {
		return Proposal{}, err
	}

	id := fmt.Sprintf("autolearn-%s-%03d", dayKey(time.Now()), seq)
	now := time.Now().UTC()
	proposal := Proposal{
		ID: id, Category: category, RiskTier: RiskTierOf(category),
		Action: action, Validation: validation, Status: StatusPending,
		CreatedAt: now, UpdatedAt: now,
		AcceptanceCriteria: defaultCriteria(category, action),
	}
	return proposal, nil
}

// defaultCriteria derives the acceptance criteria every proposal is
// held to after execution. File existence is always checked; a
// test-addition must additionally leave the suite green.
func defaultCriteria(category Category, action ProposedAction) []string {
	criteria := []string{fmt.Sprintf("file %s exists", action.TargetPath)}
	if category == CategoryTestAddition {
		criteria = append(criteria, "tests pass")
	}
	return criteria
}

func (p *Pipeline) safetyValidateAction(action ProposedAction) error {
	for _, re := range forbiddenExtractPatterns {
		if re.MatchString(action.Content) {
			return fmt.Errorf("selfmod: proposed action content matches a forbidden pattern")
		}
	}
	if len(p.AllowedTargetDirs) == 0 {
		return nil
	}
	for _, dir := range p.AllowedTargetDirs {
		if strings.HasPrefix(action.TargetPath, dir) {
			return nil
		}
	}
	return fmt.Errorf("selfmod: target path %q is outside the allowed prefixes", action.TargetPath)
}

// --- Phase 5: Approve ---------------------------------------------------

// Approve routes p by gate mode: morning-brief sends every
// proposal to PENDING; autonomous may advance non-HIGH-risk proposals
// from a graduated category straight to APPROVED.
func (p *Pipeline) Approve(ctx context.Context, proposal Proposal) (Proposal, error) {
	if err := p.spend(100); err != nil {
		return Proposal{}, err
	}

	if p.GateMode == trust.GateAutonomous && proposal.RiskTier != RiskHigh {
		status, err := p.Trust.Check(string(proposal.Category))
		if err == nil && status.Graduated {
			proposal.Status = StatusApproved
			proposal.UpdatedAt = time.Now().UTC()
			if err := p.Store.Save(proposal); err != nil {
				return proposal, err
			}
			return proposal, nil
		}
	}

	proposal.Status = StatusPending
	proposal.UpdatedAt = time.Now().UTC()
	if err := p.Store.Save(proposal); err != nil {
		return proposal, err
	}
	return proposal, nil
}

// --- Phase 6: Execute ---------------------------------------------------

// Execute checkpoints, invokes the external executor, verifies health,
// rolls back on a poisoned result, and updates the Trust Manager.
// Only APPROVED proposals may be executed.
func (p *Pipeline) Execute(ctx context.Context, proposal Proposal) (Proposal, error) {
	if err := p.spend(1000); err != nil {
		return proposal, err
	}
	if proposal.Status != StatusApproved {
		return proposal, fmt.Errorf("selfmod: proposal %s is not APPROVED (status=%s)", proposal.ID, proposal.Status)
	}

	if _, err := p.Checkpoint.Checkpoint(ctx, proposal.ID, proposal.Action.TargetPath); err != nil {
		return proposal, fmt.Errorf("selfmod: checkpoint before execute: %w", err)
	}

	transcript, err := p.Executor.Execute(ctx, proposal)
	if err != nil {
		return proposal, fmt.Errorf("selfmod: executor: %w", err)
	}

	result, err := p.Checkpoint.Verify(ctx, proposal.ID)
	if err != nil {
		return proposal, fmt.Errorf("selfmod: verify after execute: %w", err)
	}

	if result.Health.Poisoned {
		return p.rollBack(ctx, proposal,
			fmt.Sprintf("post-execution health score %d poisoned", result.Health.Score))
	}

	var scores []criterion.Score
	for _, text := range proposal.AcceptanceCriteria {
		s := criterion.Evaluate(criterion.Criterion{Text: text}, transcript)
		scores = append(scores, s)
		if s.Status == criterion.StatusFailed {
			return p.rollBack(ctx, proposal,
				fmt.Sprintf("acceptance criterion failed: %s (%s)", text, s.Evidence))
		}
	}
	proposal.CriteriaPassRate = criterion.AggregatePassRate(scores)

	proposal.Status = StatusExecuted
	proposal.UpdatedAt = time.Now().UTC()
	if err := p.Store.Save(proposal); err != nil {
		return proposal, err
	}
	if _, err := p.Trust.Record(proposal.ID, trust.OutcomeExecuted); err != nil {
		log.Printf("[Pipeline] trust record for executed %s failed: %v", proposal.ID, err)
	}
	return proposal, nil
}

// rollBack reverts the working tree to the proposal's checkpoint, marks
// it ROLLED_BACK with reason, and records the rejection with the Trust
// Manager.
func (p *Pipeline) rollBack(ctx context.Context, proposal Proposal, reason string) (Proposal, error) {
	if _, err := p.Checkpoint.Rollback(ctx, proposal.ID); err != nil {
		log.Printf("[Pipeline] rollback of %s failed: %v", proposal.ID, err)
	}
	proposal.Status = StatusRolledBack
	proposal.RolledBackReason = reason
	proposal.UpdatedAt = time.Now().UTC()
	if err := p.Store.Save(proposal); err != nil {
		return proposal, err
	}
	if _, err := p.Trust.Record(proposal.ID, trust.OutcomeRejected); err != nil {
		log.Printf("[Pipeline] trust record for rolled-back %s failed: %v", proposal.ID, err)
	}
	return proposal, nil
}
