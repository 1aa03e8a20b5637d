// Package trust implements the per-category trust ledger: a
// score ledger with a graduation threshold, score adjustment on proposal
// outcomes, and an append-only audit trail. Graduation is what lets the
// Self-Modification Pipeline route a category's future proposals straight
// to APPROVED instead of PENDING human review.
package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relayguard/aegis/pkg/filelock"
)

// GateMode governs how Approve (selfmod phase 5) treats a graduated
// category.
type GateMode string

const (
	GateMorningBrief GateMode = "morning-brief" // every proposal goes to PENDING
	GateAutonomous   GateMode = "autonomous"    // graduated, non-HIGH-risk proposals may auto-approve
)

// Outcome is the event that triggers a score adjustment.
type Outcome string

const (
	OutcomeApprovedClean Outcome = "approved_clean"
	OutcomeApprovedMinor Outcome = "approved_minor"
	OutcomeApprovedMajor Outcome = "approved_major"
	OutcomeRejected      Outcome = "rejected"
	OutcomeExecuted      Outcome = "executed"
)

// scoreDelta is the fixed adjustment table.
var scoreDelta = map[Outcome]int{
	OutcomeApprovedClean: 10,
	OutcomeApprovedMinor: 5,
	OutcomeApprovedMajor: 2,
	OutcomeRejected:      -15,
	OutcomeExecuted:      0,
}

// HighRiskCategories never graduate regardless of score.
var HighRiskCategories = map[string]bool{
	"security":       true,
	"infrastructure": true,
}

const defaultGraduationThreshold = 80

// AuditEntry is one append-only record of a score adjustment or
// graduation/demotion transition.
type AuditEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	TaskID      string    `json:"task_id"`
	Category    string    `json:"category"`
	Outcome     Outcome   `json:"outcome"`
	ScoreBefore int       `json:"score_before"`
	ScoreAfter  int       `json:"score_after"`
	Graduated   bool      `json:"graduated"`
	Transition  string    `json:"transition,omitempty"` // "graduated" | "demoted" | ""
}

// ledgerFile is the on-disk shape of trust-ledger.yaml.
type ledgerFile struct {
	Scores map[string]int `yaml:"scores"`
}

// Status is the per-category derived view Check/status return.
type Status struct {
	Score     int    `json:"score"`
	RiskTier  string `json:"risk_tier"`
	Graduated bool   `json:"graduated"`
}

// CategoryResolver looks up the category a task_id's proposal belongs
// to. The selfmod package supplies the concrete implementation; trust only
// depends on this narrow interface to avoid an import cycle.
type CategoryResolver func(taskID string) (category string, riskTier string, err error)

// Manager owns one persisted TrustLedger plus its audit trail.
type Manager struct {
	LedgerPath      string
	HistoryPath     string
	GateMode        GateMode
	Threshold       int
	ResolveCategory CategoryResolver

	locker filelock.Locker
}

// NewManager builds a Manager backed by ledgerPath/historyPath, using
// filelock.FromEnv's locker (an OS-level file lock, or Redis when
// AEGIS_REDIS_URL is set) for the serialized read-modify-write critical
// section; concurrent callers are serialized.
func NewManager(ledgerPath, historyPath string, mode GateMode, resolver CategoryResolver) *Manager {
	return &Manager{
		LedgerPath:      ledgerPath,
		HistoryPath:     historyPath,
		GateMode:        mode,
		Threshold:       defaultGraduationThreshold,
		ResolveCategory: resolver,
		locker:          filelock.FromEnv(),
	}
}

func (m *Manager) load() (ledgerFile, error) {
	raw, err := os.ReadFile(m.LedgerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return ledgerFile{Scores: map[string]int{}}, nil
		}
		return ledgerFile{}, err
	}
	var lf ledgerFile
	if err := yaml.Unmarshal(raw, &lf); err != nil {
		log.Printf("[TrustManager] corrupted ledger %s, reinitializing: %v", m.LedgerPath, err)
		return ledgerFile{Scores: map[string]int{}}, nil
	}
	if lf.Scores == nil {
		lf.Scores = map[string]int{}
	}
	return lf, nil
}

func (m *Manager) save(lf ledgerFile) error {
	encoded, err := yaml.Marshal(lf)
	if err != nil {
		return err
	}
	return filelock.AtomicWriteFile(m.LedgerPath, encoded, 0o644)
}

func (m *Manager) appendAudit(entry AuditEntry) {
	line, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[TrustManager] audit marshal failed: %v", err)
		return
	}
	f, err := os.OpenFile(m.HistoryPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[TrustManager] audit open failed: %v", err)
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		log.Printf("[TrustManager] audit write failed: %v", err)
	}
}

// graduated reports whether category has crossed its graduation
// threshold under the current gate mode. HIGH-risk categories never
// graduate, regardless of score.
func (m *Manager) graduated(category string, score int) bool {
	if m.GateMode != GateAutonomous {
		return false
	}
	if HighRiskCategories[category] {
		return false
	}
	return score >= m.Threshold
}

// riskTier buckets category by name for display; the authoritative
// HIGH-risk set used for graduation is HighRiskCategories.
func riskTier(category string) string {
	if HighRiskCategories[category] {
		return "HIGH"
	}
	switch category {
	case "documentation", "test-addition":
		return "LOW"
	default:
		return "MEDIUM"
	}
}

// Check returns the current score, risk tier, and graduation status for
// category.
func (m *Manager) Check(category string) (Status, error) {
	lf, err := m.load()
	if err != nil {
		return Status{}, fmt.Errorf("trust: check: %w", err)
	}
	score := lf.Scores[category]
	return Status{Score: score, RiskTier: riskTier(category), Graduated: m.graduated(category, score)}, nil
}

// StatusAll returns the full ledger plus each category's graduation
// derivation.
func (m *Manager) StatusAll() (map[string]Status, error) {
	lf, err := m.load()
	if err != nil {
		return nil, fmt.Errorf("trust: status: %w", err)
	}
	out := make(map[string]Status, len(lf.Scores))
	for cat, score := range lf.Scores {
		out[cat] = Status{Score: score, RiskTier: riskTier(cat), Graduated: m.graduated(cat, score)}
	}
	return out, nil
}

// Record applies outcome's score delta to taskID's category, clamps to
// [0,100], appends an audit entry, and detects graduation/demotion
// transitions. Category is resolved from the proposal store via
// m.ResolveCategory, which locates the proposal file to infer its
// category.
func (m *Manager) Record(taskID string, outcome Outcome) (AuditEntry, error) {
	category, _, err := m.ResolveCategory(taskID)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("trust: resolve category for %s: %w", taskID, err)
	}

	var entry AuditEntry
	lockErr := m.locker.WithLock(context.Background(), m.LedgerPath, func() error {
		lf, err := m.load()
		if err != nil {
			return err
		}

		before := lf.Scores[category]
		wasGraduated := m.graduated(category, before)

		after := before + scoreDelta[outcome]
		if after < 0 {
			after = 0
		}
		if after > 100 {
			after = 100
		}
		lf.Scores[category] = after

		nowGraduated := m.graduated(category, after)
		transition := ""
		if nowGraduated && !wasGraduated {
			transition = "graduated"
		} else if wasGraduated && !nowGraduated {
			transition = "demoted"
		}

		entry = AuditEntry{
			Timestamp:   time.Now().UTC(),
			TaskID:      taskID,
			Category:    category,
			Outcome:     outcome,
			ScoreBefore: before,
			ScoreAfter:  after,
			Graduated:   nowGraduated,
			Transition:  transition,
		}

		if err := m.save(lf); err != nil {
			return err
		}
		m.appendAudit(entry)
		return nil
	})
	if lockErr != nil {
		return AuditEntry{}, fmt.Errorf("trust: record: %w", lockErr)
	}
	return entry, nil
}
