// Package checkpoint implements Checkpoint & Health: a
// pre-execution snapshot of critical paths plus the current VCS commit,
// a post-execution health check against a fixed weighted rubric, and
// rollback to the snapshot when a poisoned state is detected.
package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HealthSignals is the full set of post-execution checks,
// plus the derived weighted Score and Poisoned flag.
type HealthSignals struct {
	VCSClean              bool `yaml:"vcs_clean" json:"vcs_clean"`
	SyntaxValid           bool `yaml:"syntax_valid" json:"syntax_valid"`
	ConfigParseable       bool `yaml:"config_parseable" json:"config_parseable"`
	NoForbiddenPatterns   bool `yaml:"no_forbidden_patterns" json:"no_forbidden_patterns"`
	IndexValid            bool `yaml:"index_valid" json:"index_valid"`
	CriticalFilesExist    bool `yaml:"critical_files_exist" json:"critical_files_exist"`
	NoUnexpectedDeletions bool `yaml:"no_unexpected_deletions" json:"no_unexpected_deletions"`

	Score    int  `yaml:"score" json:"score"`
	Poisoned bool `yaml:"poisoned" json:"poisoned"`
}

// weights is the fixed health rubric, summing to 100.
var weights = map[string]int{
	"forbidden_patterns": 25,
	"syntax":             20,
	"config_parseable":   15,
	"index_valid":        15,
	"critical_files":     15,
	"vcs_clean":          5,
	"no_deletions":       5,
}

// derive computes Score and Poisoned from the individual signals.
func (h *HealthSignals) derive() {
	score := 0
	if h.NoForbiddenPatterns {
		score += weights["forbidden_patterns"]
	}
	if h.SyntaxValid {
		score += weights["syntax"]
	}
	if h.ConfigParseable {
		score += weights["config_parseable"]
	}
	if h.IndexValid {
		score += weights["index_valid"]
	}
	if h.CriticalFilesExist {
		score += weights["critical_files"]
	}
	if h.VCSClean {
		score += weights["vcs_clean"]
	}
	if h.NoUnexpectedDeletions {
		score += weights["no_deletions"]
	}
	h.Score = score
	// Poisoned iff any of forbidden-patterns, critical-files, index-valid,
	// config-parseable failed.
	h.Poisoned = !h.NoForbiddenPatterns || !h.CriticalFilesExist || !h.IndexValid || !h.ConfigParseable
}

// Checkpoint is the pre-execution snapshot.
type Checkpoint struct {
	TaskID       string            `yaml:"task_id"`
	CreatedAt    time.Time         `yaml:"created_at"`
	VCSCommit    string            `yaml:"vcs_commit"`
	VCSBranch    string            `yaml:"vcs_branch"`
	FileHashes   map[string]string `yaml:"file_hashes"`
	HealthBefore HealthSignals     `yaml:"health_before"`
}

// VerifyResult is the outcome of Manager.Verify.
type VerifyResult struct {
	Health  HealthSignals
	Details []string
}

// Manager owns the checkpoint store and the repository root it operates
// against.
type Manager struct {
	Root           string   // VCS/working-tree root
	CheckpointDir  string   // where checkpoints/<task-id>.yaml are written
	CriticalFiles  []string // fixed set, relative to Root
	ForbiddenRegex []*regexp.Regexp
	IndexPaths     []string // paths whose presence constitutes "index valid" (e.g. a search index, a manifest)
	ConfigPaths    []string // YAML/JSON config files that must remain parseable

	history []historyEntry
}

type historyEntry struct {
	TaskID string
	At     time.Time
	Health HealthSignals
}

// NewManager builds a Manager. criticalFiles/indexPaths/configPaths are
// relative to root.
func NewManager(root, checkpointDir string, criticalFiles, indexPaths, configPaths []string, forbidden []string) *Manager {
	var compiled []*regexp.Regexp
	for _, p := range forbidden {
		if re, err := regexp.Compile(p); err == nil {
			compiled = append(compiled, re)
		} else {
			log.Printf("[Checkpoint] invalid forbidden pattern %q, skipping: %v", p, err)
		}
	}
	return &Manager{
		Root:           root,
		CheckpointDir:  checkpointDir,
		CriticalFiles:  criticalFiles,
		ForbiddenRegex: compiled,
		IndexPaths:     indexPaths,
		ConfigPaths:    configPaths,
	}
}

func (m *Manager) path(taskID string) string {
	return filepath.Join(m.CheckpointDir, taskID+".yaml")
}

// Checkpoint records the current VCS commit/branch, hashes the critical
// files (plus any extra target path, e.g. an APPROVED proposal's target),
// runs health, and persists the snapshot. Written once;
// immutable after create.
func (m *Manager) Checkpoint(ctx context.Context, taskID string, extraTargets ...string) (Checkpoint, error) {
	commit, branch, err := vcsState(ctx, m.Root)
	if err != nil {
		log.Printf("[Checkpoint] vcs state unavailable for %s: %v", taskID, err)
	}

	files := append(append([]string{}, m.CriticalFiles...), extraTargets...)
	hashes := map[string]string{}
	for _, f := range files {
		if h, err := hashFile(filepath.Join(m.Root, f)); err == nil {
			hashes[f] = h
		}
	}

	health := m.runHealth(ctx, nil)

	cp := Checkpoint{
		TaskID:       taskID,
		CreatedAt:    time.Now().UTC(),
		VCSCommit:    commit,
		VCSBranch:    branch,
		FileHashes:   hashes,
		HealthBefore: health,
	}

	encoded, err := yaml.Marshal(cp)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: marshal: %w", err)
	}
	if err := os.MkdirAll(m.CheckpointDir, 0o755); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: mkdir: %w", err)
	}
	if err := os.WriteFile(m.path(taskID), encoded, 0o644); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: write: %w", err)
	}

	return cp, nil
}

// Load reads a previously-written checkpoint.
func (m *Manager) Load(taskID string) (Checkpoint, error) {
	raw, err := os.ReadFile(m.path(taskID))
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: load %s: %w", taskID, err)
	}
	var cp Checkpoint
	if err := yaml.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: parse %s: %w", taskID, err)
	}
	return cp, nil
}

// HealthCheck runs the health rubric against the current working tree
// without requiring a prior checkpoint, for the Hook Dispatcher's
// session-start integrity check.
func (m *Manager) HealthCheck(ctx context.Context) VerifyResult {
	var details []string
	return VerifyResult{Health: m.runHealth(ctx, &details), Details: details}
}

// Verify re-runs the health rubric and appends to the in-process health
// history.
func (m *Manager) Verify(ctx context.Context, taskID string) (VerifyResult, error) {
	cp, err := m.Load(taskID)
	if err != nil {
		return VerifyResult{}, err
	}
	var details []string
	health := m.runHealth(ctx, &details)

	m.history = append(m.history, historyEntry{TaskID: taskID, At: time.Now().UTC(), Health: health})
	_ = cp

	return VerifyResult{Health: health, Details: details}, nil
}

// Rollback stashes current working state, hard-resets VCS to the
// checkpoint's commit, and re-verifies. If the state is still poisoned
// after rollback, it surfaces a terminal failure.
func (m *Manager) Rollback(ctx context.Context, taskID string) (VerifyResult, error) {
	cp, err := m.Load(taskID)
	if err != nil {
		return VerifyResult{}, err
	}
	if cp.VCSCommit == "" {
		return VerifyResult{}, fmt.Errorf("checkpoint: rollback %s: no recorded VCS commit", taskID)
	}

	stashArgs := append([]string{"stash", "push", "-u", "-m", "aegis-rollback-" + taskID}, m.checkpointPathspec()...)
	if _, err := runGit(ctx, m.Root, stashArgs...); err != nil {
		log.Printf("[Checkpoint] stash before rollback of %s failed (continuing): %v", taskID, err)
	}
	if _, err := runGit(ctx, m.Root, "reset", "--hard", cp.VCSCommit); err != nil {
		return VerifyResult{}, fmt.Errorf("checkpoint: hard reset to %s: %w", cp.VCSCommit, err)
	}

	result, err := m.Verify(ctx, taskID)
	if err != nil {
		return VerifyResult{}, err
	}
	if result.Health.Poisoned {
		return result, fmt.Errorf("checkpoint: rollback of %s left a poisoned state (score=%d)", taskID, result.Health.Score)
	}
	return result, nil
}

// runHealth computes every HealthSignals field against the current
// working tree.
func (m *Manager) runHealth(ctx context.Context, details *[]string) HealthSignals {
	note := func(s string) {
		if details != nil {
			*details = append(*details, s)
		}
	}

	h := HealthSignals{}

	h.VCSClean = vcsClean(ctx, m.Root, m.checkpointPathspec()...)
	note(fmt.Sprintf("vcs_clean=%v", h.VCSClean))

	h.SyntaxValid = m.allSyntaxValid()
	note(fmt.Sprintf("syntax_valid=%v", h.SyntaxValid))

	h.ConfigParseable = m.allConfigParseable()
	note(fmt.Sprintf("config_parseable=%v", h.ConfigParseable))

	h.NoForbiddenPatterns = m.noForbiddenPatterns()
	note(fmt.Sprintf("no_forbidden_patterns=%v", h.NoForbiddenPatterns))

	h.IndexValid = m.indexValid()
	note(fmt.Sprintf("index_valid=%v", h.IndexValid))

	h.CriticalFilesExist = m.criticalFilesExist()
	note(fmt.Sprintf("critical_files_exist=%v", h.CriticalFilesExist))

	h.NoUnexpectedDeletions = m.noUnexpectedDeletions(ctx)
	note(fmt.Sprintf("no_unexpected_deletions=%v", h.NoUnexpectedDeletions))

	h.derive()
	return h
}

func (m *Manager) criticalFilesExist() bool {
	for _, f := range m.CriticalFiles {
		if _, err := os.Stat(filepath.Join(m.Root, f)); err != nil {
			return false
		}
	}
	return true
}

func (m *Manager) indexValid() bool {
	if len(m.IndexPaths) == 0 {
		return true
	}
	for _, p := range m.IndexPaths {
		if _, err := os.Stat(filepath.Join(m.Root, p)); err != nil {
			return false
		}
	}
	return true
}

func (m *Manager) allConfigParseable() bool {
	for _, p := range m.ConfigPaths {
		full := filepath.Join(m.Root, p)
		raw, err := os.ReadFile(full)
		if err != nil {
			continue // absent config is not this check's concern
		}
		var out any
		if strings.HasSuffix(p, ".json") {
			if !looksLikeValidJSON(raw) {
				return false
			}
			continue
		}
		if err := yaml.Unmarshal(raw, &out); err != nil {
			return false
		}
	}
	return true
}

func looksLikeValidJSON(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return true
	}
	return trimmed[0] == '{' || trimmed[0] == '['
}

func (m *Manager) allSyntaxValid() bool {
	for _, f := range m.CriticalFiles {
		if !strings.HasSuffix(f, ".go") {
			continue
		}
		full := filepath.Join(m.Root, f)
		if _, err := os.Stat(full); err != nil {
			continue
		}
		// A dedicated AST check belongs to an external build/vet step; the
		// checkpoint manager's own syntax gate is a best-effort brace
		// balance scan so this health signal works even when no Go
		// toolchain is available in the process running the pipeline.
		if !balancedBraces(full) {
			return false
		}
	}
	return true
}

func balancedBraces(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer func() { _ = f.Close() }()

	depth := 0
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		for _, b := range buf[:n] {
			switch b {
			case '{':
				depth++
			case '}':
				depth--
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return true
		}
	}
	return depth == 0
}

func (m *Manager) noForbiddenPatterns() bool {
	if len(m.ForbiddenRegex) == 0 {
		return true
	}
	for _, f := range m.CriticalFiles {
		full := filepath.Join(m.Root, f)
		raw, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		text := string(raw)
		for _, re := range m.ForbiddenRegex {
			if re.MatchString(text) {
				return false
			}
		}
	}
	return true
}

func (m *Manager) noUnexpectedDeletions(ctx context.Context) bool {
	out, err := runGit(ctx, m.Root, "status", "--porcelain")
	if err != nil {
		return true // no VCS available: cannot assert deletions, assume clean
	}
	for _, line := range strings.Split(out, "\n") {
		if len(line) >= 2 && (line[0] == 'D' || line[1] == 'D') {
			return false
		}
	}
	return true
}

func vcsClean(ctx context.Context, root string, pathspec ...string) bool {
	out, err := runGit(ctx, root, append([]string{"status", "--porcelain"}, pathspec...)...)
	if err != nil {
		return true
	}
	return strings.TrimSpace(out) == ""
}

// checkpointPathspec keeps CheckpointDir out of git status and stash when
// it lives inside Root, so writing a checkpoint does not itself dirty the
// tree and a rollback's stash leaves the checkpoint file in place.
func (m *Manager) checkpointPathspec() []string {
	rel, err := filepath.Rel(m.Root, m.CheckpointDir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil
	}
	return []string{"--", ".", ":(exclude)" + filepath.ToSlash(rel)}
}

func vcsState(ctx context.Context, root string) (commit, branch string, err error) {
	commit, err = runGit(ctx, root, "rev-parse", "HEAD")
	if err != nil {
		return "", "", err
	}
	branch, err = runGit(ctx, root, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return strings.TrimSpace(commit), "", err
	}
	return strings.TrimSpace(commit), strings.TrimSpace(branch), nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, out.String())
	}
	return out.String(), nil
}

// hashFile returns a short SHA-256 prefix of path's content.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}
