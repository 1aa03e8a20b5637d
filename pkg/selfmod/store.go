package selfmod

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/relayguard/aegis/pkg/filelock"
)

// ProposalStore persists proposals under
// root/{PENDING,APPROVED,EXECUTED}/<id>.yaml. The ledger (pkg/trust) is the
// authoritative truth for score state; a proposal file can always be
// reconstructed from the ledger plus this store; no cross-file
// transaction is ever needed.
type ProposalStore struct {
	Root string
}

// NewProposalStore returns a store rooted at root (typically <state-dir>/proposals).
func NewProposalStore(root string) *ProposalStore {
	return &ProposalStore{Root: root}
}

func statusDir(status ProposalStatus) string {
	switch status {
	case StatusPending:
		return "PENDING"
	case StatusApproved:
		return "APPROVED"
	case StatusExecuted:
		return "EXECUTED"
	default:
		return "PENDING"
	}
}

func (s *ProposalStore) pathFor(status ProposalStatus, id string) string {
	return filepath.Join(s.Root, statusDir(status), id+".yaml")
}

// Save writes p into the directory matching its current Status, removing
// any stale copy under a different status directory (a proposal lives in
// exactly one status directory at a time).
func (s *ProposalStore) Save(p Proposal) error {
	encoded, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("selfmod: marshal proposal %s: %w", p.ID, err)
	}

	for _, st := range []ProposalStatus{StatusPending, StatusApproved, StatusExecuted} {
		if st == p.Status {
			continue
		}
		_ = os.Remove(s.pathFor(st, p.ID))
	}

	target := s.pathFor(p.Status, p.ID)
	return filelock.AtomicWriteFile(target, encoded, 0o644)
}

// Load finds p.ID across the three status directories and parses it.
func (s *ProposalStore) Load(id string) (Proposal, error) {
	for _, st := range []ProposalStatus{StatusPending, StatusApproved, StatusExecuted} {
		raw, err := os.ReadFile(s.pathFor(st, id))
		if err != nil {
			continue
		}
		var p Proposal
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return Proposal{}, fmt.Errorf("selfmod: parse proposal %s: %w", id, err)
		}
		return p, nil
	}
	return Proposal{}, fmt.Errorf("selfmod: proposal %s not found", id)
}

// List returns every proposal currently filed under status.
func (s *ProposalStore) List(status ProposalStatus) ([]Proposal, error) {
	dir := filepath.Join(s.Root, statusDir(status))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("selfmod: list %s: %w", dir, err)
	}
	var out []Proposal
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var p Proposal
		if err := yaml.Unmarshal(raw, &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// CategoryResolver adapts the store to trust.CategoryResolver, resolving
// a proposal ID (used as trust's task_id) to its category and risk tier.
func (s *ProposalStore) CategoryResolver(id string) (string, string, error) {
	p, err := s.Load(id)
	if err != nil {
		return "", "", err
	}
	return string(p.Category), string(p.RiskTier), nil
}
