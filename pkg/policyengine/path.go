package policyengine

import (
	"os"
	"path/filepath"
	"strings"
)

// Action is the filesystem action a path validation is checking.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
)

// Tool distinguishes the Write tool (creates/overwrites whole files) from
// the Edit tool (in-place patch), which edit_only rules must tell apart.
type Tool string

const (
	ToolWrite Tool = "Write"
	ToolEdit  Tool = "Edit"
	ToolOther Tool = ""
)

// PathValidator checks filesystem paths against the loaded rule lists.
type PathValidator struct {
	zeroAccess   compiledRules
	readOnly     compiledRules
	confirmWrite compiledRules
	noDelete     compiledRules
	editOnly     compiledRules
}

// NewPathValidator compiles the policy's five path rule lists.
func NewPathValidator(policy PathPolicy) *PathValidator {
	return &PathValidator{
		zeroAccess:   compileRules(policy.ZeroAccess),
		readOnly:     compileRules(policy.ReadOnly),
		confirmWrite: compileRules(policy.ConfirmWrite),
		noDelete:     compileRules(policy.NoDelete),
		editOnly:     compileRules(policy.EditOnly),
	}
}

// resolvePath symlink-resolves an existing path, or lexically normalizes
// it otherwise; ~ expands to the user home.
func resolvePath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}

	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// Validate checks path (for the given action and originating tool)
// against the zero_access, no_delete, read_only, edit_only, and
// confirm_write rule lists, in that priority order.
func (v *PathValidator) Validate(path string, action Action, tool Tool) Verdict {
	resolved := resolvePath(path)

	if r, ok := v.zeroAccess.match(resolved); ok {
		return Verdict{Decision: DecisionBlock, RuleID: r.ID, Reason: "Zero access path: " + r.Reason}
	}

	if action == ActionDelete {
		if r, ok := v.noDelete.match(resolved); ok {
			return Verdict{Decision: DecisionBlock, RuleID: r.ID, Reason: "Delete-protected path: " + r.Reason}
		}
	}

	if action == ActionWrite || action == ActionDelete {
		if r, ok := v.readOnly.match(resolved); ok {
			return Verdict{Decision: DecisionBlock, RuleID: r.ID, Reason: "Read-only path: " + r.Reason}
		}
	}

	if action == ActionWrite {
		if r, ok := v.editOnly.match(resolved); ok && tool == ToolWrite {
			return Verdict{Decision: DecisionBlock, RuleID: r.ID, Reason: r.Reason + " (Write tool denied; use Edit)"}
		}
		if r, ok := v.confirmWrite.match(resolved); ok {
			return Verdict{Decision: DecisionConfirm, RuleID: r.ID, Reason: r.Reason}
		}
	}

	return Verdict{Decision: DecisionAllow}
}
