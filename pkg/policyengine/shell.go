package policyengine

import "regexp"

// envAssignment matches one leading `NAME=value ` shell-form assignment,
// quoted or unquoted, at the start of a command.
var envAssignment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=(?:'[^']*'|"[^"]*"|\S*)\s+`)

// normalizeShellCommand strips zero or more leading environment-variable
// assignments before rule matching.
func normalizeShellCommand(cmd string) string {
	for {
		loc := envAssignment.FindStringIndex(cmd)
		if loc == nil || loc[0] != 0 {
			return cmd
		}
		cmd = cmd[loc[1]:]
	}
}

// ShellValidator checks shell commands against the loaded blocked/
// confirm/alert rule lists.
type ShellValidator struct {
	policy  ShellPolicy
	blocked compiledRules
	confirm compiledRules
	alert   compiledRules
}

// NewShellValidator compiles the policy's three rule lists once.
func NewShellValidator(policy ShellPolicy) *ShellValidator {
	return &ShellValidator{
		policy:  policy,
		blocked: compileRules(policy.Blocked),
		confirm: compileRules(policy.Confirm),
		alert:   compileRules(policy.Alert),
	}
}

// Validate normalizes cmd and checks it against blocked, then confirm,
// then alert, first match wins. An unmatched command allows.
func (v *ShellValidator) Validate(cmd string) Verdict {
	normalized := normalizeShellCommand(cmd)

	if r, ok := v.blocked.match(normalized); ok {
		return Verdict{Decision: DecisionBlock, RuleID: r.ID, Reason: r.Reason}
	}
	if r, ok := v.confirm.match(normalized); ok {
		return Verdict{Decision: DecisionConfirm, RuleID: r.ID, Reason: r.Reason}
	}
	if r, ok := v.alert.match(normalized); ok {
		return Verdict{Decision: DecisionAlert, RuleID: r.ID, Reason: r.Reason}
	}
	return Verdict{Decision: DecisionAllow}
}
