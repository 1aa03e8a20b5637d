// Package policyengine implements the shell-command and filesystem-path
// validators: rule-list matching with a first-match-wins
// decision, and a config cascade that fails closed to a minimal built-in
// deny set when no policy file is present or parseable.
package policyengine

import (
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// Decision is the validator's verdict.
type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionBlock   Decision = "block"
	DecisionConfirm Decision = "confirm"
	DecisionAlert   Decision = "alert"
)

// Verdict is the outcome of a shell or path validation.
type Verdict struct {
	Decision Decision
	RuleID   string
	Reason   string
}

// Rule is one regex-or-literal matcher within a rule list.
type Rule struct {
	ID      string `yaml:"id"`
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`
}

// Policy is the loaded, immutable ruleset for both validators.
type Policy struct {
	Shell ShellPolicy `yaml:"shell"`
	Path  PathPolicy  `yaml:"path"`
}

// ShellPolicy holds the three shell rule lists, checked in this order:
// blocked, confirm, alert — first match wins.
type ShellPolicy struct {
	Blocked []Rule `yaml:"blocked"`
	Confirm []Rule `yaml:"confirm"`
	Alert   []Rule `yaml:"alert"`
}

// PathPolicy holds the five path rule lists.
type PathPolicy struct {
	ZeroAccess   []Rule `yaml:"zero_access"`
	ReadOnly     []Rule `yaml:"read_only"`
	ConfirmWrite []Rule `yaml:"confirm_write"`
	NoDelete     []Rule `yaml:"no_delete"`
	EditOnly     []Rule `yaml:"edit_only"`
}

// builtinDenyPolicy is the fail-closed fallback used when no policy file
// can be loaded.
func builtinDenyPolicy() Policy {
	return Policy{
		Shell: ShellPolicy{
			Blocked: []Rule{
				{ID: "builtin-rm-rf-root", Pattern: `rm\s+-rf\s+/\s*$`, Reason: "recursive delete of root filesystem"},
				{ID: "builtin-rm-rf-home", Pattern: `rm\s+-rf\s+~`, Reason: "recursive delete of home directory"},
				{ID: "builtin-format", Pattern: `\b(mkfs|format)\b`, Reason: "filesystem format command"},
				{ID: "builtin-disk-overwrite", Pattern: `dd\s+.*of=/dev/(sd|nvme|hd)`, Reason: "raw disk overwrite"},
			},
		},
		Path: PathPolicy{
			ZeroAccess: []Rule{
				{ID: "builtin-ssh-keys", Pattern: `\.ssh/id_(rsa|ed25519|ecdsa)$`, Reason: "SSH private key"},
				{ID: "builtin-cloud-creds", Pattern: `\.(aws|gcloud|azure)/credentials`, Reason: "cloud credential file"},
				{ID: "builtin-dotenv", Pattern: `(^|/)\.env(\.[a-zA-Z0-9_-]+)?$`, Reason: "environment secrets file"},
			},
		},
	}
}

// Load implements the cascade: user path, then system path. A path that
// is absent or fails to parse is skipped; when both are, Load falls back
// to the built-in deny set.
func Load(userPath, systemPath string) Policy {
	if p, ok := loadFile(userPath); ok {
		return p
	}
	if p, ok := loadFile(systemPath); ok {
		return p
	}
	log.Printf("[PolicyEngine] no policy file found at %s or %s, using built-in deny set", userPath, systemPath)
	return builtinDenyPolicy()
}

func loadFile(path string) (Policy, bool) {
	if path == "" {
		return Policy{}, false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, false
	}
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		log.Printf("[PolicyEngine] failed to parse policy %s: %v", path, err)
		return Policy{}, false
	}
	return p, true
}
