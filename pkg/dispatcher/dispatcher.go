// Package dispatcher implements the hook protocol: reads
// one JSON hook record, routes it to the Policy Engine or Injection
// Detector by event/tool name, and renders a single JSON output record.
// Transport failures (a malformed or absent stdin record) fail open;
// policy decisions themselves remain fail-closed.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"time"

	"github.com/relayguard/aegis/pkg/checkpoint"
	"github.com/relayguard/aegis/pkg/eventlog"
	"github.com/relayguard/aegis/pkg/injection"
	"github.com/relayguard/aegis/pkg/policyengine"
)

// StdinReadTimeout is the hard bound on reading the hook's input record;
// absence of input within it means allow.
const StdinReadTimeout = 200 * time.Millisecond

// ToolInput is the tool_input object of a pre-tool record; which fields
// are populated depends on tool_name. Unknown fields are ignored.
type ToolInput struct {
	Command  string `json:"command,omitempty"`   // shell tools
	FilePath string `json:"file_path,omitempty"` // file tools
	Content  string `json:"content,omitempty"`   // write/edit/memory content
	IsDelete bool   `json:"is_delete,omitempty"` // file delete intent
}

// HookInput is the tagged-union JSON record read from stdin. Only the
// fields relevant to hook_event_name/tool_name are populated by a given
// caller; the rest are zero.
type HookInput struct {
	HookEventName string `json:"hook_event_name"`
	ToolName      string `json:"tool_name,omitempty"`
	SessionID     string `json:"session_id"`

	ToolInput      ToolInput `json:"tool_input"`                // pre-tool
	ToolOutput     string    `json:"tool_output,omitempty"`     // post-tool content to scan
	UserPrompt     string    `json:"user_prompt,omitempty"`     // user-prompt-submit
	Prompt         string    `json:"prompt,omitempty"`          // user-prompt-submit (alternate key)
	TranscriptPath string    `json:"transcript_path,omitempty"`
	Source         string    `json:"source,omitempty"`    // post-tool provenance label
	Principal      string    `json:"principal,omitempty"` // "full" or "verify", config-driven default applies if empty
}

// promptText returns whichever prompt field the caller populated.
func (in HookInput) promptText() string {
	if in.UserPrompt != "" {
		return in.UserPrompt
	}
	return in.Prompt
}

// HookOutput is the single JSON record written to stdout. Continue is a
// pointer so the confirm record ({"decision":"ask", ...}) omits it.
type HookOutput struct {
	Continue          *bool  `json:"continue,omitempty"`
	Decision          string `json:"decision,omitempty"` // "ask" on confirm
	Message           string `json:"message,omitempty"`
	AdditionalContext string `json:"additionalContext,omitempty"` // injection warn context
	StopReason        string `json:"stopReason,omitempty"`
}

// Allows reports whether the record lets the tool call proceed (confirm
// records count as not-yet-allowed).
func (o HookOutput) Allows() bool {
	return o.Decision == "" && (o.Continue == nil || *o.Continue)
}

// Allow is the plain {"continue":true} record.
func Allow() HookOutput {
	v := true
	return HookOutput{Continue: &v}
}

func allowWithContext(ctxText string) HookOutput {
	out := Allow()
	out.AdditionalContext = ctxText
	return out
}

func block(stopReason string) HookOutput {
	v := false
	return HookOutput{Continue: &v, StopReason: stopReason}
}

// ExitHardBlock is the dedicated non-zero exit code for a hard policy
// block.
const ExitHardBlock = 2

// Dispatcher routes one hook record to its collaborating component.
type Dispatcher struct {
	Shell      *policyengine.ShellValidator
	Path       *policyengine.PathValidator
	Detector   *injection.Detector
	Checkpoint *checkpoint.Manager
	Events     *eventlog.Sink

	// DefaultPromptTrustMode governs user-prompt-submit when the input
	// record doesn't specify a principal.
	DefaultPromptTrustMode injection.TrustMode
	// ProtectedMemoryPrefixes/WarnOnlyMemoryPrefixes classify a memory
	// write's target path.
	ProtectedMemoryPrefixes []string
	WarnOnlyMemoryPrefixes  []string
}

// ReadInput reads exactly one JSON record from r, bounded by
// StdinReadTimeout. A timeout or any read/parse error returns ok=false,
// which callers must treat as fail-open (allow).
func ReadInput(r io.Reader) (HookInput, bool) {
	type result struct {
		in  HookInput
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var in HookInput
		err := json.NewDecoder(r).Decode(&in)
		ch <- result{in, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return HookInput{}, false
		}
		return res.in, true
	case <-time.After(StdinReadTimeout):
		return HookInput{}, false
	}
}

// Dispatch routes in to the component its hook_event_name/tool_name
// selects and returns the rendered output plus the process exit code
// the caller should use.
func (d *Dispatcher) Dispatch(ctx context.Context, in HookInput) (HookOutput, int) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Dispatcher] recovered panic, failing open: %v", r)
		}
	}()

	switch in.HookEventName {
	case "pre-tool":
		return d.dispatchPreTool(ctx, in)
	case "post-tool":
		return d.dispatchPostTool(ctx, in)
	case "user-prompt-submit":
		return d.dispatchPrompt(ctx, in)
	case "session-start":
		return d.dispatchSessionStart(ctx, in)
	default:
		return Allow(), 0
	}
}

func (d *Dispatcher) dispatchPreTool(ctx context.Context, in HookInput) (HookOutput, int) {
	switch in.ToolName {
	case "Bash", "Shell":
		return d.renderPolicyVerdict(d.Shell.Validate(in.ToolInput.Command), "shell", in.ToolInput.Command)
	case "Write", "Edit", "Read":
		action := policyengine.ActionRead
		switch in.ToolName {
		case "Write":
			action = policyengine.ActionWrite
		case "Edit":
			action = policyengine.ActionWrite
		}
		if in.ToolInput.IsDelete {
			action = policyengine.ActionDelete
		}
		tool := policyengine.ToolOther
		if in.ToolName == "Write" {
			tool = policyengine.ToolWrite
		} else if in.ToolName == "Edit" {
			tool = policyengine.ToolEdit
		}
		verdict := d.Path.Validate(in.ToolInput.FilePath, action, tool)
		return d.renderPolicyVerdict(verdict, "path", in.ToolInput.FilePath)
	case "MemoryWrite":
		memPath := in.ToolInput.FilePath
		if resolved, err := filepath.EvalSymlinks(memPath); err == nil {
			memPath = resolved
		}
		class := injection.ClassifyMemoryPath(memPath, d.ProtectedMemoryPrefixes, d.WarnOnlyMemoryPrefixes)
		result := d.Detector.Scan(ctx, injection.Request{
			Text: in.ToolInput.Content, TrustMode: injection.TrustMemoryWrite, MemoryPath: class,
			SessionID: in.SessionID, Source: "memory_write",
		})
		return d.renderInjectionResult(result)
	default:
		return Allow(), 0
	}
}

func (d *Dispatcher) dispatchPostTool(ctx context.Context, in HookInput) (HookOutput, int) {
	result := d.Detector.Scan(ctx, injection.Request{
		Text: in.ToolOutput, TrustMode: injection.TrustExternal,
		SessionID: in.SessionID, Source: in.Source,
	})
	return d.renderInjectionResult(result)
}

func (d *Dispatcher) dispatchPrompt(ctx context.Context, in HookInput) (HookOutput, int) {
	mode := d.DefaultPromptTrustMode
	switch in.Principal {
	case "full":
		mode = injection.TrustPrincipalFull
	case "verify":
		mode = injection.TrustPrincipalVerify
	}
	if mode == "" {
		mode = injection.TrustPrincipalVerify
	}
	result := d.Detector.Scan(ctx, injection.Request{
		Text: in.promptText(), TrustMode: mode, SessionID: in.SessionID, Source: "user_prompt",
	})
	return d.renderInjectionResult(result)
}

func (d *Dispatcher) dispatchSessionStart(ctx context.Context, in HookInput) (HookOutput, int) {
	result := d.Checkpoint.HealthCheck(ctx)
	if result.Health.Poisoned {
		d.logEvent("session_start_poisoned", eventlog.SeverityCritical, "integrity manifest verify failed at session start", map[string]any{
			"score": result.Health.Score, "details": result.Details,
		})
		return allowWithContext(fmt.Sprintf("integrity check failed (score=%d); treat repository state as untrusted", result.Health.Score)), 0
	}
	return Allow(), 0
}

func (d *Dispatcher) renderPolicyVerdict(v policyengine.Verdict, kind, subject string) (HookOutput, int) {
	switch v.Decision {
	case policyengine.DecisionAllow:
		return Allow(), 0
	case policyengine.DecisionAlert:
		d.logEvent("policy_alert", eventlog.SeverityWarning, fmt.Sprintf("%s alert: %s", kind, v.Reason), map[string]any{"rule_id": v.RuleID})
		return Allow(), 0
	case policyengine.DecisionConfirm:
		d.logEvent("policy_confirm", eventlog.SeverityWarning, fmt.Sprintf("%s confirm: %s", kind, v.Reason), map[string]any{"rule_id": v.RuleID})
		return HookOutput{Decision: "ask", Message: v.Reason}, 0
	case policyengine.DecisionBlock:
		d.logEvent("policy_block", eventlog.SeverityCritical, fmt.Sprintf("%s block: %s", kind, v.Reason), map[string]any{"rule_id": v.RuleID})
		return block(fmt.Sprintf("BLOCKED: %s", v.Reason)), ExitHardBlock
	default:
		return Allow(), 0
	}
}

func (d *Dispatcher) renderInjectionResult(result injection.Result) (HookOutput, int) {
	switch result.Action {
	case injection.ActionSkip, injection.ActionLog:
		return Allow(), 0
	case injection.ActionWarn:
		return allowWithContext(result.Context), 0
	case injection.ActionBlock:
		// Injection blocks stop the content, not the process: the record
		// carries continue:false and the hook still exits 0. Exit code 2
		// is reserved for path/shell policy violations.
		d.logEvent("injection_block", eventlog.SeverityCritical, result.StopReason, nil)
		return block(result.StopReason), 0
	default:
		return Allow(), 0
	}
}

func (d *Dispatcher) logEvent(kind, severity, summary string, payload map[string]any) {
	if d.Events == nil {
		return
	}
	d.Events.MustWrite(eventlog.Event{Kind: kind, Severity: severity, Summary: summary, Payload: payload})
}
