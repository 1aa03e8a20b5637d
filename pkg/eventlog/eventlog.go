// Package eventlog implements the append-only structured-event sink every
// other component writes through: policy decisions, injection verdicts,
// rate-limit outcomes, self-mod pipeline phases. Writes are best-effort;
// a logging failure must never block or fail the caller's real operation.
package eventlog

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Event is one structured record. Kind and Severity are required; Payload
// carries whatever fields are specific to the emitting component.
type Event struct {
	Kind      string         `json:"kind"`
	Severity  string         `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Summary   string         `json:"summary,omitempty"` // used to derive the filename slug
	Payload   map[string]any `json:"payload,omitempty"`
}

// Severity levels.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Sink writes Events to a month-partitioned, content-addressed-slug
// directory layout under Root: YYYY/MM/{kind}-{slug}-{ts}.jsonl.
type Sink struct {
	Root string
}

// NewSink returns a Sink rooted at root (typically <state-dir>/events).
func NewSink(root string) *Sink {
	return &Sink{Root: root}
}

var slugNonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// slugify derives a 1-5 word lowercased alphanumeric summary from text.
func slugify(text string) string {
	if text == "" {
		return "event"
	}
	words := strings.Fields(strings.ToLower(text))
	if len(words) > 5 {
		words = words[:5]
	}
	joined := strings.Join(words, "-")
	joined = slugNonAlnum.ReplaceAllString(joined, "-")
	joined = strings.Trim(joined, "-")
	for strings.Contains(joined, "--") {
		joined = strings.ReplaceAll(joined, "--", "-")
	}
	if joined == "" {
		return "event"
	}
	return joined
}

// Write persists an event. It never returns an error condition that
// should abort the caller's own operation — callers should log the
// returned error (if any) and continue; the eventlog package itself never
// panics on a write failure.
func (s *Sink) Write(e Event) (path string, writeErr error) {
	defer func() {
		if r := recover(); r != nil {
			writeErr = fmt.Errorf("eventlog: recovered panic: %v", r)
			log.Printf("[EventLog] write panic recovered: %v", r)
		}
	}()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	ts := e.Timestamp.UTC()

	dir := filepath.Join(s.Root, fmt.Sprintf("%04d", ts.Year()), fmt.Sprintf("%02d", ts.Month()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("[EventLog] mkdir %s failed: %v", dir, err)
		return "", err
	}

	slug := slugify(e.Summary)
	// Second-granularity bucketing: events of the same kind+slug within
	// the same second append to one file, consistent with "append-only
	// semantics within a file".
	fname := fmt.Sprintf("%s-%s-%d.jsonl", e.Kind, slug, ts.Unix())
	full := filepath.Join(dir, fname)

	f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[EventLog] open %s failed: %v", full, err)
		return "", err
	}
	defer func() { _ = f.Close() }()

	line, err := json.Marshal(e)
	if err != nil {
		log.Printf("[EventLog] marshal failed: %v", err)
		return "", err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		log.Printf("[EventLog] write %s failed: %v", full, err)
		return "", err
	}

	return full, nil
}

// MustWrite calls Write and discards the error after logging it — the
// convenience form most callers use; logging failures never propagate
// to the caller.
func (s *Sink) MustWrite(e Event) {
	if _, err := s.Write(e); err != nil {
		log.Printf("[EventLog] MustWrite suppressed error: %v", err)
	}
}
