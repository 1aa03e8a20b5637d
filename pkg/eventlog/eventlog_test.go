package eventlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"":                                 "event",
		"Ignore Previous Instructions Now!": "ignore-previous-instructions-now",
		"   ":                              "event",
		"one two three four five six seven": "one-two-three-four-five",
	}
	for in, want := range cases {
		if got := slugify(in); got != want {
			t.Errorf("slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSink_Write_CreatesMonthPartitionedFile(t *testing.T) {
	dir := t.TempDir()
	sink := NewSink(dir)

	ts := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	path, err := sink.Write(Event{
		Kind:      "policy_decision",
		Severity:  SeverityInfo,
		Timestamp: ts,
		Summary:   "blocked external content",
		Payload:   map[string]any{"rule": "instruction-override"},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	wantDir := filepath.Join(dir, "2026", "03")
	if !strings.HasPrefix(path, wantDir) {
		t.Errorf("path %q not under expected month partition %q", path, wantDir)
	}
	if !strings.Contains(filepath.Base(path), "policy_decision-blocked-external-content-") {
		t.Errorf("unexpected filename %q", filepath.Base(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var got Event
	if err := json.Unmarshal(data[:len(data)-1], &got); err != nil { // strip trailing newline
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != "policy_decision" || got.Payload["rule"] != "instruction-override" {
		t.Errorf("round-tripped event mismatch: %+v", got)
	}
}

func TestSink_Write_AppendsSameSecondSameBucket(t *testing.T) {
	dir := t.TempDir()
	sink := NewSink(dir)
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	p1, err := sink.Write(Event{Kind: "rate_limit", Summary: "soft cap hit", Timestamp: ts})
	if err != nil {
		t.Fatal(err)
	}
	p2, err := sink.Write(Event{Kind: "rate_limit", Summary: "soft cap hit", Timestamp: ts})
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Fatalf("expected same bucket file, got %q and %q", p1, p2)
	}

	data, err := os.ReadFile(p1)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Errorf("expected 2 appended lines, got %d", len(lines))
	}
}

func TestSink_MustWrite_NeverPanics(t *testing.T) {
	// Root under a file (not a directory) forces every mkdir/open to fail;
	// MustWrite must swallow that rather than propagate or panic.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	sink := NewSink(filepath.Join(blocker, "events"))

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("MustWrite panicked: %v", r)
		}
	}()
	sink.MustWrite(Event{Kind: "x", Summary: "y"})
}
