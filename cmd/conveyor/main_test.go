package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/conveyorhq/conveyor/pkg/pipeline"
)

// ─── TestWriteRunSummary ──────────────────────────────────────────────────────

func TestWriteRunSummary_WritesJSON(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "summary.json")

	result := &pipeline.RunResult{
		RunID: "test-run",
		Steps: map[string]pipeline.ExecutionResult{"fetch": {OK: 12}},
		OK:    12,
	}
	if err := writeRunSummary(out, result); err != nil {
		t.Fatalf("writeRunSummary: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output file: %v", err)
	}
	var got pipeline.RunResult
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.RunID != "test-run" || got.OK != 12 {
		t.Errorf("round trip = %+v", got)
	}
}

func TestWriteRunSummary_NoOp(t *testing.T) {
	// An empty path must be a no-op with no error.
	if err := writeRunSummary("", &pipeline.RunResult{}); err != nil {
		t.Fatalf("expected no error for empty path, got: %v", err)
	}
}

func TestWriteRunSummary_BadPath(t *testing.T) {
	err := writeRunSummary("/nonexistent/dir/summary.json", &pipeline.RunResult{})
	if err == nil {
		t.Fatal("expected error writing to bad path")
	}
}

// ─── TestInitLogger ───────────────────────────────────────────────────────────

func TestInitLogger_ValidLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error", "DEBUG", "INFO"} {
		if err := initLogger(lvl, "text"); err != nil {
			t.Errorf("initLogger(%q, text): unexpected error: %v", lvl, err)
		}
	}
}

func TestInitLogger_ValidFormats(t *testing.T) {
	for _, fmt := range []string{"text", "json", "TEXT", "JSON"} {
		if err := initLogger("info", fmt); err != nil {
			t.Errorf("initLogger(info, %q): unexpected error: %v", fmt, err)
		}
	}
}

func TestInitLogger_InvalidLevel(t *testing.T) {
	if err := initLogger("verbose", "text"); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestInitLogger_InvalidFormat(t *testing.T) {
	if err := initLogger("info", "xml"); err == nil {
		t.Fatal("expected error for unknown log format")
	}
}

// ─── TestRenderDOT ────────────────────────────────────────────────────────────

func TestRenderText_MarksCustomAdaptersAndProblems(t *testing.T) {
	src := `digraph sync {
		start [type="start"];
		push [type="crm.contacts", kind="load"];
		done [type="exit"];
		start -> push;
		push -> done [label="push_ok > 0"];
	}`
	p, err := pipeline.ParseDOT(src)
	if err != nil {
		t.Fatalf("ParseDOT: %v", err)
	}
	out := renderText(p)

	for _, want := range []string{
		"push  [crm.contacts (custom adapter, kind=load)]",
		"-> done  when push_ok > 0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Problems:") {
		t.Fatalf("valid pipeline must not report problems:\n%s", out)
	}

	// Drop the exit step: the summary should surface the lint errors.
	bad, err := pipeline.ParseDOT(`digraph sync {
		start [type="start"];
		fetch [type="extract.http"];
		start -> fetch;
	}`)
	if err != nil {
		t.Fatalf("ParseDOT: %v", err)
	}
	out = renderText(bad)
	for _, want := range []string{"Problems:", "exactly one exit step", `missing required attribute "url"`} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
}

func TestRenderDOT_RoundTrips(t *testing.T) {
	src := `digraph sync {
		start [type="start"];
		fetch [type="extract.http", url="https://api.example.com/items"];
		done [type="exit"];
		start -> fetch;
		fetch -> done [label="fetch_ok >= 0"];
	}`
	p, err := pipeline.ParseDOT(src)
	if err != nil {
		t.Fatalf("ParseDOT: %v", err)
	}
	rendered := renderDOT(p)
	p2, err := pipeline.ParseDOT(rendered)
	if err != nil {
		t.Fatalf("rendered DOT does not parse:\n%s\nerror: %v", rendered, err)
	}
	if len(p2.Steps) != len(p.Steps) || len(p2.Edges) != len(p.Edges) {
		t.Fatalf("round trip lost structure: %d/%d steps, %d/%d edges",
			len(p2.Steps), len(p.Steps), len(p2.Edges), len(p.Edges))
	}
}
