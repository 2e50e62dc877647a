package pipeline_test

import (
	"strings"
	"testing"

	"github.com/conveyorhq/conveyor/pkg/pipeline"
)

const sampleDOT = `digraph orders {
	start [type="start"];
	fetch [type="extract.http", url="https://api.example.com/orders", records_key="items"];
	clean [type="transform", filter="rec.amount > 0"];
	save  [type="export.file" path="/tmp/orders.jsonl"];
	done  [type="exit"];

	start -> fetch;
	fetch -> clean [label="fetch_ok > 0"];
	fetch -> done  [label="fetch_ok == 0"];
	clean -> save;
	save -> done;
}`

func TestParseDOT(t *testing.T) {
	t.Parallel()
	p, err := pipeline.ParseDOT(sampleDOT)
	if err != nil {
		t.Fatalf("ParseDOT: %v", err)
	}
	if p.Name != "orders" {
		t.Errorf("name = %q, want orders", p.Name)
	}
	if len(p.Steps) != 5 {
		t.Fatalf("steps = %d, want 5", len(p.Steps))
	}
	fetch := p.Steps["fetch"]
	if fetch == nil || fetch.Type != pipeline.StepTypeHTTPExtract {
		t.Fatalf("fetch step = %+v", fetch)
	}
	if got := fetch.Attrs["url"]; got != "https://api.example.com/orders" {
		t.Errorf("url attr = %q", got)
	}
	if len(p.Edges) != 5 {
		t.Fatalf("edges = %d, want 5", len(p.Edges))
	}
	var cond string
	for _, e := range p.Edges {
		if e.From == "fetch" && e.To == "clean" {
			cond = e.Condition
		}
	}
	if cond != "fetch_ok > 0" {
		t.Errorf("edge condition = %q", cond)
	}
}

func TestParseDOTUntypedNodeDefaultsToTransform(t *testing.T) {
	t.Parallel()
	p, err := pipeline.ParseDOT(`digraph g {
		start [type="start"];
		mid;
		done [type="exit"];
		start -> mid;
		mid -> done;
	}`)
	if err != nil {
		t.Fatalf("ParseDOT: %v", err)
	}
	if got := p.Steps["mid"].Type; got != pipeline.StepTypeTransform {
		t.Errorf("untyped node = %q, want transform", got)
	}
}

func TestParseDOTRejectsGarbage(t *testing.T) {
	t.Parallel()
	if _, err := pipeline.ParseDOT("this is not dot"); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestValidateHappyPath(t *testing.T) {
	t.Parallel()
	p, err := pipeline.ParseDOT(sampleDOT)
	if err != nil {
		t.Fatalf("ParseDOT: %v", err)
	}
	if errs := pipeline.Validate(p); len(errs) != 0 {
		t.Fatalf("unexpected lint errors: %v", errs)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	t.Parallel()
	p, err := pipeline.ParseDOT(`digraph g {
		fetch [type="extract.http"];
		lonely [type="transform"];
		done [type="exit"];
		fetch -> done;
		fetch -> ghost;
	}`)
	if err != nil {
		t.Fatalf("ParseDOT: %v", err)
	}
	errs := pipeline.Validate(p)
	want := []string{
		"exactly one start step",
		"unknown target step",
		"missing required attribute \"url\"",
	}
	for _, w := range want {
		found := false
		for _, e := range errs {
			if strings.Contains(e.Error(), w) {
				found = true
			}
		}
		if !found {
			t.Errorf("missing lint error containing %q in %v", w, errs)
		}
	}
}

func TestValidateRejectsEdgeIntoStart(t *testing.T) {
	t.Parallel()
	p, err := pipeline.ParseDOT(`digraph g {
		s [type="start"];
		tr [type="transform"];
		e [type="exit"];
		s -> tr;
		tr -> s;
		tr -> e;
	}`)
	if err != nil {
		t.Fatalf("ParseDOT: %v", err)
	}
	errs := pipeline.Validate(p)
	found := false
	for _, le := range errs {
		if strings.Contains(le.Error(), "incoming edges") {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing start-incoming-edge lint error in %v", errs)
	}
}

func TestValidateGraphQLRequiresQuery(t *testing.T) {
	t.Parallel()
	step := &pipeline.Step{
		ID:    "gq",
		Type:  pipeline.StepTypeGraphQL,
		Attrs: map[string]string{"url": "https://api.example.com/graphql"},
	}
	errs := pipeline.ValidateStep(step)
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), `"query"`) {
		t.Fatalf("errs = %v, want a single missing-query error", errs)
	}
}

func TestEvalCondition(t *testing.T) {
	t.Parallel()
	vars := map[string]any{"fetch_ok": 12, "fetch_fail": 0, "last_step": "fetch"}

	cases := []struct {
		cond string
		want bool
	}{
		{"", true},
		{"fetch_ok > 0", true},
		{"fetch_fail > 0", false},
		{"last_step == \"fetch\" && fetch_ok >= 12", true},
	}
	for _, tc := range cases {
		got, err := pipeline.EvalCondition(tc.cond, vars)
		if err != nil {
			t.Errorf("EvalCondition(%q): %v", tc.cond, err)
			continue
		}
		if got != tc.want {
			t.Errorf("EvalCondition(%q) = %v, want %v", tc.cond, got, tc.want)
		}
	}
}

func TestEvalConditionRejectsNonBool(t *testing.T) {
	t.Parallel()
	if _, err := pipeline.EvalCondition("fetch_ok + 1", map[string]any{"fetch_ok": 1}); err == nil {
		t.Fatal("non-bool condition must error")
	}
}
