package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/conveyorhq/conveyor/pkg/pipeline"
	"github.com/conveyorhq/conveyor/pkg/remote"
)

// produceHandler stages a fixed set of output records.
type produceHandler struct {
	out []pipeline.Record
}

func (h *produceHandler) Execute(_ context.Context, ec *pipeline.ExecutionContext,
	step *pipeline.Step, _ []pipeline.Record, _ pipeline.RecordErrorSink,
	_ *remote.ErrorHandlingConfig) (pipeline.ExecutionResult, error) {

	ec.SetOutput(step.ID, h.out)
	return pipeline.ExecutionResult{OK: len(h.out)}, nil
}

// stagingHandler passes its input through as staged output, the way
// transform does.
type stagingHandler struct{}

func (stagingHandler) Execute(_ context.Context, ec *pipeline.ExecutionContext,
	step *pipeline.Step, records []pipeline.Record, _ pipeline.RecordErrorSink,
	_ *remote.ErrorHandlingConfig) (pipeline.ExecutionResult, error) {

	ec.AppendOutput(step.ID, records)
	return pipeline.ExecutionResult{OK: len(records)}, nil
}

// recordingHandler remembers every batch it receives.
type recordingHandler struct {
	batches [][]pipeline.Record
}

func (h *recordingHandler) Execute(_ context.Context, _ *pipeline.ExecutionContext,
	_ *pipeline.Step, records []pipeline.Record, _ pipeline.RecordErrorSink,
	_ *remote.ErrorHandlingConfig) (pipeline.ExecutionResult, error) {

	h.batches = append(h.batches, records)
	return pipeline.ExecutionResult{OK: len(records)}, nil
}

func linearPipeline(steps ...*pipeline.Step) *pipeline.Pipeline {
	p := &pipeline.Pipeline{
		Name:  "test",
		Steps: map[string]*pipeline.Step{},
	}
	all := append([]*pipeline.Step{{ID: "s", Type: pipeline.StepTypeStart}}, steps...)
	all = append(all, &pipeline.Step{ID: "e", Type: pipeline.StepTypeExit})
	for i, st := range all {
		p.Steps[st.ID] = st
		if i > 0 {
			p.Edges = append(p.Edges, &pipeline.Edge{From: all[i-1].ID, To: st.ID})
		}
	}
	return p
}

func newEngine(t *testing.T, p *pipeline.Pipeline, reg pipeline.HandlerRegistry, cpPath string) (*pipeline.Engine, *pipeline.ExecutionContext) {
	t.Helper()
	ec := pipeline.NewExecutionContext()
	d := pipeline.NewDispatcher(reg, nil, nil)
	eng, err := pipeline.NewEngine(p, d, ec, cpPath, remote.DefaultPolicy())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng, ec
}

func TestEngineRunsStepsInOrder(t *testing.T) {
	t.Parallel()
	extract := &produceHandler{out: []pipeline.Record{{"id": 1}, {"id": 2}, {"id": 3}}}
	load := &recordingHandler{}
	reg := &stubRegistry{handlers: map[pipeline.StepType]pipeline.Handler{
		"extract.stub": extract,
		"load.stub":    load,
	}}
	p := linearPipeline(
		&pipeline.Step{ID: "ex", Type: "extract.stub"},
		&pipeline.Step{ID: "ld", Type: "load.stub"},
	)

	eng, _ := newEngine(t, p, reg, "")
	res, err := eng.Execute(context.Background(), "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.OK != 6 || res.Fail != 0 {
		t.Fatalf("run totals = %+v, want ok=6", res)
	}
	if len(load.batches) != 1 || len(load.batches[0]) != 3 {
		t.Fatalf("load received %v, want the extractor's 3 records", load.batches)
	}
	if res.RunID == "" {
		t.Fatal("run must carry an ID")
	}
}

func TestEngineChunksByBatchSize(t *testing.T) {
	t.Parallel()
	out := make([]pipeline.Record, 10)
	for i := range out {
		out[i] = pipeline.Record{"id": i}
	}
	load := &recordingHandler{}
	reg := &stubRegistry{handlers: map[pipeline.StepType]pipeline.Handler{
		"extract.stub": &produceHandler{out: out},
		"load.stub":    load,
	}}
	p := linearPipeline(
		&pipeline.Step{ID: "ex", Type: "extract.stub"},
		&pipeline.Step{ID: "ld", Type: "load.stub", Attrs: map[string]string{"batch_size": "4"}},
	)

	eng, _ := newEngine(t, p, reg, "")
	res, err := eng.Execute(context.Background(), "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := len(load.batches); got != 3 {
		t.Fatalf("batches = %d, want 3 (4+4+2)", got)
	}
	if len(load.batches[2]) != 2 {
		t.Fatalf("last batch = %d records, want 2", len(load.batches[2]))
	}
	// Chunking must preserve the accounting contract.
	if stepRes := res.Steps["ld"]; stepRes.OK != 10 {
		t.Fatalf("load step result = %+v, want ok=10", stepRes)
	}
}

func TestEngineChunkedStepForwardsEveryRecord(t *testing.T) {
	t.Parallel()
	out := make([]pipeline.Record, 10)
	for i := range out {
		out[i] = pipeline.Record{"id": i}
	}
	load := &recordingHandler{}
	reg := &stubRegistry{handlers: map[pipeline.StepType]pipeline.Handler{
		"extract.stub": &produceHandler{out: out},
		"pass.stub":    stagingHandler{},
		"load.stub":    load,
	}}
	p := linearPipeline(
		&pipeline.Step{ID: "ex", Type: "extract.stub"},
		&pipeline.Step{ID: "tr", Type: "pass.stub", Attrs: map[string]string{"batch_size": "4"}},
		&pipeline.Step{ID: "ld", Type: "load.stub"},
	)

	eng, ec := newEngine(t, p, reg, "")
	res, err := eng.Execute(context.Background(), "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if stepRes := res.Steps["tr"]; stepRes.OK != 10 {
		t.Fatalf("pass-through result = %+v, want ok=10", stepRes)
	}
	// Every chunk's output must reach the next step, in source order.
	var forwarded int
	for _, b := range load.batches {
		forwarded += len(b)
	}
	if len(load.batches) != 1 || forwarded != 10 {
		t.Fatalf("downstream received %d batches, %d records, want one batch of 10",
			len(load.batches), forwarded)
	}
	for i, rec := range load.batches[0] {
		if rec["id"] != i {
			t.Fatalf("record %d out of order: %v", i, rec)
		}
	}
	if got := len(ec.Output("tr")); got != 10 {
		t.Fatalf("staged output = %d records, want 10", got)
	}
}

func TestEngineConditionalEdges(t *testing.T) {
	t.Parallel()
	extract := &produceHandler{out: []pipeline.Record{{"id": 1}}}
	good := &recordingHandler{}
	bad := &recordingHandler{}
	reg := &stubRegistry{handlers: map[pipeline.StepType]pipeline.Handler{
		"extract.stub": extract,
		"load.good":    good,
		"load.bad":     bad,
	}}
	p := &pipeline.Pipeline{
		Name: "cond",
		Steps: map[string]*pipeline.Step{
			"s":  {ID: "s", Type: pipeline.StepTypeStart},
			"ex": {ID: "ex", Type: "extract.stub"},
			"g":  {ID: "g", Type: "load.good"},
			"b":  {ID: "b", Type: "load.bad"},
			"e":  {ID: "e", Type: pipeline.StepTypeExit},
		},
		Edges: []*pipeline.Edge{
			{From: "s", To: "ex"},
			{From: "ex", To: "g", Condition: "ex_ok > 0"},
			{From: "ex", To: "b", Condition: "ex_ok == 0"},
			{From: "g", To: "e"},
			{From: "b", To: "e"},
		},
	}

	eng, _ := newEngine(t, p, reg, "")
	if _, err := eng.Execute(context.Background(), ""); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(good.batches) != 1 {
		t.Fatal("condition should have routed to the good branch")
	}
	if len(bad.batches) != 0 {
		t.Fatal("bad branch must not run")
	}
}

func TestEngineCancellationBetweenSteps(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancelling := &recordingHandler{}
	reg := &stubRegistry{handlers: map[pipeline.StepType]pipeline.Handler{
		"extract.stub": &produceHandler{out: []pipeline.Record{{"id": 1}}},
		"load.stub":    cancelling,
	}}
	p := linearPipeline(
		&pipeline.Step{ID: "ex", Type: "extract.stub"},
		&pipeline.Step{ID: "ld", Type: "load.stub"},
	)

	eng, _ := newEngine(t, p, reg, "")
	cancel()
	_, err := eng.Execute(ctx, "")
	if err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if len(cancelling.batches) != 0 {
		t.Fatal("no step should run after cancellation")
	}
}

func TestEngineFlushesCheckpointWhenDirty(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cp.json")

	// checkpointingHandler updates its offset checkpoint like an extractor.
	h := handlerFunc(func(_ context.Context, ec *pipeline.ExecutionContext, step *pipeline.Step,
		_ []pipeline.Record, _ pipeline.RecordErrorSink, _ *remote.ErrorHandlingConfig) (pipeline.ExecutionResult, error) {
		ec.UpdateCheckpoint(step.ID, map[string]any{"offset": 3})
		ec.SetOutput(step.ID, []pipeline.Record{{"id": 1}})
		return pipeline.ExecutionResult{OK: 1}, nil
	})
	reg := &stubRegistry{handlers: map[pipeline.StepType]pipeline.Handler{"extract.stub": h}}
	p := linearPipeline(&pipeline.Step{ID: "ex", Type: "extract.stub"})

	eng, ec := newEngine(t, p, reg, path)
	if _, err := eng.Execute(context.Background(), ""); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ec.Dirty() {
		t.Fatal("engine must clear dirty after flushing")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("checkpoint file not written: %v", err)
	}
	restored, _, err := pipeline.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if got := restored.CheckpointValue("ex", "offset", 0); got != float64(3) {
		t.Fatalf("persisted offset = %v, want 3", got)
	}
}

func TestEngineImplicitExitRecordsLastStep(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cp.json")

	h := handlerFunc(func(_ context.Context, ec *pipeline.ExecutionContext, step *pipeline.Step,
		_ []pipeline.Record, _ pipeline.RecordErrorSink, _ *remote.ErrorHandlingConfig) (pipeline.ExecutionResult, error) {
		ec.UpdateCheckpoint(step.ID, map[string]any{"offset": 1})
		return pipeline.ExecutionResult{OK: 1}, nil
	})
	reg := &stubRegistry{handlers: map[pipeline.StepType]pipeline.Handler{
		"extract.stub": h,
		"load.stub":    h,
	}}
	// "ld" dead-ends, so the run finishes by implicit exit, never reaching "e".
	p := &pipeline.Pipeline{
		Name: "deadend",
		Steps: map[string]*pipeline.Step{
			"s":  {ID: "s", Type: pipeline.StepTypeStart},
			"ex": {ID: "ex", Type: "extract.stub"},
			"ld": {ID: "ld", Type: "load.stub"},
			"e":  {ID: "e", Type: pipeline.StepTypeExit},
		},
		Edges: []*pipeline.Edge{
			{From: "s", To: "ex"},
			{From: "ex", To: "ld"},
			{From: "ex", To: "e", Condition: "ex_ok < 0"},
		},
	}

	eng, ec := newEngine(t, p, reg, path)
	if _, err := eng.Execute(context.Background(), ""); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := ec.GetString("last_step"); got != "ld" {
		t.Fatalf("last_step = %q, want the dead-end step", got)
	}
	_, lastStep, err := pipeline.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if lastStep != "ld" {
		t.Fatalf("persisted last step = %q, want ld", lastStep)
	}
}

func TestEngineStallIsError(t *testing.T) {
	t.Parallel()
	reg := &stubRegistry{handlers: map[pipeline.StepType]pipeline.Handler{
		"extract.stub": &produceHandler{},
	}}
	p := &pipeline.Pipeline{
		Name: "stall",
		Steps: map[string]*pipeline.Step{
			"s":  {ID: "s", Type: pipeline.StepTypeStart},
			"ex": {ID: "ex", Type: "extract.stub"},
			"e":  {ID: "e", Type: pipeline.StepTypeExit},
		},
		Edges: []*pipeline.Edge{
			{From: "s", To: "ex"},
			{From: "ex", To: "e", Condition: "ex_ok > 100"},
		},
	}
	eng, _ := newEngine(t, p, reg, "")
	_, err := eng.Execute(context.Background(), "")
	if err == nil || !strings.Contains(err.Error(), "no outgoing edge condition matched") {
		t.Fatalf("expected stall error, got %v", err)
	}
}

// handlerFunc adapts a function to the Handler interface.
type handlerFunc func(context.Context, *pipeline.ExecutionContext, *pipeline.Step,
	[]pipeline.Record, pipeline.RecordErrorSink, *remote.ErrorHandlingConfig) (pipeline.ExecutionResult, error)

func (f handlerFunc) Execute(ctx context.Context, ec *pipeline.ExecutionContext, step *pipeline.Step,
	records []pipeline.Record, sink pipeline.RecordErrorSink, cfg *remote.ErrorHandlingConfig) (pipeline.ExecutionResult, error) {
	return f(ctx, ec, step, records, sink, cfg)
}
