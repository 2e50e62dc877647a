package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/pkg/obs"
	"github.com/conveyorhq/conveyor/pkg/remote"
)

const maxStepVisits = 50

// RunResult is the aggregate outcome of one pipeline run. A single flaky
// record never aborts an otherwise healthy run; the final status reflects
// per-step ok/fail counts and captured error messages.
type RunResult struct {
	RunID string
	Steps map[string]ExecutionResult
	OK    int
	Fail  int
}

// Engine executes a Pipeline graph sequentially, one step at a time,
// chunking each step's input by the resolved batch size. Outbound
// resilience lives below it (dispatcher, call client, breaker); the engine
// only sequences, checkpoints and cancels.
type Engine struct {
	pipeline       *Pipeline
	dispatcher     *Dispatcher
	ec             *ExecutionContext
	checkpointPath string
	defaults       remote.RetryPolicy
	dryRun         bool

	Sink    RecordErrorSink
	Tracker *obs.SpanTracker
	Logger  *slog.Logger
}

// NewEngine creates an Engine after validating the pipeline.
func NewEngine(p *Pipeline, d *Dispatcher, ec *ExecutionContext, checkpointPath string, defaults remote.RetryPolicy) (*Engine, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline must not be nil")
	}
	if d == nil {
		return nil, fmt.Errorf("dispatcher must not be nil")
	}
	if ec == nil {
		return nil, fmt.Errorf("execution context must not be nil")
	}
	if err := ValidateErr(p); err != nil {
		return nil, err
	}
	return &Engine{
		pipeline:       p,
		dispatcher:     d,
		ec:             ec,
		checkpointPath: checkpointPath,
		defaults:       defaults,
		Logger:         slog.Default(),
	}, nil
}

// SetDryRun routes every step through Simulate instead of Dispatch.
func (e *Engine) SetDryRun(v bool) { e.dryRun = v }

// Execute runs the pipeline from the start step, or from resumeFromStepID
// when non-empty. Resuming re-enters the named step; extraction steps pick
// up at their checkpointed offset, so nothing is re-emitted.
func (e *Engine) Execute(ctx context.Context, resumeFromStepID string) (*RunResult, error) {
	startID := resumeFromStepID
	if startID == "" {
		startID = e.startStep()
	}
	if startID == "" {
		return nil, fmt.Errorf("no start step found in pipeline")
	}

	result := &RunResult{
		RunID: uuid.New().String(),
		Steps: make(map[string]ExecutionResult),
	}

	var runSpan string
	if e.Tracker != nil {
		runSpan = e.Tracker.StartSpan("pipeline.run", map[string]any{
			"pipeline": e.pipeline.Name,
			"run_id":   result.RunID,
		}, "")
	}
	err := e.run(ctx, startID, result, runSpan)
	if e.Tracker != nil {
		status := obs.StatusOK
		if err != nil {
			status = obs.StatusError
		}
		e.Tracker.EndSpan(runSpan, status)
	}
	return result, err
}

// run is the inner sequential execution loop. It stops when an exit step is
// reached, when the context is cancelled, or on a run-level error.
func (e *Engine) run(ctx context.Context, startID string, result *RunResult, runSpan string) error {
	visits := make(map[string]int)
	currentID := startID
	var input []Record

	for {
		// Cooperative cancellation between steps.
		select {
		case <-ctx.Done():
			return fmt.Errorf("run cancelled at step %q: %w", currentID, ctx.Err())
		default:
		}

		// Cycle detection.
		visits[currentID]++
		if visits[currentID] > maxStepVisits {
			return fmt.Errorf("cycle detected: step %q visited more than %d times", currentID, maxStepVisits)
		}

		step, ok := e.pipeline.Steps[currentID]
		if !ok {
			return fmt.Errorf("step %q not found in pipeline", currentID)
		}

		switch step.Type {
		case StepTypeStart:
			// Structural; nothing to execute.
		case StepTypeExit:
			e.logger().Info("pipeline complete", "pipeline", e.pipeline.Name, "step", step.ID,
				"ok", result.OK, "fail", result.Fail)
			e.ec.Set("last_step", step.ID)
			e.flushCheckpoint(step.ID)
			return nil
		default:
			res, err := e.executeStep(ctx, step, input)
			if err != nil {
				return fmt.Errorf("step %q: %w", step.ID, err)
			}
			result.Steps[step.ID] = res
			result.OK += res.OK
			result.Fail += res.Fail

			// Expose counts to downstream edge conditions.
			e.ec.Set(step.ID+"_ok", res.OK)
			e.ec.Set(step.ID+"_fail", res.Fail)

			input = e.ec.Output(step.ID)
			e.flushCheckpoint(step.ID)
		}

		nextID, err := e.selectNext(step.ID)
		if err != nil {
			return fmt.Errorf("step %q: select next: %w", step.ID, err)
		}
		if nextID == "" {
			// No outgoing edges and not an exit step: implicit exit.
			e.logger().Info("pipeline ended", "step", step.ID, "reason", "no outgoing edges")
			e.ec.Set("last_step", step.ID)
			e.flushCheckpoint(step.ID)
			return nil
		}
		currentID = nextID
	}
}

// executeStep dispatches one step, chunked by the resolved batch size, with
// a cooperative cancellation check between chunks. In-flight calls are not
// forcibly cancelled here; they time out on their own deadline.
func (e *Engine) executeStep(ctx context.Context, step *Step, input []Record) (ExecutionResult, error) {
	policy := remote.ResolvePolicy(step.Attrs, e.ec.ErrorHandling, e.defaults)
	e.logger().Info("executing step", "step", step.ID, "type", step.Type,
		"records", len(input), "dry_run", e.dryRun)

	if e.dryRun {
		report, err := e.dispatcher.Simulate(ctx, e.ec, step, input)
		if err != nil {
			return ExecutionResult{}, err
		}
		e.logger().Info("simulated step", "step", step.ID, "report", report)
		return ExecutionResult{}, nil
	}

	// Handlers stage downstream records by appending, so the slate must be
	// clean before the step's first chunk.
	e.ec.SetOutput(step.ID, nil)

	var total ExecutionResult
	if len(input) == 0 {
		// Extraction steps produce their own input.
		total = e.dispatcher.Dispatch(ctx, e.ec, step, nil, e.Sink)
		return total, nil
	}

	size := policy.MaxBatchSize
	if size <= 0 {
		size = len(input)
	}
	for start := 0; start < len(input); start += size {
		select {
		case <-ctx.Done():
			return total, fmt.Errorf("cancelled between batches: %w", ctx.Err())
		default:
		}
		end := start + size
		if end > len(input) {
			end = len(input)
		}
		total.Merge(e.dispatcher.Dispatch(ctx, e.ec, step, input[start:end], e.Sink))
	}
	return total, nil
}

// flushCheckpoint saves the context to the checkpoint file when dirty.
func (e *Engine) flushCheckpoint(lastStepID string) {
	if e.checkpointPath == "" || !e.ec.Dirty() {
		return
	}
	if err := e.ec.SaveCheckpoint(e.checkpointPath, lastStepID); err != nil {
		e.logger().Error("save checkpoint", "step", lastStepID, "error", err)
	}
}

// startStep returns the ID of the first step with type start.
func (e *Engine) startStep() string {
	for _, s := range e.pipeline.Steps {
		if s.Type == StepTypeStart {
			return s.ID
		}
	}
	return ""
}

// selectNext evaluates outgoing edges from stepID in order and returns the
// first edge whose condition evaluates to true. An empty label (or
// underscore "_") is treated as an unconditional edge.
func (e *Engine) selectNext(stepID string) (string, error) {
	edges := e.pipeline.OutgoingEdges(stepID)
	if len(edges) == 0 {
		return "", nil
	}

	snap := e.ec.Snapshot()
	for _, edge := range edges {
		cond := edge.Condition
		if cond == "" || cond == "_" {
			return edge.To, nil
		}
		ok, err := EvalCondition(cond, snap)
		if err != nil {
			return "", fmt.Errorf("edge %q→%q: %w", edge.From, edge.To, err)
		}
		if ok {
			return edge.To, nil
		}
	}

	// No condition matched: the pipeline stalled.
	return "", fmt.Errorf("no outgoing edge condition matched for step %q", stepID)
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
