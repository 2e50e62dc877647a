package pipeline

import (
	"context"

	"github.com/conveyorhq/conveyor/pkg/remote"
)

// ExecutionResult is the record-granular accounting for one handler
// invocation, aggregated by the dispatcher across batches.
type ExecutionResult struct {
	OK   int
	Fail int
	Err  string
}

// Merge folds another result into this one. The first non-empty error
// message wins; counts always accumulate.
func (r *ExecutionResult) Merge(other ExecutionResult) {
	r.OK += other.OK
	r.Fail += other.Fail
	if r.Err == "" {
		r.Err = other.Err
	}
}

// RecordErrorSink receives one call per failed record. Implementations must
// be resilient to their own failure; the dispatcher logs and continues when
// a sink errors.
type RecordErrorSink func(ctx context.Context, stepKey, message string, payload Record) error

// Handler executes a pipeline step against a batch of records.
// Implementations live in the handlers sub-package; the interface is
// defined here so the Dispatcher can use it without an import cycle.
type Handler interface {
	// Execute processes the batch. Record-level failures must not abort
	// the batch: the handler catches them, counts them in the result and
	// reports each through sink. A returned error is a handler-level
	// failure (setup/config); the dispatcher then marks every unprocessed
	// record failed.
	//
	// Handlers that produce records for the next step stage them with
	// ec.AppendOutput. The engine clears a step's staged output before its
	// first chunk, so appending keeps every chunk's records when a large
	// input is dispatched in batches.
	Execute(ctx context.Context, ec *ExecutionContext, step *Step, records []Record,
		sink RecordErrorSink, errCfg *remote.ErrorHandlingConfig) (ExecutionResult, error)
}

// Simulator is optionally implemented by handlers that can describe what
// Execute would do without mutating external state.
type Simulator interface {
	Simulate(ctx context.Context, ec *ExecutionContext, step *Step, records []Record) (map[string]any, error)
}

// HandlerRegistry looks up built-in Handler implementations by step type.
type HandlerRegistry interface {
	Get(stepType StepType) (Handler, error)
}
