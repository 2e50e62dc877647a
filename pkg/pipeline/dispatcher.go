package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor/pkg/adapter"
	"github.com/conveyorhq/conveyor/pkg/obs"
)

// Dispatcher resolves a step's adapter code to a handler and aggregates
// record-granular results. Resolution order: built-in registry, then the
// pluggable custom-adapter registry. An unknown code is a total failure of
// the batch, not a partial one.
type Dispatcher struct {
	Builtin HandlerRegistry
	Custom  *adapter.Registry

	Secrets     adapter.SecretResolver
	Connections adapter.ConnectionResolver

	Tracker *obs.SpanTracker
	Metrics *obs.Metrics
	Logger  *slog.Logger
}

// NewDispatcher wires a dispatcher over the given registries. Custom,
// tracker and metrics may be nil.
func NewDispatcher(builtin HandlerRegistry, custom *adapter.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{Builtin: builtin, Custom: custom, Logger: logger}
}

// Dispatch routes one batch of records to the step's handler and returns
// the aggregated result. sink may be nil.
func (d *Dispatcher) Dispatch(ctx context.Context, ec *ExecutionContext, step *Step,
	records []Record, sink RecordErrorSink) ExecutionResult {

	sink = d.safeSink(sink)
	spanID := d.startSpan("step.execute", step, len(records))
	start := time.Now()

	res := d.dispatch(ctx, ec, step, records, sink, false)

	d.finishSpan(spanID, step, res, time.Since(start))
	return res
}

// Simulate mirrors Dispatch but must not mutate external state. Handlers
// opt in via the Simulator interface; custom adapters run with DryRun set.
// Everything else yields an empty report.
func (d *Dispatcher) Simulate(ctx context.Context, ec *ExecutionContext, step *Step,
	records []Record) (map[string]any, error) {

	if h, err := d.Builtin.Get(step.Type); err == nil {
		sim, ok := h.(Simulator)
		if !ok {
			return map[string]any{}, nil
		}
		return sim.Simulate(ctx, ec, step, records)
	}

	if d.Custom != nil {
		if a, ok := d.Custom.Get(adapterKind(step), string(step.Type)); ok {
			lc := d.loadContext(step, true)
			if sim, ok := a.(adapter.Simulator); ok {
				return sim.Simulate(ctx, lc, step.Attrs, records)
			}
			// No simulate capability: a dry run must still not touch the
			// target, so report nothing rather than invoke Load.
			return map[string]any{}, nil
		}
	}
	return nil, fmt.Errorf("no handler or adapter for step type %q", step.Type)
}

func (d *Dispatcher) dispatch(ctx context.Context, ec *ExecutionContext, step *Step,
	records []Record, sink RecordErrorSink, dryRun bool) ExecutionResult {

	// 1. Built-in handler map.
	if h, err := d.Builtin.Get(step.Type); err == nil {
		res, execErr := h.Execute(ctx, ec, step, records, sink, ec.ErrorHandling)
		if execErr != nil {
			// Handler-level failure: every record not yet accounted for is
			// failed and reported.
			return d.failRemaining(ctx, step, records, res, execErr, sink)
		}
		return res
	}

	// 2. Custom adapter registry.
	if d.Custom != nil {
		if a, ok := d.Custom.Get(adapterKind(step), string(step.Type)); ok {
			return d.dispatchCustom(ctx, a, step, records, sink, dryRun)
		}
	}

	// 3. Unknown adapter code: configuration error, whole batch fails.
	d.Logger.Error("unknown adapter code",
		"step", step.ID, "type", step.Type, "records", len(records))
	d.count("dispatch_unknown_total", step)
	return ExecutionResult{
		Fail: len(records),
		Err:  fmt.Sprintf("no handler or adapter for step type %q", step.Type),
	}
}

func (d *Dispatcher) dispatchCustom(ctx context.Context, a adapter.Adapter, step *Step,
	records []Record, sink RecordErrorSink, dryRun bool) ExecutionResult {

	lc := d.loadContext(step, dryRun)
	lr, err := a.Load(ctx, lc, step.Attrs, records)
	if err != nil {
		res := ExecutionResult{OK: lr.Succeeded, Fail: lr.Failed}
		return d.failRemaining(ctx, step, records, res, err, sink)
	}

	res := ExecutionResult{OK: lr.Succeeded, Fail: lr.Failed}
	for _, msg := range lr.Errors {
		_ = sink(ctx, step.ID, msg, nil)
	}
	return res
}

// failRemaining marks every record beyond those already accounted for as
// failed, reporting each through the sink.
func (d *Dispatcher) failRemaining(ctx context.Context, step *Step, records []Record,
	partial ExecutionResult, cause error, sink RecordErrorSink) ExecutionResult {

	d.Logger.Error("handler failed, failing remaining batch",
		"step", step.ID, "type", step.Type, "error", cause)

	processed := partial.OK + partial.Fail
	if processed > len(records) {
		processed = len(records)
	}
	for _, rec := range records[processed:] {
		_ = sink(ctx, step.ID, cause.Error(), rec)
	}
	partial.Fail += len(records) - processed
	if partial.Err == "" {
		partial.Err = cause.Error()
	}
	return partial
}

// loadContext builds the adapter-facing context: scoped accessors and
// strategy defaults, overridable through step attributes.
func (d *Dispatcher) loadContext(step *Step, dryRun bool) adapter.LoadContext {
	lc := adapter.LoadContext{
		Secrets:     d.Secrets,
		Connections: d.Connections,
		Logger:      d.Logger.With("step", step.ID, "adapter", step.Type),
		Channel:     adapter.ChannelDefault,
		Language:    adapter.LanguageDefault,
		Validation:  adapter.ValidationStrict,
		Conflict:    adapter.ConflictSkip,
		DryRun:      dryRun,
	}
	if v := step.Attrs["channel"]; v != "" {
		lc.Channel = adapter.ChannelStrategy(v)
	}
	if v := step.Attrs["language"]; v != "" {
		lc.Language = adapter.LanguageStrategy(v)
	}
	if v := step.Attrs["validation"]; v != "" {
		lc.Validation = adapter.ValidationStrategy(v)
	}
	if v := step.Attrs["conflict"]; v != "" {
		lc.Conflict = adapter.ConflictStrategy(v)
	}
	return lc
}

// safeSink wraps sink so that a throwing sink never blocks processing of
// remaining records. A nil sink becomes a no-op.
func (d *Dispatcher) safeSink(sink RecordErrorSink) RecordErrorSink {
	if sink == nil {
		return func(context.Context, string, string, Record) error { return nil }
	}
	return func(ctx context.Context, stepKey, message string, payload Record) error {
		if err := sink(ctx, stepKey, message, payload); err != nil {
			d.Logger.Warn("record error sink failed", "step", stepKey, "error", err)
		}
		return nil
	}
}

func adapterKind(step *Step) string {
	if k := step.Attrs["kind"]; k != "" {
		return k
	}
	return "load"
}

func (d *Dispatcher) startSpan(name string, step *Step, n int) string {
	if d.Tracker == nil {
		return ""
	}
	return d.Tracker.StartSpan(name, map[string]any{
		"step":    step.ID,
		"type":    string(step.Type),
		"records": n,
	}, "")
}

func (d *Dispatcher) finishSpan(spanID string, step *Step, res ExecutionResult, elapsed time.Duration) {
	if d.Tracker != nil && spanID != "" {
		status := obs.StatusOK
		if res.Err != "" {
			status = obs.StatusError
		}
		d.Tracker.AddEvent(spanID, "aggregated", map[string]any{"ok": res.OK, "fail": res.Fail})
		d.Tracker.EndSpan(spanID, status)
	}
	if d.Metrics != nil {
		labels := map[string]string{"step": step.ID, "type": string(step.Type)}
		d.Metrics.Counter("step_records_ok").Add(labels, float64(res.OK))
		d.Metrics.Counter("step_records_fail").Add(labels, float64(res.Fail))
		d.Metrics.Histogram("step_duration_ms").Observe(labels, float64(elapsed.Milliseconds()))
	}
}

func (d *Dispatcher) count(name string, step *Step) {
	if d.Metrics != nil {
		d.Metrics.Counter(name).Inc(map[string]string{"step": step.ID, "type": string(step.Type)})
	}
}
