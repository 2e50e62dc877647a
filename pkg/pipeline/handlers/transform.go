package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/conveyorhq/conveyor/pkg/pipeline"
	"github.com/conveyorhq/conveyor/pkg/remote"
)

// Transform applies per-record expressions. A record that fails an
// expression is a record-level failure reported through the sink; the rest
// of the batch always continues.
type Transform struct {
	Logger *slog.Logger
}

// Execute evaluates two optional step attributes against each record:
//
//	filter  bool expression; records it rejects are dropped silently
//	        (not failed, not emitted)
//	set     derivations "field=expr" joined by ";", evaluated in order
//	        against the record's fields
//
// Kept records are staged as the step's output for the next step.
func (h *Transform) Execute(ctx context.Context, ec *pipeline.ExecutionContext,
	step *pipeline.Step, records []pipeline.Record, sink pipeline.RecordErrorSink,
	_ *remote.ErrorHandlingConfig) (pipeline.ExecutionResult, error) {

	filter, err := compileFilter(step.Attrs["filter"])
	if err != nil {
		return pipeline.ExecutionResult{}, fmt.Errorf("step %q: %w", step.ID, err)
	}
	derivations, err := compileDerivations(step.Attrs["set"])
	if err != nil {
		return pipeline.ExecutionResult{}, fmt.Errorf("step %q: %w", step.ID, err)
	}

	var res pipeline.ExecutionResult
	var kept []pipeline.Record
	for _, rec := range records {
		out, keep, recErr := transformOne(rec, filter, derivations)
		if recErr != nil {
			res.Fail++
			if sink != nil {
				_ = sink(ctx, step.ID, recErr.Error(), rec)
			}
			continue
		}
		if !keep {
			continue
		}
		kept = append(kept, out)
		res.OK++
	}

	ec.AppendOutput(step.ID, kept)
	h.logger().Info("transformed records", "step", step.ID, "in", len(records),
		"out", len(kept), "failed", res.Fail)
	return res, nil
}

func (h *Transform) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

type derivation struct {
	field   string
	program *vm.Program
}

func compileFilter(src string) (*vm.Program, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, nil
	}
	program, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("filter %q: %w", src, err)
	}
	return program, nil
}

// compileDerivations parses a "field=expr; field=expr" attribute.
func compileDerivations(src string) ([]derivation, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, nil
	}
	var out []derivation
	for _, clause := range strings.Split(src, ";") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		field, exprSrc, ok := strings.Cut(clause, "=")
		if !ok {
			return nil, fmt.Errorf("derivation %q: want field=expression", clause)
		}
		program, err := expr.Compile(strings.TrimSpace(exprSrc), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("derivation %q: %w", clause, err)
		}
		out = append(out, derivation{field: strings.TrimSpace(field), program: program})
	}
	return out, nil
}

// transformOne applies the filter and derivations to a single record. The
// input record is never mutated.
func transformOne(rec pipeline.Record, filter *vm.Program, derivations []derivation) (pipeline.Record, bool, error) {
	if filter != nil {
		keep, err := expr.Run(filter, rec)
		if err != nil {
			return nil, false, fmt.Errorf("filter: %w", err)
		}
		if !keep.(bool) {
			return nil, false, nil
		}
	}

	out := make(pipeline.Record, len(rec)+len(derivations))
	for k, v := range rec {
		out[k] = v
	}
	for _, d := range derivations {
		v, err := expr.Run(d.program, out)
		if err != nil {
			return nil, false, fmt.Errorf("set %s: %w", d.field, err)
		}
		out[d.field] = v
	}
	return out, true, nil
}
