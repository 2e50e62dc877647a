package pipeline

import (
	"fmt"
	"strings"
)

// LintError describes a structural problem in a pipeline.
type LintError struct {
	StepID  string
	Message string
}

func (e LintError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("step %q: %s", e.StepID, e.Message)
	}
	return e.Message
}

// stepRequiredAttrs maps built-in step types to the attribute names that
// must be present (non-empty) in the DOT file. The linter reports all
// missing attributes across all steps before aborting.
var stepRequiredAttrs = map[StepType][]string{
	StepTypeHTTPExtract: {"url"},
	StepTypeGraphQL:     {"url", "query"},
	StepTypeFileExport:  {"path"},
}

// Validate checks a pipeline for structural correctness.
// Returns all discovered errors (not just the first).
func Validate(p *Pipeline) []LintError {
	var errs []LintError

	// Exactly one start step
	var startSteps []string
	for id, s := range p.Steps {
		if s.Type == StepTypeStart {
			startSteps = append(startSteps, id)
		}
	}
	switch len(startSteps) {
	case 0:
		errs = append(errs, LintError{Message: "pipeline must have exactly one start step"})
	case 1:
		// good
	default:
		errs = append(errs, LintError{Message: fmt.Sprintf("pipeline has %d start steps; exactly one required", len(startSteps))})
	}

	// Exactly one exit step
	var exitSteps []string
	for id, s := range p.Steps {
		if s.Type == StepTypeExit {
			exitSteps = append(exitSteps, id)
		}
	}
	switch len(exitSteps) {
	case 0:
		errs = append(errs, LintError{Message: "pipeline must have exactly one exit step"})
	case 1:
		// good
	default:
		errs = append(errs, LintError{Message: fmt.Sprintf("pipeline has %d exit steps; exactly one required", len(exitSteps))})
	}

	// All edge endpoints must reference existing steps
	for _, e := range p.Edges {
		if _, ok := p.Steps[e.From]; !ok {
			errs = append(errs, LintError{Message: fmt.Sprintf("edge references unknown source step %q", e.From)})
		}
		if _, ok := p.Steps[e.To]; !ok {
			errs = append(errs, LintError{Message: fmt.Sprintf("edge references unknown target step %q", e.To)})
		}
	}

	// The start step takes no input; an edge into it would re-run it mid-flow.
	if len(startSteps) == 1 {
		if in := p.IncomingEdges(startSteps[0]); len(in) > 0 {
			errs = append(errs, LintError{StepID: startSteps[0], Message: "start step must not have incoming edges"})
		}
	}

	// All non-start steps must be reachable from start
	if len(startSteps) == 1 {
		reachable := reachableFrom(p, startSteps[0])
		for id := range p.Steps {
			if id == startSteps[0] {
				continue
			}
			if !reachable[id] {
				errs = append(errs, LintError{StepID: id, Message: "step is not reachable from start"})
			}
		}
	}

	// Required attribute checks for built-in step types.
	for id, s := range p.Steps {
		required, ok := stepRequiredAttrs[s.Type]
		if !ok {
			continue
		}
		for _, attr := range required {
			if s.Attrs[attr] == "" {
				errs = append(errs, LintError{
					StepID:  id,
					Message: fmt.Sprintf("missing required attribute %q for step type %q", attr, s.Type),
				})
			}
		}
	}

	return errs
}

// ValidateStep checks a single step's required attributes and returns any
// lint errors. This is a convenience helper used in tests and by Validate.
func ValidateStep(s *Step) []LintError {
	var errs []LintError
	required, ok := stepRequiredAttrs[s.Type]
	if !ok {
		return nil
	}
	for _, attr := range required {
		if s.Attrs[attr] == "" {
			errs = append(errs, LintError{
				StepID:  s.ID,
				Message: fmt.Sprintf("missing required attribute %q for step type %q", attr, s.Type),
			})
		}
	}
	return errs
}

// ValidateErr calls Validate and returns nil if there are no errors, or a
// combined error message listing all lint errors.
func ValidateErr(p *Pipeline) error {
	errs := Validate(p)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("pipeline validation failed:\n  %s", strings.Join(msgs, "\n  "))
}

// reachableFrom returns the set of step IDs reachable from start via directed edges.
func reachableFrom(p *Pipeline, start string) map[string]bool {
	visited := map[string]bool{}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for _, e := range p.OutgoingEdges(cur) {
			queue = append(queue, e.To)
		}
	}
	return visited
}
