package pipeline

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
)

// EvalCondition evaluates an edge condition against a context snapshot
// using the expr language. An empty condition is unconditionally true; the
// expression must evaluate to a bool.
func EvalCondition(cond string, vars map[string]any) (bool, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true, nil
	}
	out, err := expr.Eval(cond, vars)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", cond, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q must evaluate to bool, got %T", cond, out)
	}
	return b, nil
}
