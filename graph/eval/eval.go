// Package eval implements the sandboxed expression language used by
// decision, loop and join(best_by) nodes to inspect execution state.
// Expressions see four variables: input (the execution's input_data),
// output (a map of node_id to that node's output), context (free-form
// execution metadata) and iteration (the current loop counter, 0
// outside a loop body). No function calls or assignments are exposed.
package eval

import (
	"fmt"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"
)

// ExpressionError reports a parse or evaluation failure, naming the
// offending expression so the orchestrator can attach it to a
// NodeResult without re-deriving it from the underlying gval error.
type ExpressionError struct {
	Expr   string
	Reason string
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("expression %q: %s", e.Expr, e.Reason)
}

// Vars is the variable binding exposed to an expression.
type Vars struct {
	Input     map[string]any
	Output    map[string]map[string]any
	Context   map[string]any
	Iteration int
}

func (v Vars) toMap() map[string]any {
	output := make(map[string]any, len(v.Output))
	for k, val := range v.Output {
		output[k] = val
	}
	return map[string]any{
		"input":     v.Input,
		"output":    output,
		"context":   v.Context,
		"iteration": v.Iteration,
	}
}

// Evaluator compiles and runs expressions against Vars. Evaluators are
// stateless beyond the configured language and are safe for concurrent
// use.
type Evaluator struct {
	lang gval.Language
}

// New returns an Evaluator supporting gval's full expression grammar
// (comparison, logical, arithmetic, string operators) plus jsonpath
// ($.foo.bar) addressing into the bound variables.
func New() *Evaluator {
	return &Evaluator{lang: gval.Full(jsonpath.Language())}
}

// Evaluate parses and runs expr against vars, returning its raw
// result.
func (e *Evaluator) Evaluate(expr string, vars Vars) (any, error) {
	result, err := e.lang.Evaluate(expr, vars.toMap())
	if err != nil {
		return nil, &ExpressionError{Expr: expr, Reason: err.Error()}
	}
	return result, nil
}

// EvaluateBool evaluates expr and requires the result to be a bool,
// as decision and loop "until" conditions do.
func (e *Evaluator) EvaluateBool(expr string, vars Vars) (bool, error) {
	result, err := e.Evaluate(expr, vars)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, &ExpressionError{Expr: expr, Reason: fmt.Sprintf("expected bool result, got %T", result)}
	}
	return b, nil
}

// EvaluateRaw evaluates expr against an already-assembled variable
// binding, bypassing Vars.toMap. A join's best_by expression is
// evaluated once per candidate source with that source's own output
// bound directly to "output", rather than nested under its node id as
// Vars does for decision/loop expressions.
func (e *Evaluator) EvaluateRaw(expr string, bound map[string]any) (any, error) {
	result, err := e.lang.Evaluate(expr, bound)
	if err != nil {
		return nil, &ExpressionError{Expr: expr, Reason: err.Error()}
	}
	return result, nil
}

// EvaluateNumberRaw is EvaluateRaw plus the numeric-result requirement
// of EvaluateNumber.
func (e *Evaluator) EvaluateNumberRaw(expr string, bound map[string]any) (float64, error) {
	result, err := e.EvaluateRaw(expr, bound)
	if err != nil {
		return 0, err
	}
	switch n := result.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, &ExpressionError{Expr: expr, Reason: fmt.Sprintf("expected numeric result, got %T", result)}
	}
}

// EvaluateNumber evaluates expr and requires a numeric result, as a
// join node's best_by expression does.
func (e *Evaluator) EvaluateNumber(expr string, vars Vars) (float64, error) {
	result, err := e.Evaluate(expr, vars)
	if err != nil {
		return 0, err
	}
	switch n := result.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, &ExpressionError{Expr: expr, Reason: fmt.Sprintf("expected numeric result, got %T", result)}
	}
}
