// Package edge implements edge traversal (spec §4.7): deciding whether a
// graph edge fires after a node executes, and carrying the source node's
// outputs into the target node's memory keys.
package edge

import (
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/agentloom/loom/internal/goal"
	"github.com/agentloom/loom/internal/graphspec"
)

// TraversalInput is everything should_traverse needs to decide whether an
// edge fires: the source node's success flag and output, a read-only
// memory snapshot, and (for conditional predicates that reference them)
// the active goal.
type TraversalInput struct {
	Success bool
	Output  map[string]any
	Memory  map[string]any
	Goal    *goal.Goal
}

// ShouldTraverse evaluates e's condition against in, per spec §4.7.
func ShouldTraverse(e graphspec.EdgeSpec, in TraversalInput) (bool, error) {
	switch e.Condition {
	case graphspec.ConditionAlways:
		return true, nil
	case graphspec.ConditionOnSuccess:
		return in.Success, nil
	case graphspec.ConditionOnFailure:
		return !in.Success, nil
	case graphspec.ConditionConditional:
		return evaluatePredicate(e.Predicate, in)
	default:
		return false, fmt.Errorf("edge: unknown condition %q", e.Condition)
	}
}

// evaluatePredicate evaluates e.Predicate in the restricted namespace
// {memory, result, output, goal} and coerces the result to boolean.
func evaluatePredicate(predicate string, in TraversalInput) (bool, error) {
	var goalPromptCtx string
	if in.Goal != nil {
		goalPromptCtx = in.Goal.ToPromptContext()
	}

	env := map[string]any{
		"memory": in.Memory,
		"result": in.Success,
		"output": in.Output,
		"goal":   goalPromptCtx,
	}

	program, err := expr.Compile(predicate, expr.Env(env))
	if err != nil {
		return false, fmt.Errorf("edge: compile predicate %q: %w", predicate, err)
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("edge: evaluate predicate %q: %w", predicate, err)
	}

	return truthy(out), nil
}

// truthy coerces a predicate's result to boolean: nil, false, zero
// numbers, and empty strings/collections are falsy; everything else,
// including a literal bool, is taken at face value.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

// MapInputs builds the target node's input overlay from an edge's
// InputMap: for each source-output key -> target-input key pair, copies
// sourceOutput[key], falling back to memory[key] if the source output
// didn't carry it.
func MapInputs(e graphspec.EdgeSpec, sourceOutput, memory map[string]any) map[string]any {
	mapped := make(map[string]any, len(e.InputMap))
	for srcKey, tgtKey := range e.InputMap {
		if v, ok := sourceOutput[srcKey]; ok {
			mapped[tgtKey] = v
			continue
		}
		if v, ok := memory[srcKey]; ok {
			mapped[tgtKey] = v
		}
	}
	return mapped
}
