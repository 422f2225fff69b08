// Package scripting evaluates JavaScript expressions used by workflow step
// conditions.
package scripting

import "context"

// ExpressionEvaluator evaluates expressions against a set of variables
type ExpressionEvaluator interface {
	// Evaluate runs an expression and returns its exported Go value
	Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error)

	// EvaluateCondition runs an expression and reports its JavaScript
	// truthiness
	EvaluateCondition(ctx context.Context, expression string, vars map[string]any) (bool, error)
}
