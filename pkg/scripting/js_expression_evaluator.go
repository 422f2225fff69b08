package scripting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robertkrimen/otto"
)

// ErrHalted is returned when an evaluation is interrupted by its deadline
var ErrHalted = errors.New("expression evaluation halted")

// DefaultTimeout bounds a single evaluation when the context has no deadline
const DefaultTimeout = 2 * time.Second

// JSExpressionEvaluator evaluates expressions with the otto JavaScript
// interpreter. Every evaluation gets a fresh VM so evaluations can run
// concurrently.
type JSExpressionEvaluator struct {
	timeout time.Duration
}

// NewJSExpressionEvaluator creates a new JSExpressionEvaluator
func NewJSExpressionEvaluator() *JSExpressionEvaluator {
	return &JSExpressionEvaluator{timeout: DefaultTimeout}
}

// WithTimeout sets the per-evaluation timeout
func (e *JSExpressionEvaluator) WithTimeout(d time.Duration) *JSExpressionEvaluator {
	e.timeout = d
	return e
}

// Evaluate runs expression with each variable bound as a global and the
// whole set bound as "vars". The expression may be wrapped in ${...}.
func (e *JSExpressionEvaluator) Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error) {
	value, err := e.run(ctx, expression, vars)
	if err != nil {
		return nil, err
	}

	goValue, err := value.Export()
	if err != nil {
		return nil, fmt.Errorf("failed to convert result to Go value: %w", err)
	}
	return goValue, nil
}

// EvaluateCondition runs expression and converts the result to a boolean
// using JavaScript truthiness. An empty expression is true.
func (e *JSExpressionEvaluator) EvaluateCondition(ctx context.Context, expression string, vars map[string]any) (bool, error) {
	if strings.TrimSpace(unwrap(expression)) == "" {
		return true, nil
	}

	value, err := e.run(ctx, expression, vars)
	if err != nil {
		return false, err
	}
	return value.ToBoolean()
}

func (e *JSExpressionEvaluator) run(ctx context.Context, expression string, vars map[string]any) (result otto.Value, err error) {
	expr := unwrap(expression)

	if vars == nil {
		vars = map[string]any{}
	}

	vm := otto.New()
	if err := vm.Set("vars", vars); err != nil {
		return otto.UndefinedValue(), fmt.Errorf("failed to bind variables: %w", err)
	}
	for key, value := range vars {
		if err := vm.Set(key, value); err != nil {
			return otto.UndefinedValue(), fmt.Errorf("failed to bind variable %q: %w", key, err)
		}
	}

	if _, ok := ctx.Deadline(); !ok && e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	vm.Interrupt = make(chan func(), 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt <- func() { panic(ErrHalted) }
		case <-done:
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			if r == ErrHalted {
				result, err = otto.UndefinedValue(), fmt.Errorf("%w: %s", ErrHalted, expr)
				return
			}
			panic(r)
		}
	}()

	value, err := vm.Run(expr)
	if err != nil {
		return otto.UndefinedValue(), fmt.Errorf("failed to evaluate expression '%s': %w", expr, err)
	}
	return value, nil
}

// unwrap strips an optional ${...} wrapper.
func unwrap(expression string) string {
	trimmed := strings.TrimSpace(expression)
	if strings.HasPrefix(trimmed, "${") && strings.HasSuffix(trimmed, "}") {
		return trimmed[2 : len(trimmed)-1]
	}
	return trimmed
}
