package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common errors
var (
	ErrValidation         = errors.New("validation failed")
	ErrResolution         = errors.New("unresolved variable")
	ErrAgentNotFound      = errors.New("agent not found")
	ErrTimeout            = errors.New("timed out")
	ErrAgentFailure       = errors.New("agent failed")
	ErrMissingOutputs     = errors.New("declared outputs missing")
	ErrConditionFailed    = errors.New("condition evaluation failed")
	ErrUnknownWorkflow    = errors.New("unknown workflow")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrStepFailure        = errors.New("step failed")
	ErrExecutionFinalized = errors.New("execution already finished")
	ErrCancelled          = errors.New("execution cancelled")
)

// ErrorKind is the taxonomy label recorded on failed executions and steps
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation_error"
	KindResolution        ErrorKind = "resolution_error"
	KindAgentNotFound     ErrorKind = "agent_not_found"
	KindTimeout           ErrorKind = "timeout"
	KindAgentFailure      ErrorKind = "agent_failure"
	KindMissingOutputs    ErrorKind = "missing_outputs"
	KindCondition         ErrorKind = "condition_error"
	KindUnknownWorkflow   ErrorKind = "unknown_workflow"
	KindExecutionNotFound ErrorKind = "execution_not_found"
	KindStepFailure       ErrorKind = "step_failure"
	KindCancelled         ErrorKind = "cancelled"
	KindInternal          ErrorKind = "internal_error"
)

// KindOf classifies err. For a StepFailure the kind of the underlying cause
// is returned.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrResolution):
		return KindResolution
	case errors.Is(err, ErrAgentNotFound):
		return KindAgentNotFound
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrMissingOutputs):
		return KindMissingOutputs
	case errors.Is(err, ErrConditionFailed):
		return KindCondition
	case errors.Is(err, ErrAgentFailure):
		return KindAgentFailure
	case errors.Is(err, ErrUnknownWorkflow):
		return KindUnknownWorkflow
	case errors.Is(err, ErrExecutionNotFound):
		return KindExecutionNotFound
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrStepFailure):
		return KindStepFailure
	default:
		return KindInternal
	}
}

// ValidationError reports bad initial inputs or a malformed definition
type ValidationError struct {
	Workflow string
	Missing  []string
	Problems []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required inputs: "+strings.Join(e.Missing, ", "))
	}
	parts = append(parts, e.Problems...)
	return fmt.Sprintf("workflow %q: %s: %s", e.Workflow, ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ResolutionError reports a placeholder naming a variable that is not set
type ResolutionError struct {
	Variable string
	Step     string
}

func (e *ResolutionError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("%s %q", ErrResolution, e.Variable)
	}
	return fmt.Sprintf("%s %q referenced by step %q", ErrResolution, e.Variable, e.Step)
}

func (e *ResolutionError) Unwrap() error { return ErrResolution }

// StepFailure wraps the error that made a step fail
type StepFailure struct {
	Step string
	Err  error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepFailure) Unwrap() []error { return []error{ErrStepFailure, e.Err} }
