package models

import "time"

// ExecutionState is the lifecycle state of a workflow execution
type ExecutionState string

const (
	StatePending   ExecutionState = "pending"
	StateRunning   ExecutionState = "running"
	StateCompleted ExecutionState = "completed"
	StateFailed    ExecutionState = "failed"
	StateCancelled ExecutionState = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed
func (s ExecutionState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// IsActive reports whether the execution counts as in flight
func (s ExecutionState) IsActive() bool {
	return s == StatePending || s == StateRunning
}

// Valid reports whether s is one of the known states
func (s ExecutionState) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// ExecutionError describes why an execution failed
type ExecutionError struct {
	// Kind is the error taxonomy entry, e.g. "timeout" or "resolution_error"
	Kind string `json:"kind"`

	// Step is the failing step, empty for workflow-level failures
	Step string `json:"step,omitempty"`

	// Message is the human readable error
	Message string `json:"message"`
}

// Execution is one run of a workflow with concrete inputs
type Execution struct {
	// ID of the execution
	ID string `json:"id"`

	// WorkflowName is the name of the workflow being executed
	WorkflowName string `json:"workflow_name"`

	// Status of the execution
	Status ExecutionState `json:"status"`

	// Inputs are the initial inputs the execution was started with
	Inputs map[string]interface{} `json:"inputs,omitempty"`

	// CreatedAt is when the execution was requested
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the first step began
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the execution reached a terminal state
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Result is the final namespace snapshot of a completed execution
	Result map[string]interface{} `json:"result,omitempty"`

	// Error is set iff Status is failed
	Error *ExecutionError `json:"error,omitempty"`

	// Steps holds the results of the steps run so far
	Steps []StepResult `json:"steps,omitempty"`

	// CurrentStep is the step currently executing
	CurrentStep string `json:"current_step,omitempty"`

	// Progress of the execution (0-100%)
	Progress float64 `json:"progress"`

	// Metadata carries trigger information such as the source or a retried id
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Duration returns completed_at minus started_at, or the time elapsed so far
// for executions still running.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil {
		return 0
	}
	if e.CompletedAt == nil {
		return time.Since(*e.StartedAt)
	}
	return e.CompletedAt.Sub(*e.StartedAt)
}

// Clone returns a deep copy of the execution
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.Inputs = CloneMap(e.Inputs)
	c.Result = CloneMap(e.Result)
	c.Metadata = CloneMap(e.Metadata)
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	if e.Error != nil {
		ee := *e.Error
		c.Error = &ee
	}
	if e.Steps != nil {
		c.Steps = make([]StepResult, len(e.Steps))
		for i, s := range e.Steps {
			c.Steps[i] = s.Clone()
		}
	}
	return &c
}

// StepResult is the outcome of a single step
type StepResult struct {
	// StepName is the name of the step
	StepName string `json:"step_name"`

	// Agent is the agent that produced the output
	Agent string `json:"agent,omitempty"`

	// Success indicates whether the step succeeded
	Success bool `json:"success"`

	// Skipped is set when the step condition evaluated to false
	Skipped bool `json:"skipped,omitempty"`

	// Output is the raw agent result on success
	Output interface{} `json:"output,omitempty"`

	// Error message on failure
	Error string `json:"error,omitempty"`

	// ErrorKind is the error taxonomy entry on failure
	ErrorKind string `json:"error_kind,omitempty"`

	// Warnings are non-fatal problems such as missing declared outputs
	Warnings []string `json:"warnings,omitempty"`

	// StartedAt is when the step began
	StartedAt time.Time `json:"started_at"`

	// ExecutionTime is how long the step took
	ExecutionTime time.Duration `json:"execution_time"`
}

// Clone returns a deep copy of the step result
func (s StepResult) Clone() StepResult {
	c := s
	c.Output = CloneValue(s.Output)
	if s.Warnings != nil {
		c.Warnings = append([]string(nil), s.Warnings...)
	}
	return c
}

// ExecutionEvent types
const (
	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventExecutionCancelled = "execution.cancelled"
	EventStepStarted        = "step.started"
	EventStepCompleted      = "step.completed"
	EventStepFailed         = "step.failed"
	EventStepSkipped        = "step.skipped"
)

// ExecutionEvent is published by the engine as an execution progresses
type ExecutionEvent struct {
	// Type is one of the Event* constants
	Type string `json:"type"`

	// Timestamp of the event
	Timestamp time.Time `json:"timestamp"`

	// ExecutionID is the ID of the execution
	ExecutionID string `json:"execution_id"`

	// WorkflowName is the name of the workflow
	WorkflowName string `json:"workflow_name"`

	// StepName is set for step events
	StepName string `json:"step_name,omitempty"`

	// Status is the execution status after the event
	Status ExecutionState `json:"status"`

	// Message is a short description of the event
	Message string `json:"message,omitempty"`

	// Data is additional context for the event
	Data map[string]interface{} `json:"data,omitempty"`
}

// IsTerminal reports whether the event closes an execution
func (e ExecutionEvent) IsTerminal() bool {
	switch e.Type {
	case EventExecutionCompleted, EventExecutionFailed, EventExecutionCancelled:
		return true
	}
	return false
}

// CloneMap deep-copies a JSON-like map
func CloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies maps and slices of JSON-like values; other values
// are returned as-is.
func CloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
