// Package runtime provides the workflow execution engine: the variable
// namespace, the step executor, the engine itself and the execution registry.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tcmartin/agentrunner/pkg/logging"
	"github.com/tcmartin/agentrunner/pkg/models"
	"github.com/tcmartin/agentrunner/pkg/scripting"
	"github.com/tcmartin/agentrunner/pkg/storage"
)

// ErrEngineStopped is returned by Start after Shutdown
var ErrEngineStopped = errors.New("engine is shut down")

// WorkflowSource supplies workflow definitions by name. A missing workflow
// is reported with an error wrapping ErrUnknownWorkflow or
// storage.ErrWorkflowNotFound.
type WorkflowSource interface {
	GetWorkflow(ctx context.Context, name string) (*models.WorkflowDefinition, error)
}

// EngineConfig holds engine-wide defaults
type EngineConfig struct {
	// DefaultStepTimeout applies to steps without their own timeout
	DefaultStepTimeout time.Duration

	// DefaultWorkflowTimeout applies to workflows without their own timeout
	DefaultWorkflowTimeout time.Duration
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithEvaluator sets the evaluator used for step conditions
func WithEvaluator(evaluator scripting.ExpressionEvaluator) Option {
	return func(e *Engine) { e.evaluator = evaluator }
}

// WithEventBus shares an existing event bus
func WithEventBus(bus *EventBus) Option {
	return func(e *Engine) { e.events = bus }
}

// WithConfig sets the engine defaults
func WithConfig(config EngineConfig) Option {
	return func(e *Engine) { e.config = config }
}

// StartOption customises a single execution
type StartOption func(*models.Execution)

// WithMetadata attaches metadata such as the trigger source
func WithMetadata(metadata map[string]interface{}) StartOption {
	return func(x *models.Execution) {
		if x.Metadata == nil {
			x.Metadata = make(map[string]interface{}, len(metadata))
		}
		for k, v := range metadata {
			x.Metadata[k] = models.CloneValue(v)
		}
	}
}

// Engine runs workflows. Each execution runs in its own goroutine with its
// own namespace.
type Engine struct {
	workflows WorkflowSource
	agents    AgentLookup
	registry  *ExecutionRegistry
	executor  *StepExecutor
	evaluator scripting.ExpressionEvaluator
	events    *EventBus
	logger    logging.Logger
	config    EngineConfig

	baseCtx context.Context
	stop    context.CancelFunc
	stopped atomic.Bool
	wg      sync.WaitGroup

	mu      sync.Mutex
	handles map[string]*executionHandle
}

type executionHandle struct {
	mu              sync.Mutex
	cancelRequested bool
	// committed is set once the final step or level has started, leaving no
	// boundary at which a cancellation could be honoured
	committed bool
	done      chan struct{}
}

// requestCancel records a cancellation unless the run is committed. first
// reports whether this call set the flag.
func (h *executionHandle) requestCancel() (accepted, first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.committed {
		return false, false
	}
	first = !h.cancelRequested
	h.cancelRequested = true
	return true, first
}

// boundary reports whether a cancellation is pending. Passing the last
// boundary without one commits the run.
func (h *executionHandle) boundary(last bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelRequested {
		return true
	}
	if last {
		h.committed = true
	}
	return false
}

func (h *executionHandle) cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelRequested
}

// NewEngine creates an Engine
func NewEngine(workflows WorkflowSource, agentLookup AgentLookup, registry *ExecutionRegistry, opts ...Option) *Engine {
	e := &Engine{
		workflows: workflows,
		agents:    agentLookup,
		registry:  registry,
		handles:   make(map[string]*executionHandle),
		evaluator: scripting.NewJSExpressionEvaluator(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.NewNopLogger()
	}
	if e.events == nil {
		e.events = NewEventBus()
	}
	if e.registry == nil {
		e.registry = NewExecutionRegistry(nil, e.logger)
	}
	e.executor = NewStepExecutor(agentLookup, e.evaluator, e.logger)
	e.baseCtx, e.stop = context.WithCancel(context.Background())
	return e
}

// Registry returns the execution registry
func (e *Engine) Registry() *ExecutionRegistry { return e.registry }

// Events returns the event bus
func (e *Engine) Events() *EventBus { return e.events }

// Start looks up a workflow by name and starts an execution of it
func (e *Engine) Start(ctx context.Context, workflowName string, inputs map[string]interface{}, opts ...StartOption) (string, error) {
	def, err := e.workflows.GetWorkflow(ctx, workflowName)
	if err != nil {
		if errors.Is(err, ErrUnknownWorkflow) || errors.Is(err, storage.ErrWorkflowNotFound) {
			return "", fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowName)
		}
		return "", fmt.Errorf("failed to load workflow %s: %w", workflowName, err)
	}
	return e.StartDefinition(ctx, def, inputs, opts...)
}

// StartDefinition validates def and inputs and starts an execution. When
// required inputs are missing the returned id names a failed execution
// recorded for inspection, and the error is a *ValidationError.
func (e *Engine) StartDefinition(ctx context.Context, def *models.WorkflowDefinition, inputs map[string]interface{}, opts ...StartOption) (string, error) {
	if e.stopped.Load() {
		return "", ErrEngineStopped
	}
	if def == nil {
		return "", &ValidationError{Problems: []string{"workflow definition is required"}}
	}

	def = def.Clone()
	def.Normalize()
	if err := def.Validate(); err != nil {
		return "", &ValidationError{Workflow: def.Name, Problems: []string{err.Error()}}
	}
	if def.Scheduled() {
		if _, err := PlanLevels(def.Steps); err != nil {
			return "", &ValidationError{Workflow: def.Name, Problems: []string{err.Error()}}
		}
	}

	now := time.Now()
	execution := &models.Execution{
		ID:           uuid.New().String(),
		WorkflowName: def.Name,
		Status:       models.StatePending,
		Inputs:       models.CloneMap(inputs),
		CreatedAt:    now,
	}
	for _, opt := range opts {
		opt(execution)
	}

	if missing := missingInputs(def, inputs); len(missing) > 0 {
		verr := &ValidationError{Workflow: def.Name, Missing: missing}
		execution.Status = models.StateFailed
		execution.CompletedAt = &now
		execution.Error = &models.ExecutionError{Kind: string(KindValidation), Message: verr.Error()}
		if err := e.registry.Register(execution); err != nil {
			return "", err
		}
		e.publish(execution.ID, def.Name, models.EventExecutionFailed, "", models.StateFailed, verr.Error(), nil)
		e.logger.Warn("workflow inputs rejected",
			logging.F("workflow", def.Name),
			logging.F("execution_id", execution.ID),
			logging.F("missing", missing))
		return execution.ID, verr
	}

	if err := e.registry.Register(execution); err != nil {
		return "", err
	}

	ns := NewNamespace(inputs)
	for _, name := range def.OptionalInputs {
		if !ns.Has(name) {
			ns.Set(name, nil)
		}
	}

	h := &executionHandle{done: make(chan struct{})}
	e.mu.Lock()
	e.handles[execution.ID] = h
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(h, execution.ID, def, ns)

	e.logger.Info("execution started",
		logging.F("workflow", def.Name),
		logging.F("execution_id", execution.ID),
		logging.F("steps", len(def.Steps)))
	return execution.ID, nil
}

// AwaitResult blocks until the execution is terminal or ctx ends. When ctx
// ends first the current snapshot is returned together with ctx.Err().
func (e *Engine) AwaitResult(ctx context.Context, executionID string) (*models.Execution, error) {
	e.mu.Lock()
	h := e.handles[executionID]
	e.mu.Unlock()

	if h != nil {
		select {
		case <-h.done:
		case <-ctx.Done():
			snapshot, err := e.registry.Get(executionID)
			if err != nil {
				return nil, err
			}
			return snapshot, ctx.Err()
		}
	}
	return e.registry.Get(executionID)
}

// Cancel requests cooperative cancellation. The flag is honoured before the
// next step starts; a step already in flight runs to completion or timeout.
// It returns true only when the execution will end cancelled, and false once
// it has finished or its last step (or level) has started.
func (e *Engine) Cancel(executionID string) (bool, error) {
	e.mu.Lock()
	h := e.handles[executionID]
	e.mu.Unlock()

	if h == nil {
		if _, err := e.registry.Get(executionID); err != nil {
			return false, err
		}
		return false, nil
	}

	accepted, first := h.requestCancel()
	if first {
		e.logger.Info("cancellation requested", logging.F("execution_id", executionID))
	}
	return accepted, nil
}

// Retry starts a new execution of a failed or cancelled execution's
// workflow with the same inputs
func (e *Engine) Retry(ctx context.Context, executionID string) (string, error) {
	previous, err := e.registry.Get(executionID)
	if err != nil {
		return "", err
	}
	if previous.Status != models.StateFailed && previous.Status != models.StateCancelled {
		return "", fmt.Errorf("%w: only failed or cancelled executions can be retried, %s is %s", ErrValidation, executionID, previous.Status)
	}
	return e.Start(ctx, previous.WorkflowName, previous.Inputs, WithMetadata(map[string]interface{}{"retry_of": executionID}))
}

// Get returns a snapshot of an execution
func (e *Engine) Get(executionID string) (*models.Execution, error) {
	return e.registry.Get(executionID)
}

// List returns executions matching filter
func (e *Engine) List(filter ExecutionFilter) []*models.Execution {
	return e.registry.List(filter)
}

// ActiveCount returns the number of pending or running executions
func (e *Engine) ActiveCount() int {
	return e.registry.ActiveCount()
}

// Stats summarises all executions
func (e *Engine) Stats() ExecutionStats {
	return e.registry.Stats()
}

// Subscribe returns events for one execution, or all when executionID is
// empty
func (e *Engine) Subscribe(executionID string) (<-chan models.ExecutionEvent, func()) {
	return e.events.Subscribe(executionID, 0)
}

// AddListener registers a synchronous event listener
func (e *Engine) AddListener(l EventListener) {
	e.events.AddListener(l)
}

// Shutdown stops accepting executions, cancels the ones in flight and waits
// for them to finish or for ctx to end
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopped.Store(true)
	e.stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(h *executionHandle, executionID string, def *models.WorkflowDefinition, ns *Namespace) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.handles, executionID)
		e.mu.Unlock()
		close(h.done)
	}()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("execution panicked", logging.F("execution_id", executionID), logging.F("panic", fmt.Sprint(r)))
			e.finish(executionID, def, models.StateFailed, nil, fmt.Errorf("internal error: %v", r))
		}
	}()

	ctx := logging.WithExecutionID(e.baseCtx, executionID)
	timeout := def.Timeout.Std()
	if timeout <= 0 {
		timeout = e.config.DefaultWorkflowTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if h.boundary(false) {
		e.finish(executionID, def, models.StateCancelled, nil, nil)
		return
	}

	started := time.Now()
	if _, err := e.registry.Update(executionID, func(x *models.Execution) {
		x.Status = models.StateRunning
		x.StartedAt = &started
	}); err != nil {
		e.logger.Error("failed to mark execution running", logging.F("execution_id", executionID), logging.Err(err))
		return
	}
	e.publish(executionID, def.Name, models.EventExecutionStarted, "", models.StateRunning, "execution started", nil)

	opts := StepOptions{Timeout: e.config.DefaultStepTimeout, StrictOutputs: def.StrictOutputs}

	var err error
	if def.Scheduled() {
		err = e.runLevels(ctx, h, executionID, def, ns, opts)
	} else {
		err = e.runSequential(ctx, h, executionID, def, ns, opts)
	}

	switch {
	case err == nil:
		e.finish(executionID, def, models.StateCompleted, ns.Snapshot(), nil)
	case h.cancelled(), errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		e.finish(executionID, def, models.StateCancelled, nil, nil)
	default:
		e.finish(executionID, def, models.StateFailed, nil, err)
	}
}

func (e *Engine) runSequential(ctx context.Context, h *executionHandle, executionID string, def *models.WorkflowDefinition, ns *Namespace, opts StepOptions) error {
	for i, step := range def.Steps {
		if err := e.checkpoint(ctx, h, i == len(def.Steps)-1); err != nil {
			return err
		}
		if err := e.runStep(ctx, executionID, def, step, ns, opts); err != nil {
			return &StepFailure{Step: step.Name, Err: err}
		}
	}
	return nil
}

func (e *Engine) runLevels(ctx context.Context, h *executionHandle, executionID string, def *models.WorkflowDefinition, ns *Namespace, opts StepOptions) error {
	levels, err := PlanLevels(def.Steps)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	for i, level := range levels {
		if err := e.checkpoint(ctx, h, i == len(levels)-1); err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, idx := range level {
			step := def.Steps[idx]
			g.Go(func() error {
				if err := e.runStep(gctx, executionID, def, step, ns, opts); err != nil {
					return &StepFailure{Step: step.Name, Err: err}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// checkpoint is evaluated before each step or level.
func (e *Engine) checkpoint(ctx context.Context, h *executionHandle, last bool) error {
	if h.boundary(last) {
		return ErrCancelled
	}
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: workflow exceeded its timeout", ErrTimeout)
	case err != nil:
		return err
	}
	return nil
}

func (e *Engine) runStep(ctx context.Context, executionID string, def *models.WorkflowDefinition, step models.StepSpec, ns *Namespace, opts StepOptions) error {
	e.registry.Update(executionID, func(x *models.Execution) {
		x.CurrentStep = step.Name
	})
	e.publish(executionID, def.Name, models.EventStepStarted, step.Name, models.StateRunning, "step started",
		map[string]interface{}{"agent": step.Agent})
	e.logger.LogStep(def.Name, executionID, step.Name, "started", map[string]interface{}{"agent": step.Agent})

	result, err := e.executor.Run(ctx, step, ns, opts)

	total := len(def.Steps)
	e.registry.Update(executionID, func(x *models.Execution) {
		x.Steps = append(x.Steps, result)
		x.Progress = float64(len(x.Steps)) / float64(total) * 100
	})

	data := map[string]interface{}{
		"agent":          result.Agent,
		"execution_time": result.ExecutionTime.String(),
	}
	if len(result.Warnings) > 0 {
		data["warnings"] = result.Warnings
	}

	switch {
	case err != nil:
		data["error"] = result.Error
		data["error_kind"] = result.ErrorKind
		e.publish(executionID, def.Name, models.EventStepFailed, step.Name, models.StateRunning, result.Error, data)
		e.logger.Warn("step failed",
			logging.F("workflow", def.Name),
			logging.F("execution_id", executionID),
			logging.F("step", step.Name),
			logging.F("kind", result.ErrorKind),
			logging.Err(err))
	case result.Skipped:
		e.publish(executionID, def.Name, models.EventStepSkipped, step.Name, models.StateRunning, "condition not met", data)
		e.logger.LogStep(def.Name, executionID, step.Name, "skipped", data)
	default:
		e.publish(executionID, def.Name, models.EventStepCompleted, step.Name, models.StateRunning, "step completed", data)
		e.logger.LogStep(def.Name, executionID, step.Name, "completed", data)
		for _, w := range result.Warnings {
			e.logger.Warn(w, logging.F("execution_id", executionID), logging.F("step", step.Name))
		}
	}
	return err
}

func (e *Engine) finish(executionID string, def *models.WorkflowDefinition, status models.ExecutionState, result map[string]interface{}, cause error) {
	now := time.Now()
	snapshot, err := e.registry.Update(executionID, func(x *models.Execution) {
		x.Status = status
		x.CompletedAt = &now
		x.CurrentStep = ""
		switch status {
		case models.StateCompleted:
			x.Result = result
			x.Progress = 100
		case models.StateFailed:
			x.Error = toExecutionError(cause)
		}
	})
	if err != nil {
		e.logger.Error("failed to finalize execution", logging.F("execution_id", executionID), logging.Err(err))
		return
	}

	data := map[string]interface{}{"duration_ms": snapshot.Duration().Milliseconds()}
	message := string(status)
	eventType := models.EventExecutionCompleted
	switch status {
	case models.StateFailed:
		eventType = models.EventExecutionFailed
		message = snapshot.Error.Message
		data["error_kind"] = snapshot.Error.Kind
		if snapshot.Error.Step != "" {
			data["step"] = snapshot.Error.Step
		}
	case models.StateCancelled:
		eventType = models.EventExecutionCancelled
	}

	e.publish(executionID, def.Name, eventType, "", status, message, data)
	e.logger.LogExecution(def.Name, executionID, string(status), data)
}

func (e *Engine) publish(executionID, workflowName, eventType, stepName string, status models.ExecutionState, message string, data map[string]interface{}) {
	e.events.Publish(models.ExecutionEvent{
		Type:         eventType,
		Timestamp:    time.Now(),
		ExecutionID:  executionID,
		WorkflowName: workflowName,
		StepName:     stepName,
		Status:       status,
		Message:      message,
		Data:         data,
	})
}

func toExecutionError(err error) *models.ExecutionError {
	if err == nil {
		return &models.ExecutionError{Kind: string(KindInternal), Message: "unknown error"}
	}
	ee := &models.ExecutionError{Kind: string(KindOf(err)), Message: err.Error()}
	var sf *StepFailure
	if errors.As(err, &sf) {
		ee.Step = sf.Step
	}
	return ee
}

func missingInputs(def *models.WorkflowDefinition, inputs map[string]interface{}) []string {
	var missing []string
	for _, name := range def.RequiredInputs {
		if v, ok := inputs[name]; !ok || v == nil {
			missing = append(missing, name)
		}
	}
	return missing
}
