package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tcmartin/agentrunner/pkg/agents"
	"github.com/tcmartin/agentrunner/pkg/logging"
	"github.com/tcmartin/agentrunner/pkg/models"
	"github.com/tcmartin/agentrunner/pkg/scripting"
)

// AgentLookup resolves agent names to agents
type AgentLookup interface {
	Get(name string) (agents.Agent, error)
}

// StepOptions carries the workflow-level settings a step runs under
type StepOptions struct {
	// Timeout applies when the step declares none
	Timeout time.Duration

	// StrictOutputs turns missing declared outputs into a step failure
	StrictOutputs bool
}

// StepExecutor runs a single workflow step
type StepExecutor struct {
	agents    AgentLookup
	evaluator scripting.ExpressionEvaluator
	logger    logging.Logger
}

// NewStepExecutor creates a StepExecutor. evaluator may be nil, in which
// case steps with a condition fail.
func NewStepExecutor(lookup AgentLookup, evaluator scripting.ExpressionEvaluator, logger logging.Logger) *StepExecutor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &StepExecutor{agents: lookup, evaluator: evaluator, logger: logger}
}

// Run resolves the step's inputs against ns, invokes its agent under the
// step deadline and binds the declared outputs back into ns. The returned
// error is nil iff the result is successful.
func (x *StepExecutor) Run(ctx context.Context, step models.StepSpec, ns *Namespace, opts StepOptions) (models.StepResult, error) {
	start := time.Now()
	result := models.StepResult{StepName: step.Name, Agent: step.Agent, StartedAt: start}

	finish := func(err error) (models.StepResult, error) {
		result.ExecutionTime = time.Since(start)
		if err != nil {
			result.Success = false
			result.Error = err.Error()
			result.ErrorKind = string(KindOf(err))
			return result, err
		}
		result.Success = true
		return result, nil
	}

	if step.Condition != "" {
		run, err := x.evaluateCondition(ctx, step, ns)
		if err != nil {
			return finish(err)
		}
		if !run {
			result.Skipped = true
			return finish(nil)
		}
	}

	inputs, err := ns.ResolveInputs(step.Name, step.Inputs)
	if err != nil {
		return finish(err)
	}

	timeout := step.Timeout.Std()
	if timeout <= 0 {
		timeout = opts.Timeout
	}

	output, err := x.invoke(ctx, step.Agent, inputs, timeout)
	if err != nil && step.Fallback != "" && ctx.Err() == nil && fallbackAllowed(err) {
		x.logger.Warn("primary agent failed, trying fallback",
			logging.F("step", step.Name),
			logging.F("agent", step.Agent),
			logging.F("fallback", step.Fallback),
			logging.Err(err))

		primaryErr := err
		output, err = x.invoke(ctx, step.Fallback, inputs, timeout)
		if err != nil {
			return finish(fmt.Errorf("fallback agent %q: %w (primary agent %q: %v)", step.Fallback, err, step.Agent, primaryErr))
		}
		result.Agent = step.Fallback
		result.Warnings = append(result.Warnings, fmt.Sprintf("agent %q failed (%v); used fallback %q", step.Agent, primaryErr, step.Fallback))
	}
	if err != nil {
		return finish(err)
	}
	result.Output = output

	bound, missing := bindOutputs(step.Outputs, output)
	if len(missing) > 0 {
		if opts.StrictOutputs {
			return finish(fmt.Errorf("%w: %s", ErrMissingOutputs, strings.Join(missing, ", ")))
		}
		for _, name := range missing {
			result.Warnings = append(result.Warnings, fmt.Sprintf("declared output %q missing from agent result", name))
		}
	}
	for name, value := range bound {
		ns.Set(name, value)
	}

	return finish(nil)
}

func (x *StepExecutor) evaluateCondition(ctx context.Context, step models.StepSpec, ns *Namespace) (bool, error) {
	if x.evaluator == nil {
		return false, fmt.Errorf("%w: no expression evaluator configured", ErrConditionFailed)
	}
	ok, err := x.evaluator.EvaluateCondition(ctx, step.Condition, ns.Snapshot())
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrConditionFailed, err)
	}
	return ok, nil
}

type agentOutcome struct {
	result agents.Result
	err    error
}

// invoke calls one agent under timeout and classifies the failure.
func (x *StepExecutor) invoke(ctx context.Context, name string, inputs map[string]interface{}, timeout time.Duration) (interface{}, error) {
	agent, err := x.agents.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	ch := make(chan agentOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- agentOutcome{err: fmt.Errorf("agent panicked: %v", r)}
			}
		}()
		res, err := agent.Execute(callCtx, models.CloneMap(inputs))
		ch <- agentOutcome{result: res, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			if callCtx.Err() != nil {
				return nil, x.deadlineError(ctx, name, timeout)
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrAgentFailure, name, o.err)
		}
		if !o.result.Success {
			msg := o.result.Error
			if msg == "" {
				msg = "agent reported failure"
			}
			return nil, fmt.Errorf("%w: %s: %s", ErrAgentFailure, name, msg)
		}
		return o.result.Output, nil
	case <-callCtx.Done():
		return nil, x.deadlineError(ctx, name, timeout)
	}
}

func (x *StepExecutor) deadlineError(parent context.Context, name string, timeout time.Duration) error {
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return parent.Err()
	case errors.Is(parent.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: workflow deadline exceeded while waiting for agent %q", ErrTimeout, name)
	default:
		return fmt.Errorf("%w: agent %q did not respond within %s", ErrTimeout, name, timeout)
	}
}

func fallbackAllowed(err error) bool {
	return errors.Is(err, ErrAgentNotFound) || errors.Is(err, ErrAgentFailure) || errors.Is(err, ErrTimeout)
}

// bindOutputs maps an agent payload onto the declared output names. A map
// payload binds its same-named fields; any other non-nil payload binds to a
// single declared output.
func bindOutputs(declared []string, output interface{}) (map[string]interface{}, []string) {
	if len(declared) == 0 {
		return nil, nil
	}

	bound := make(map[string]interface{}, len(declared))
	var missing []string

	if m := asMap(output); m != nil {
		for _, name := range declared {
			if v, ok := m[name]; ok {
				bound[name] = v
			} else {
				missing = append(missing, name)
			}
		}
		return bound, missing
	}

	if len(declared) == 1 && output != nil {
		bound[declared[0]] = output
		return bound, nil
	}
	return bound, append(missing, declared...)
}

func asMap(v interface{}) map[string]interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return t
	case map[string]string:
		m := make(map[string]interface{}, len(t))
		for k, s := range t {
			m[k] = s
		}
		return m
	default:
		return nil
	}
}
