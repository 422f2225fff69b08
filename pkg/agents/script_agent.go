package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/tcmartin/agentrunner/pkg/logging"
)

// ScriptAgent runs an inline JavaScript function. The script must define
// run(inputs), whose return value becomes the output.
type ScriptAgent struct {
	baseAgent
	program *goja.Program
}

// NewScriptAgent compiles the configured script
func NewScriptAgent(cfg Config, logger logging.Logger) (*ScriptAgent, error) {
	if cfg.Type == "" {
		cfg.Type = TypeScript
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	program, err := goja.Compile(cfg.Name, cfg.Script, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: compiling script: %v", ErrInvalidConfig, cfg.Name, err)
	}
	return &ScriptAgent{baseAgent: newBaseAgent(cfg, logger), program: program}, nil
}

// Execute evaluates the script in a fresh VM. The VM is interrupted when ctx
// ends. A thrown exception is reported as a failed Result.
func (a *ScriptAgent) Execute(ctx context.Context, inputs map[string]interface{}) (Result, error) {
	callCtx, cancel := a.withCallTimeout(ctx)
	defer cancel()

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]interface{}, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.Export())
		}
		a.logger.Debug("script console", logging.F("args", parts))
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-callCtx.Done():
			vm.Interrupt(callCtx.Err())
		case <-done:
		}
	}()

	value, err := a.run(vm, inputs)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			return Failed(fmt.Sprintf("script interrupted: %v", interrupted.Value())), nil
		}
		var exception *goja.Exception
		if errors.As(err, &exception) {
			return Failed(exception.Value().String()), nil
		}
		return Failed(err.Error()), nil
	}

	return Succeeded(exportValue(value)), nil
}

func (a *ScriptAgent) run(vm *goja.Runtime, inputs map[string]interface{}) (goja.Value, error) {
	if _, err := vm.RunProgram(a.program); err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(vm.Get("run"))
	if !ok {
		return nil, errors.New("script does not define a run(inputs) function")
	}
	return fn(goja.Undefined(), vm.ToValue(inputs))
}

// HealthCheck reports true once the script has compiled
func (a *ScriptAgent) HealthCheck(ctx context.Context) bool {
	return a.program != nil
}

// exportValue converts a JavaScript value into plain Go data
func exportValue(v goja.Value) interface{} {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return normalizeExport(v.Export())
}

// normalizeExport turns exported integers into float64 so script outputs
// match JSON decoded data
func normalizeExport(v interface{}) interface{} {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalizeExport(val)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = normalizeExport(val)
		}
		return t
	default:
		return v
	}
}
