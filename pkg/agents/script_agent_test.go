package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScriptAgent(t *testing.T, script string) *ScriptAgent {
	t.Helper()
	agent, err := NewScriptAgent(Config{Name: "transform", Type: TypeScript, Script: script}, nil)
	require.NoError(t, err)
	return agent
}

func TestScriptAgent_ReturnsObject(t *testing.T) {
	agent := newTestScriptAgent(t, `
function run(inputs) {
  console.log("scoring", inputs.files.length);
  return { count: inputs.files.length, first: inputs.files[0], ok: true };
}`)

	result, err := agent.Execute(context.Background(), map[string]interface{}{
		"files": []interface{}{"a.go", "b.go"},
	})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, map[string]interface{}{"count": float64(2), "first": "a.go", "ok": true}, result.Output)
}

func TestScriptAgent_ReturnsScalar(t *testing.T) {
	agent := newTestScriptAgent(t, `function run(inputs) { return inputs.name.toUpperCase(); }`)

	result, err := agent.Execute(context.Background(), map[string]interface{}{"name": "go"})
	require.NoError(t, err)
	assert.Equal(t, "GO", result.Output)
}

func TestScriptAgent_ExceptionFails(t *testing.T) {
	agent := newTestScriptAgent(t, `function run(inputs) { throw new Error("bad input"); }`)

	result, err := agent.Execute(context.Background(), map[string]interface{}{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "bad input")
}

func TestScriptAgent_MissingRunFails(t *testing.T) {
	agent := newTestScriptAgent(t, `var x = 1;`)

	result, err := agent.Execute(context.Background(), map[string]interface{}{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "run(inputs)")
}

func TestScriptAgent_InterruptedByContext(t *testing.T) {
	agent := newTestScriptAgent(t, `function run(inputs) { while (true) {} }`)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := agent.Execute(ctx, map[string]interface{}{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestScriptAgent_CompileError(t *testing.T) {
	_, err := NewScriptAgent(Config{Name: "broken", Type: TypeScript, Script: "function run( {"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestScriptAgent_HealthCheck(t *testing.T) {
	assert.True(t, newTestScriptAgent(t, `function run() {}`).HealthCheck(context.Background()))
}
