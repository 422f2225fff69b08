package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/agentrunner/pkg/models"
)

// testWorkflowStore exercises the WorkflowStore contract against any backend
func testWorkflowStore(t *testing.T, store WorkflowStore) {
	ctx := context.Background()

	review := &models.WorkflowDefinition{
		Name:           "code-review",
		Description:    "Review code",
		Timeout:        models.Duration(5 * time.Minute),
		RequiredInputs: []string{"code"},
		Steps: []models.StepSpec{{
			Name:    "analyze",
			Agent:   "analyzer",
			Inputs:  map[string]interface{}{"code": "{{code}}"},
			Outputs: []string{"analysis"},
		}},
	}
	deploy := &models.WorkflowDefinition{
		Name:  "deploy",
		Steps: []models.StepSpec{{Name: "ship", Agent: "cli"}},
	}

	require.NoError(t, store.SaveWorkflow(ctx, review))
	require.NoError(t, store.SaveWorkflow(ctx, deploy))

	got, err := store.GetWorkflow(ctx, "code-review")
	require.NoError(t, err)
	assert.Equal(t, "Review code", got.Description)
	assert.Equal(t, 5*time.Minute, got.Timeout.Std())
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "{{code}}", got.Steps[0].Inputs["code"])
	assert.Equal(t, []string{"analysis"}, got.Steps[0].Outputs)

	review.Description = "Review code thoroughly"
	require.NoError(t, store.SaveWorkflow(ctx, review))
	got, err = store.GetWorkflow(ctx, "code-review")
	require.NoError(t, err)
	assert.Equal(t, "Review code thoroughly", got.Description)

	list, err := store.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "code-review", list[0].Name)
	assert.Equal(t, "deploy", list[1].Name)

	require.NoError(t, store.DeleteWorkflow(ctx, "deploy"))
	_, err = store.GetWorkflow(ctx, "deploy")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
	assert.ErrorIs(t, store.DeleteWorkflow(ctx, "deploy"), ErrWorkflowNotFound)
}

// testExecutionStore exercises the ExecutionStore contract against any backend
func testExecutionStore(t *testing.T, store ExecutionStore) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	done := base.Add(90 * time.Second)

	first := &models.Execution{
		ID:           "exec-1",
		WorkflowName: "code-review",
		Status:       models.StateRunning,
		Inputs:       map[string]interface{}{"code": "x=1"},
		CreatedAt:    base,
		StartedAt:    &base,
	}
	second := &models.Execution{
		ID:           "exec-2",
		WorkflowName: "code-review",
		Status:       models.StatePending,
		CreatedAt:    base.Add(time.Minute),
	}

	require.NoError(t, store.SaveExecution(ctx, first))
	require.NoError(t, store.SaveExecution(ctx, second))

	first.Status = models.StateFailed
	first.CompletedAt = &done
	first.Error = &models.ExecutionError{Kind: "agent_failure", Step: "analyze", Message: "boom"}
	first.Steps = []models.StepResult{{StepName: "analyze", Agent: "analyzer", Error: "boom", ExecutionTime: time.Second}}
	require.NoError(t, store.SaveExecution(ctx, first))

	got, err := store.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.Status)
	assert.Equal(t, "x=1", got.Inputs["code"])
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(done))
	require.NotNil(t, got.Error)
	assert.Equal(t, "analyze", got.Error.Step)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, time.Second, got.Steps[0].ExecutionTime)

	list, err := store.ListExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "exec-2", list[0].ID)
	assert.Equal(t, "exec-1", list[1].ID)

	require.NoError(t, store.DeleteExecution(ctx, "exec-2"))
	_, err = store.GetExecution(ctx, "exec-2")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
	assert.ErrorIs(t, store.DeleteExecution(ctx, "exec-2"), ErrExecutionNotFound)
}

func TestMemoryProvider(t *testing.T) {
	provider := NewMemoryProvider()
	require.NoError(t, provider.Initialize(context.Background()))
	defer provider.Close()

	t.Run("workflows", func(t *testing.T) { testWorkflowStore(t, provider.GetWorkflowStore()) })
	t.Run("executions", func(t *testing.T) { testExecutionStore(t, provider.GetExecutionStore()) })
}

func TestMemoryExecutionStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryExecutionStore()

	execution := &models.Execution{ID: "a", Inputs: map[string]interface{}{"k": "v"}}
	require.NoError(t, store.SaveExecution(ctx, execution))
	execution.Inputs["k"] = "changed"

	got, err := store.GetExecution(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Inputs["k"])
}
