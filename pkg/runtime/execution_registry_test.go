package runtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/agentrunner/pkg/models"
	"github.com/tcmartin/agentrunner/pkg/storage"
)

func newExecution(id, workflow string, status models.ExecutionState, created time.Time) *models.Execution {
	x := &models.Execution{ID: id, WorkflowName: workflow, Status: status, CreatedAt: created}
	if status.IsTerminal() {
		done := created.Add(time.Second)
		x.StartedAt = &created
		x.CompletedAt = &done
	}
	return x
}

func TestExecutionRegistry_RegisterAndGet(t *testing.T) {
	r := NewExecutionRegistry(nil, nil)
	x := newExecution("a", "wf", models.StatePending, time.Now())
	x.Inputs = map[string]interface{}{"list": []interface{}{"x"}}

	require.NoError(t, r.Register(x))
	assert.Error(t, r.Register(x))

	x.Inputs["list"].([]interface{})[0] = "changed"
	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"x"}, got.Inputs["list"])

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestExecutionRegistry_TerminalRecordsAreImmutable(t *testing.T) {
	r := NewExecutionRegistry(nil, nil)
	require.NoError(t, r.Register(newExecution("a", "wf", models.StateRunning, time.Now())))

	_, err := r.Update("a", func(x *models.Execution) { x.Status = models.StateCompleted })
	require.NoError(t, err)

	_, err = r.Update("a", func(x *models.Execution) { x.Status = models.StateFailed })
	assert.ErrorIs(t, err, ErrExecutionFinalized)

	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, got.Status)

	_, err = r.Update("missing", func(x *models.Execution) {})
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestExecutionRegistry_List(t *testing.T) {
	r := NewExecutionRegistry(nil, nil)
	base := time.Now().Add(-time.Hour)
	require.NoError(t, r.Register(newExecution("1", "review", models.StateCompleted, base)))
	require.NoError(t, r.Register(newExecution("2", "review", models.StateFailed, base.Add(time.Minute))))
	require.NoError(t, r.Register(newExecution("3", "deploy", models.StateRunning, base.Add(2*time.Minute))))
	require.NoError(t, r.Register(newExecution("4", "review", models.StateRunning, base.Add(3*time.Minute))))

	ids := func(list []*models.Execution) []string {
		var out []string
		for _, x := range list {
			out = append(out, x.ID)
		}
		return out
	}

	assert.Equal(t, []string{"4", "3", "2", "1"}, ids(r.List(ExecutionFilter{})))
	assert.Equal(t, []string{"4", "2", "1"}, ids(r.List(ExecutionFilter{WorkflowName: "review"})))
	assert.Equal(t, []string{"4", "3"}, ids(r.List(ExecutionFilter{Status: models.StateRunning})))
	assert.Equal(t, []string{"3", "2"}, ids(r.List(ExecutionFilter{Offset: 1, Limit: 2})))
	assert.Empty(t, r.List(ExecutionFilter{Offset: 10}))

	assert.Equal(t, 2, r.ActiveCount())
}

func TestExecutionRegistry_ListActive(t *testing.T) {
	r := NewExecutionRegistry(nil, nil)
	base := time.Now().Add(-time.Hour)
	require.NoError(t, r.Register(newExecution("done", "wf", models.StateCompleted, base)))
	require.NoError(t, r.Register(newExecution("queued", "wf", models.StatePending, base.Add(time.Minute))))
	require.NoError(t, r.Register(newExecution("busy", "other", models.StateRunning, base.Add(2*time.Minute))))

	active := r.List(ExecutionFilter{Active: true})
	require.Len(t, active, 2)
	assert.Equal(t, "busy", active[0].ID)
	assert.Equal(t, "queued", active[1].ID)
	assert.Len(t, r.List(ExecutionFilter{Active: true, WorkflowName: "wf"}), 1)

	_, err := r.Update("busy", func(x *models.Execution) { x.Status = models.StateCompleted })
	require.NoError(t, err)
	active = r.List(ExecutionFilter{Active: true})
	require.Len(t, active, 1)
	assert.Equal(t, r.ActiveCount(), len(active))
}

func TestExecutionRegistry_Stats(t *testing.T) {
	r := NewExecutionRegistry(nil, nil)
	now := time.Now()
	require.NoError(t, r.Register(newExecution("1", "wf", models.StateCompleted, now)))
	require.NoError(t, r.Register(newExecution("2", "wf", models.StateCompleted, now)))
	require.NoError(t, r.Register(newExecution("3", "wf", models.StateFailed, now)))
	require.NoError(t, r.Register(newExecution("4", "wf", models.StateCancelled, now)))
	require.NoError(t, r.Register(newExecution("5", "wf", models.StatePending, now)))

	stats := r.Stats()
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 2, stats.Successful)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Cancelled)
	assert.InDelta(t, 0.5, stats.SuccessRate, 0.001)
	assert.Equal(t, time.Second, stats.AverageDuration)
}

func TestExecutionRegistry_ConcurrentAccess(t *testing.T) {
	r := NewExecutionRegistry(nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("x-%d", i)
			assert.NoError(t, r.Register(newExecution(id, "wf", models.StatePending, time.Now())))
			_, err := r.Update(id, func(x *models.Execution) { x.Status = models.StateRunning })
			assert.NoError(t, err)
			_ = r.List(ExecutionFilter{})
			_ = r.ActiveCount()
			_, err = r.Update(id, func(x *models.Execution) { x.Status = models.StateCompleted })
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.ActiveCount())
	assert.Len(t, r.List(ExecutionFilter{}), 50)
}

func TestExecutionRegistry_Prune(t *testing.T) {
	store := storage.NewMemoryExecutionStore()
	r := NewExecutionRegistry(store, nil)
	now := time.Now()

	require.NoError(t, r.Register(newExecution("old", "wf", models.StateCompleted, now.Add(-2*time.Hour))))
	require.NoError(t, r.Register(newExecution("mid", "wf", models.StateFailed, now.Add(-30*time.Minute))))
	require.NoError(t, r.Register(newExecution("new", "wf", models.StateCompleted, now.Add(-time.Minute))))
	require.NoError(t, r.Register(newExecution("active", "wf", models.StateRunning, now.Add(-3*time.Hour))))

	removed := r.Prune(context.Background(), now.Add(-time.Hour), 0)
	assert.Equal(t, []string{"old"}, removed)

	removed = r.Prune(context.Background(), time.Time{}, 1)
	assert.Equal(t, []string{"mid"}, removed)

	_, err := r.Get("active")
	assert.NoError(t, err)
	_, err = r.Get("new")
	assert.NoError(t, err)

	_, err = store.GetExecution(context.Background(), "old")
	assert.ErrorIs(t, err, storage.ErrExecutionNotFound)
}

func TestExecutionRegistry_PersistsAndRestores(t *testing.T) {
	store := storage.NewMemoryExecutionStore()
	ctx := context.Background()

	first := NewExecutionRegistry(store, nil)
	require.NoError(t, first.Register(newExecution("done", "wf", models.StateCompleted, time.Now())))
	require.NoError(t, first.Register(newExecution("inflight", "wf", models.StatePending, time.Now())))
	_, err := first.Update("inflight", func(x *models.Execution) { x.Status = models.StateRunning })
	require.NoError(t, err)

	second := NewExecutionRegistry(store, nil)
	n, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	done, err := second.Get("done")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, done.Status)

	interrupted, err := second.Get("inflight")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, interrupted.Status)
	require.NotNil(t, interrupted.Error)
	assert.Contains(t, interrupted.Error.Message, "restart")
	assert.Equal(t, 0, second.ActiveCount())

	stored, err := store.GetExecution(ctx, "inflight")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, stored.Status)
}
