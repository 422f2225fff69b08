package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tcmartin/agentrunner/pkg/logging"
	"github.com/tcmartin/agentrunner/pkg/models"
	"github.com/tcmartin/agentrunner/pkg/storage"
)

// ExecutionFilter narrows List results. Zero values match everything.
type ExecutionFilter struct {
	WorkflowName string
	Status       models.ExecutionState
	// Active matches pending or running executions
	Active bool
	Limit  int
	Offset int
}

// ExecutionStats summarises the executions held by the registry
type ExecutionStats struct {
	Total           int           `json:"total"`
	Pending         int           `json:"pending"`
	Running         int           `json:"running"`
	Successful      int           `json:"successful"`
	Failed          int           `json:"failed"`
	Cancelled       int           `json:"cancelled"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
}

// ExecutionRegistry is the process-wide table of executions. All methods
// are safe for concurrent use and hand out copies, so a snapshot never
// changes after it is returned.
type ExecutionRegistry struct {
	mu         sync.RWMutex
	executions map[string]*models.Execution

	store  storage.ExecutionStore
	logger logging.Logger
}

// NewExecutionRegistry creates a registry. store may be nil for a purely
// in-memory registry.
func NewExecutionRegistry(store storage.ExecutionStore, logger logging.Logger) *ExecutionRegistry {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ExecutionRegistry{
		executions: make(map[string]*models.Execution),
		store:      store,
		logger:     logger,
	}
}

// Register adds a new execution
func (r *ExecutionRegistry) Register(execution *models.Execution) error {
	if execution == nil || execution.ID == "" {
		return fmt.Errorf("execution must have an id")
	}

	r.mu.Lock()
	if _, exists := r.executions[execution.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("execution %s already registered", execution.ID)
	}
	stored := execution.Clone()
	r.executions[execution.ID] = stored
	snapshot := stored.Clone()
	r.mu.Unlock()

	r.persist(snapshot)
	return nil
}

// Get returns a snapshot of an execution
func (r *ExecutionRegistry) Get(executionID string) (*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	execution, exists := r.executions[executionID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	return execution.Clone(), nil
}

// Update applies fn to an execution atomically. Executions in a terminal
// state cannot be changed.
func (r *ExecutionRegistry) Update(executionID string, fn func(*models.Execution)) (*models.Execution, error) {
	r.mu.Lock()
	execution, exists := r.executions[executionID]
	if !exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	if execution.Status.IsTerminal() {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrExecutionFinalized, executionID, execution.Status)
	}

	previous := execution.Status
	fn(execution)
	snapshot := execution.Clone()
	r.mu.Unlock()

	if snapshot.Status != previous {
		r.persist(snapshot)
	}
	return snapshot, nil
}

// List returns executions matching filter, newest first
func (r *ExecutionRegistry) List(filter ExecutionFilter) []*models.Execution {
	r.mu.RLock()
	matched := make([]*models.Execution, 0, len(r.executions))
	for _, execution := range r.executions {
		if filter.WorkflowName != "" && execution.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.Status != "" && execution.Status != filter.Status {
			continue
		}
		if filter.Active && !execution.Status.IsActive() {
			continue
		}
		matched = append(matched, execution.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*models.Execution{}
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched
}

// ActiveCount returns the number of pending or running executions
func (r *ExecutionRegistry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, execution := range r.executions {
		if execution.Status.IsActive() {
			count++
		}
	}
	return count
}

// Stats computes counts, success rate and the average duration of finished
// executions
func (r *ExecutionRegistry) Stats() ExecutionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats ExecutionStats
	var total time.Duration
	var finished int

	for _, execution := range r.executions {
		stats.Total++
		switch execution.Status {
		case models.StatePending:
			stats.Pending++
		case models.StateRunning:
			stats.Running++
		case models.StateCompleted:
			stats.Successful++
		case models.StateFailed:
			stats.Failed++
		case models.StateCancelled:
			stats.Cancelled++
		}
		if execution.Status.IsTerminal() && execution.StartedAt != nil {
			total += execution.Duration()
			finished++
		}
	}

	if done := stats.Successful + stats.Failed + stats.Cancelled; done > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(done)
	}
	if finished > 0 {
		stats.AverageDuration = total / time.Duration(finished)
	}
	return stats
}

// Prune removes terminal executions that completed before cutoff and, when
// maxRetained is positive, the oldest terminal executions beyond that many.
// Active executions are never removed. It returns the removed ids.
func (r *ExecutionRegistry) Prune(ctx context.Context, cutoff time.Time, maxRetained int) []string {
	r.mu.Lock()
	var removed []string
	var terminal []*models.Execution
	for id, execution := range r.executions {
		if !execution.Status.IsTerminal() {
			continue
		}
		if !cutoff.IsZero() && execution.CompletedAt != nil && execution.CompletedAt.Before(cutoff) {
			delete(r.executions, id)
			removed = append(removed, id)
			continue
		}
		terminal = append(terminal, execution)
	}

	if maxRetained > 0 && len(terminal) > maxRetained {
		sort.Slice(terminal, func(i, j int) bool {
			return completedAt(terminal[i]).Before(completedAt(terminal[j]))
		})
		for _, execution := range terminal[:len(terminal)-maxRetained] {
			delete(r.executions, execution.ID)
			removed = append(removed, execution.ID)
		}
	}
	r.mu.Unlock()

	if r.store != nil {
		for _, id := range removed {
			if err := r.store.DeleteExecution(ctx, id); err != nil {
				r.logger.Warn("failed to delete pruned execution", logging.F("execution_id", id), logging.Err(err))
			}
		}
	}
	return removed
}

// Restore loads executions persisted by a previous process. Records that
// were still active when that process stopped are marked failed.
func (r *ExecutionRegistry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}

	executions, err := r.store.ListExecutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to restore executions: %w", err)
	}

	var interrupted []*models.Execution
	r.mu.Lock()
	for _, execution := range executions {
		if _, exists := r.executions[execution.ID]; exists {
			continue
		}
		if execution.Status.IsActive() {
			now := time.Now()
			execution.Status = models.StateFailed
			execution.CompletedAt = &now
			execution.CurrentStep = ""
			execution.Error = &models.ExecutionError{
				Kind:    string(KindInternal),
				Message: "execution interrupted by process restart",
			}
			interrupted = append(interrupted, execution.Clone())
		}
		r.executions[execution.ID] = execution
	}
	r.mu.Unlock()

	for _, execution := range interrupted {
		r.persist(execution)
	}
	return len(executions), nil
}

func (r *ExecutionRegistry) persist(execution *models.Execution) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.SaveExecution(ctx, execution); err != nil {
		r.logger.Warn("failed to persist execution",
			logging.F("execution_id", execution.ID),
			logging.F("status", execution.Status),
			logging.Err(err))
	}
}

func completedAt(e *models.Execution) time.Time {
	if e.CompletedAt != nil {
		return *e.CompletedAt
	}
	return e.CreatedAt
}
