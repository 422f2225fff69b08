package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tcmartin/agentrunner/pkg/logging"
)

// DefaultPruneSchedule runs retention once a minute
const DefaultPruneSchedule = "@every 1m"

// RetentionPolicy bounds how long finished executions are kept. Zero values
// disable the corresponding limit.
type RetentionPolicy struct {
	// TTL is how long a terminal execution is kept after it completes
	TTL time.Duration

	// MaxExecutions caps the number of terminal executions retained
	MaxExecutions int

	// Schedule is a cron spec (with optional seconds field) or a
	// descriptor such as "@every 30s"
	Schedule string
}

// Enabled reports whether the policy prunes anything
func (p RetentionPolicy) Enabled() bool {
	return p.TTL > 0 || p.MaxExecutions > 0
}

// RetentionPruner removes old terminal executions from a registry on a cron
// schedule
type RetentionPruner struct {
	registry *ExecutionRegistry
	policy   RetentionPolicy
	logger   logging.Logger
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
}

// NewRetentionPruner creates a pruner; call Start to schedule it
func NewRetentionPruner(registry *ExecutionRegistry, policy RetentionPolicy, logger logging.Logger) *RetentionPruner {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if policy.Schedule == "" {
		policy.Schedule = DefaultPruneSchedule
	}
	return &RetentionPruner{registry: registry, policy: policy, logger: logger, now: time.Now}
}

// Start schedules pruning. It is a no-op when the policy is disabled.
func (p *RetentionPruner) Start() error {
	if !p.policy.Enabled() {
		p.logger.Info("execution retention disabled; registry grows without bound")
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return nil
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(p.policy.Schedule)
	if err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", p.policy.Schedule, err)
	}

	c := cron.New(cron.WithParser(parser))
	p.entryID = c.Schedule(schedule, cron.FuncJob(func() {
		p.PruneOnce(context.Background())
	}))
	c.Start()
	p.cron = c

	p.logger.Info("execution retention scheduled",
		logging.F("schedule", p.policy.Schedule),
		logging.F("ttl", p.policy.TTL.String()),
		logging.F("max_executions", p.policy.MaxExecutions))
	return nil
}

// Stop unschedules pruning and waits for a running prune to finish
func (p *RetentionPruner) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// PruneOnce applies the policy immediately and returns the number of
// executions removed
func (p *RetentionPruner) PruneOnce(ctx context.Context) int {
	var cutoff time.Time
	if p.policy.TTL > 0 {
		cutoff = p.now().Add(-p.policy.TTL)
	}

	removed := p.registry.Prune(ctx, cutoff, p.policy.MaxExecutions)
	if len(removed) > 0 {
		p.logger.Info("pruned executions", logging.F("count", len(removed)))
	}
	return len(removed)
}
