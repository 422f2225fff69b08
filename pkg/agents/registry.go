package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry maps agent names to instances. It is constructed explicitly and
// passed to the components that need it.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	descs  map[string]string
	health map[string]healthStatus
}

type healthStatus struct {
	healthy   bool
	checkedAt time.Time
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]Agent),
		descs:  make(map[string]string),
		health: make(map[string]healthStatus),
	}
}

// Register adds an agent under its Name
func (r *Registry) Register(agent Agent) error {
	return r.RegisterWithDescription(agent, "")
}

// RegisterWithDescription adds an agent with a human readable description
func (r *Registry) RegisterWithDescription(agent Agent, description string) error {
	if agent == nil || agent.Name() == "" {
		return fmt.Errorf("%w: agent must have a name", ErrInvalidConfig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agent.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrAgentAlreadyExists, agent.Name())
	}
	r.agents[agent.Name()] = agent
	r.descs[agent.Name()] = description
	return nil
}

// Unregister removes an agent and closes it when it holds resources
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	agent, exists := r.agents[name]
	if exists {
		delete(r.agents, name)
		delete(r.descs, name)
		delete(r.health, name)
	}
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	if c, ok := agent.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Get returns the agent registered under name
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return agent, nil
}

// Names returns all registered agent names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List describes all registered agents, sorted by name
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.agents))
	for name, agent := range r.agents {
		infos = append(infos, r.infoLocked(name, agent))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Describe returns the Info for one agent
func (r *Registry) Describe(name string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[name]
	if !exists {
		return Info{}, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return r.infoLocked(name, agent), nil
}

func (r *Registry) infoLocked(name string, agent Agent) Info {
	info := Info{Name: name, Type: agent.Type(), Description: r.descs[name]}
	if h, ok := r.health[name]; ok {
		healthy := h.healthy
		checked := h.checkedAt
		info.Healthy = &healthy
		info.LastChecked = &checked
	}
	return info
}

// CheckHealth runs one agent's health check and records the outcome
func (r *Registry) CheckHealth(ctx context.Context, name string) (bool, error) {
	agent, err := r.Get(name)
	if err != nil {
		return false, err
	}

	healthy := agent.HealthCheck(ctx)

	r.mu.Lock()
	if _, still := r.agents[name]; still {
		r.health[name] = healthStatus{healthy: healthy, checkedAt: time.Now()}
	}
	r.mu.Unlock()

	return healthy, nil
}

// CheckAll runs every agent's health check concurrently
func (r *Registry) CheckAll(ctx context.Context) map[string]bool {
	names := r.Names()
	results := make(map[string]bool, len(names))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			healthy, err := r.CheckHealth(ctx, name)
			if err != nil {
				return
			}
			mu.Lock()
			results[name] = healthy
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return results
}

// Close unregisters every agent, releasing held resources
func (r *Registry) Close() error {
	var firstErr error
	for _, name := range r.Names() {
		if err := r.Unregister(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
