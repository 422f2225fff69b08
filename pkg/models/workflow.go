package models

import (
	"errors"
	"fmt"
	"sort"
)

// WorkflowKind selects how a workflow's steps are scheduled
type WorkflowKind string

const (
	// KindSimple runs steps strictly in declaration order
	KindSimple WorkflowKind = "simple"

	// KindGraph runs steps in dependency levels derived from their
	// placeholder references
	KindGraph WorkflowKind = "graph"
)

// WorkflowDefinition describes a named sequence of agent steps
type WorkflowDefinition struct {
	Name              string                 `json:"name" yaml:"name"`
	Description       string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Version           string                 `json:"version,omitempty" yaml:"version,omitempty"`
	Kind              WorkflowKind           `json:"type,omitempty" yaml:"type,omitempty"`
	Steps             []StepSpec             `json:"steps" yaml:"steps"`
	Agents            []string               `json:"agents,omitempty" yaml:"agents,omitempty"`
	Timeout           Duration               `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RequiredInputs    []string               `json:"required_inputs,omitempty" yaml:"required_inputs,omitempty"`
	OptionalInputs    []string               `json:"optional_inputs,omitempty" yaml:"optional_inputs,omitempty"`
	ParallelExecution bool                   `json:"parallel_execution,omitempty" yaml:"parallel_execution,omitempty"`
	StrictOutputs     bool                   `json:"strict_outputs,omitempty" yaml:"strict_outputs,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// StepSpec is one unit of work in a workflow
type StepSpec struct {
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Agent       string                 `json:"agent" yaml:"agent"`
	Inputs      map[string]interface{} `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     []string               `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Timeout     Duration               `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Condition is a JavaScript expression; the step is skipped when it
	// evaluates to false
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// Fallback names an agent tried once when the primary agent fails
	Fallback string `json:"fallback,omitempty" yaml:"fallback,omitempty"`

	// DependsOn lists steps that must finish first in graph scheduling
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Scheduled reports whether the workflow uses dependency-level scheduling
func (w *WorkflowDefinition) Scheduled() bool {
	return w.Kind == KindGraph || w.ParallelExecution
}

// Normalize fills defaults: the kind and, when absent, the agent set
// derived from the steps.
func (w *WorkflowDefinition) Normalize() {
	if w.Kind == "" {
		w.Kind = KindSimple
	}
	if len(w.Agents) == 0 {
		w.Agents = w.ReferencedAgents()
	}
}

// ReferencedAgents returns the sorted set of agents named by the steps
func (w *WorkflowDefinition) ReferencedAgents() []string {
	seen := make(map[string]bool)
	for _, s := range w.Steps {
		if s.Agent != "" {
			seen[s.Agent] = true
		}
		if s.Fallback != "" {
			seen[s.Fallback] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Step returns the step with the given name
func (w *WorkflowDefinition) Step(name string) (StepSpec, bool) {
	for _, s := range w.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepSpec{}, false
}

// Validate checks the structural invariants of the definition
func (w *WorkflowDefinition) Validate() error {
	var errs []error

	if w.Name == "" {
		errs = append(errs, errors.New("workflow name is required"))
	}
	if len(w.Steps) == 0 {
		errs = append(errs, errors.New("workflow must have at least one step"))
	}
	switch w.Kind {
	case "", KindSimple, KindGraph:
	default:
		errs = append(errs, fmt.Errorf("unsupported workflow type %q", w.Kind))
	}
	if w.Timeout < 0 {
		errs = append(errs, errors.New("workflow timeout must not be negative"))
	}

	agents := make(map[string]bool, len(w.Agents))
	for _, a := range w.Agents {
		agents[a] = true
	}

	names := make(map[string]bool, len(w.Steps))
	for i, s := range w.Steps {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("step %d: name is required", i))
			continue
		}
		if names[s.Name] {
			errs = append(errs, fmt.Errorf("step %q: duplicate step name", s.Name))
		}
		names[s.Name] = true

		if s.Agent == "" {
			errs = append(errs, fmt.Errorf("step %q: agent is required", s.Name))
		} else if !agents[s.Agent] {
			errs = append(errs, fmt.Errorf("step %q: agent %q is not listed in workflow agents", s.Name, s.Agent))
		}
		if s.Fallback != "" && !agents[s.Fallback] {
			errs = append(errs, fmt.Errorf("step %q: fallback agent %q is not listed in workflow agents", s.Name, s.Fallback))
		}
		if s.Timeout < 0 {
			errs = append(errs, fmt.Errorf("step %q: timeout must not be negative", s.Name))
		}
	}

	for _, s := range w.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.Name {
				errs = append(errs, fmt.Errorf("step %q: depends on itself", s.Name))
			} else if !names[dep] {
				errs = append(errs, fmt.Errorf("step %q: depends on unknown step %q", s.Name, dep))
			}
		}
	}
	if len(errs) == 0 {
		if cycle := w.dependencyCycle(); cycle != "" {
			errs = append(errs, fmt.Errorf("step %q: depends_on forms a cycle", cycle))
		}
	}

	return errors.Join(errs...)
}

// dependencyCycle returns a step on a depends_on cycle, or "".
func (w *WorkflowDefinition) dependencyCycle() string {
	deps := make(map[string][]string, len(w.Steps))
	for _, s := range w.Steps {
		deps[s.Name] = s.DependsOn
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(w.Steps))

	var visit func(name string) string
	visit = func(name string) string {
		switch state[name] {
		case visiting:
			return name
		case done:
			return ""
		}
		state[name] = visiting
		for _, d := range deps[name] {
			if c := visit(d); c != "" {
				return c
			}
		}
		state[name] = done
		return ""
	}

	for _, s := range w.Steps {
		if c := visit(s.Name); c != "" {
			return c
		}
	}
	return ""
}

// Clone returns a deep copy of the definition
func (w *WorkflowDefinition) Clone() *WorkflowDefinition {
	if w == nil {
		return nil
	}
	c := *w
	c.Agents = append([]string(nil), w.Agents...)
	c.RequiredInputs = append([]string(nil), w.RequiredInputs...)
	c.OptionalInputs = append([]string(nil), w.OptionalInputs...)
	c.Metadata = CloneMap(w.Metadata)
	c.Steps = make([]StepSpec, len(w.Steps))
	for i, s := range w.Steps {
		cs := s
		cs.Inputs = CloneMap(s.Inputs)
		cs.Outputs = append([]string(nil), s.Outputs...)
		cs.DependsOn = append([]string(nil), s.DependsOn...)
		c.Steps[i] = cs
	}
	return &c
}
