// Package registry provides functionality for managing workflow definitions.
package registry

import (
	"context"
	"errors"

	"github.com/tcmartin/agentrunner/pkg/models"
)

// Errors returned by the workflow registry
var (
	ErrWorkflowExists  = errors.New("workflow with this name already exists")
	ErrBuiltinReadOnly = errors.New("built-in template workflows are read-only")
	ErrNameMismatch    = errors.New("workflow name does not match")
)

// Source tells where a listed workflow comes from
type Source string

const (
	SourceStored   Source = "stored"
	SourceTemplate Source = "template"
)

// WorkflowRegistry manages workflow definitions
type WorkflowRegistry interface {
	// Create validates and stores a new workflow definition
	Create(ctx context.Context, def *models.WorkflowDefinition) error

	// Update replaces a stored workflow definition
	Update(ctx context.Context, name string, def *models.WorkflowDefinition) error

	// Delete removes a stored workflow definition
	Delete(ctx context.Context, name string) error

	// GetWorkflow retrieves a definition, falling back to built-in templates
	GetWorkflow(ctx context.Context, name string) (*models.WorkflowDefinition, error)

	// List returns stored workflows and the templates they do not shadow
	List(ctx context.Context) ([]WorkflowInfo, error)
}

// WorkflowInfo contains metadata about a workflow
type WorkflowInfo struct {
	Name           string              `json:"name"`
	Description    string              `json:"description,omitempty"`
	Version        string              `json:"version,omitempty"`
	Kind           models.WorkflowKind `json:"type"`
	Agents         []string            `json:"agents"`
	RequiredInputs []string            `json:"required_inputs,omitempty"`
	OptionalInputs []string            `json:"optional_inputs,omitempty"`
	StepCount      int                 `json:"step_count"`
	Timeout        models.Duration     `json:"timeout,omitempty"`
	Source         Source              `json:"source"`
}

func infoFor(def *models.WorkflowDefinition, source Source) WorkflowInfo {
	return WorkflowInfo{
		Name:           def.Name,
		Description:    def.Description,
		Version:        def.Version,
		Kind:           def.Kind,
		Agents:         def.Agents,
		RequiredInputs: def.RequiredInputs,
		OptionalInputs: def.OptionalInputs,
		StepCount:      len(def.Steps),
		Timeout:        def.Timeout,
		Source:         source,
	}
}
