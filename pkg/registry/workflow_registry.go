package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/tcmartin/agentrunner/pkg/loader"
	"github.com/tcmartin/agentrunner/pkg/logging"
	"github.com/tcmartin/agentrunner/pkg/models"
	"github.com/tcmartin/agentrunner/pkg/runtime"
	"github.com/tcmartin/agentrunner/pkg/storage"
	"github.com/tcmartin/agentrunner/pkg/templates"
)

// Checker validates a decoded definition
type Checker interface {
	Check(def *models.WorkflowDefinition) error
}

// Options contains options for creating a workflow registry
type Options struct {
	// Checker validates definitions before they are stored. Defaults to a
	// plain loader.YAMLLoader.
	Checker Checker

	// Catalog supplies read-only fallback definitions. May be nil.
	Catalog *templates.Catalog

	// Logger records registry changes
	Logger logging.Logger
}

// WorkflowRegistryService implements WorkflowRegistry on a storage.WorkflowStore
type WorkflowRegistryService struct {
	store   storage.WorkflowStore
	checker Checker
	catalog *templates.Catalog
	logger  logging.Logger
}

// NewWorkflowRegistry creates a new workflow registry service
func NewWorkflowRegistry(store storage.WorkflowStore, options Options) *WorkflowRegistryService {
	r := &WorkflowRegistryService{
		store:   store,
		checker: options.Checker,
		catalog: options.Catalog,
		logger:  options.Logger,
	}
	if r.checker == nil {
		r.checker = loader.NewYAMLLoader()
	}
	if r.logger == nil {
		r.logger = logging.NewNopLogger()
	}
	return r
}

var _ runtime.WorkflowSource = (*WorkflowRegistryService)(nil)

// Create validates and stores a new workflow definition
func (r *WorkflowRegistryService) Create(ctx context.Context, def *models.WorkflowDefinition) error {
	if def == nil {
		return fmt.Errorf("%w: definition is required", loader.ErrInvalidDefinition)
	}
	def = def.Clone()
	if err := r.checker.Check(def); err != nil {
		return err
	}

	if _, err := r.store.GetWorkflow(ctx, def.Name); err == nil {
		return fmt.Errorf("%w: %s", ErrWorkflowExists, def.Name)
	} else if !errors.Is(err, storage.ErrWorkflowNotFound) {
		return fmt.Errorf("failed to get workflow: %w", err)
	}

	if err := r.store.SaveWorkflow(ctx, def); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	r.logger.Info("Workflow created", logging.F("workflow", def.Name), logging.F("steps", len(def.Steps)))
	return nil
}

// Update replaces a stored workflow definition. A definition with an empty
// name takes the name from the path.
func (r *WorkflowRegistryService) Update(ctx context.Context, name string, def *models.WorkflowDefinition) error {
	if def == nil {
		return fmt.Errorf("%w: definition is required", loader.ErrInvalidDefinition)
	}
	def = def.Clone()
	if def.Name == "" {
		def.Name = name
	}
	if def.Name != name {
		return fmt.Errorf("%w: %q != %q", ErrNameMismatch, def.Name, name)
	}

	if _, err := r.store.GetWorkflow(ctx, name); err != nil {
		if errors.Is(err, storage.ErrWorkflowNotFound) && r.isTemplate(name) {
			return fmt.Errorf("%w: %s", ErrBuiltinReadOnly, name)
		}
		return fmt.Errorf("failed to get workflow: %w", err)
	}
	if err := r.checker.Check(def); err != nil {
		return err
	}

	if err := r.store.SaveWorkflow(ctx, def); err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	r.logger.Info("Workflow updated", logging.F("workflow", name))
	return nil
}

// Delete removes a stored workflow definition. Templates cannot be deleted.
func (r *WorkflowRegistryService) Delete(ctx context.Context, name string) error {
	if err := r.store.DeleteWorkflow(ctx, name); err != nil {
		if errors.Is(err, storage.ErrWorkflowNotFound) && r.isTemplate(name) {
			return fmt.Errorf("%w: %s", ErrBuiltinReadOnly, name)
		}
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	r.logger.Info("Workflow deleted", logging.F("workflow", name))
	return nil
}

// GetWorkflow retrieves a stored definition or, failing that, a template.
// A name found in neither wraps runtime.ErrUnknownWorkflow.
func (r *WorkflowRegistryService) GetWorkflow(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	def, err := r.store.GetWorkflow(ctx, name)
	if err == nil {
		return def, nil
	}
	if !errors.Is(err, storage.ErrWorkflowNotFound) {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	if r.catalog != nil {
		if def, terr := r.catalog.Get(name); terr == nil {
			return def, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", runtime.ErrUnknownWorkflow, name)
}

// List returns stored workflows and the templates they do not shadow, by name
func (r *WorkflowRegistryService) List(ctx context.Context) ([]WorkflowInfo, error) {
	defs, err := r.store.ListWorkflows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	infos := make([]WorkflowInfo, 0, len(defs))
	stored := make(map[string]bool, len(defs))
	for _, def := range defs {
		stored[def.Name] = true
		infos = append(infos, infoFor(def, SourceStored))
	}
	if r.catalog != nil {
		for _, name := range r.catalog.Names() {
			if stored[name] {
				continue
			}
			def, err := r.catalog.Get(name)
			if err != nil {
				continue
			}
			infos = append(infos, infoFor(def, SourceTemplate))
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Import stores definitions loaded at startup, replacing stored ones with
// the same name
func (r *WorkflowRegistryService) Import(ctx context.Context, defs []*models.WorkflowDefinition) error {
	var errs []error
	for _, def := range defs {
		def = def.Clone()
		if err := r.checker.Check(def); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.store.SaveWorkflow(ctx, def); err != nil {
			errs = append(errs, fmt.Errorf("failed to save workflow %s: %w", def.Name, err))
			continue
		}
		r.logger.Debug("Workflow imported", logging.F("workflow", def.Name))
	}
	return errors.Join(errs...)
}

func (r *WorkflowRegistryService) isTemplate(name string) bool {
	if r.catalog == nil {
		return false
	}
	_, err := r.catalog.Get(name)
	return err == nil
}
