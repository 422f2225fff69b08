// Package templates provides the built-in workflow templates.
package templates

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"sync"

	"github.com/tcmartin/agentrunner/pkg/loader"
	"github.com/tcmartin/agentrunner/pkg/models"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// ErrTemplateNotFound is returned for unknown template names
var ErrTemplateNotFound = errors.New("template not found")

// Summary is the listing view of a template
type Summary struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Version        string   `json:"version"`
	Category       string   `json:"category,omitempty"`
	Agents         []string `json:"agents"`
	RequiredInputs []string `json:"required_inputs"`
	OptionalInputs []string `json:"optional_inputs,omitempty"`
	StepCount      int      `json:"step_count"`
}

// Overrides customizes an instantiated template
type Overrides struct {
	// Name renames the resulting workflow
	Name string `json:"name,omitempty"`

	// Description replaces the template description
	Description string `json:"description,omitempty"`

	// Agents maps template agent names to registered agent names
	Agents map[string]string `json:"agents,omitempty"`

	// Timeout replaces the workflow timeout when positive
	Timeout models.Duration `json:"timeout,omitempty"`

	// Metadata entries are merged over the template metadata
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Catalog holds templates by name
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]*models.WorkflowDefinition
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{templates: make(map[string]*models.WorkflowDefinition)}
}

var (
	builtinOnce sync.Once
	builtinDefs []*models.WorkflowDefinition
	builtinErr  error
)

// Builtin returns a catalog with code-review, pr-automation and
// task-development
func Builtin() (*Catalog, error) {
	builtinOnce.Do(func() {
		builtinDefs, builtinErr = loadFS(builtinFS, "builtin")
	})
	if builtinErr != nil {
		return nil, builtinErr
	}

	c := NewCatalog()
	for _, def := range builtinDefs {
		c.Add(def)
	}
	return c, nil
}

func loadFS(fsys fs.FS, dir string) ([]*models.WorkflowDefinition, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	l := loader.NewYAMLLoader()
	defs := make([]*models.WorkflowDefinition, 0, len(entries))
	for _, entry := range entries {
		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		def, err := l.Parse(content)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", entry.Name(), err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Add registers or replaces a template
func (c *Catalog) Add(def *models.WorkflowDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[def.Name] = def.Clone()
}

// Get returns a copy of the named template definition
func (c *Catalog) Get(name string) (*models.WorkflowDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	return def.Clone(), nil
}

// Names returns the sorted template names
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.templates))
	for name := range c.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List summarizes every template, sorted by name
func (c *Catalog) List() []Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Summary, 0, len(c.templates))
	for _, def := range c.templates {
		category, _ := def.Metadata["category"].(string)
		out = append(out, Summary{
			Name:           def.Name,
			Description:    def.Description,
			Version:        def.Version,
			Category:       category,
			Agents:         append([]string(nil), def.Agents...),
			RequiredInputs: append([]string(nil), def.RequiredInputs...),
			OptionalInputs: append([]string(nil), def.OptionalInputs...),
			StepCount:      len(def.Steps),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Instantiate copies a template and applies overrides. Agent remapping
// applies to step agents, fallbacks and the agent list.
func (c *Catalog) Instantiate(name string, overrides Overrides) (*models.WorkflowDefinition, error) {
	def, err := c.Get(name)
	if err != nil {
		return nil, err
	}

	if overrides.Name != "" {
		def.Name = overrides.Name
	}
	if overrides.Description != "" {
		def.Description = overrides.Description
	}
	if overrides.Timeout > 0 {
		def.Timeout = overrides.Timeout
	}

	remap := func(agent string) string {
		if to, ok := overrides.Agents[agent]; ok && to != "" {
			return to
		}
		return agent
	}
	for i := range def.Steps {
		def.Steps[i].Agent = remap(def.Steps[i].Agent)
		if def.Steps[i].Fallback != "" {
			def.Steps[i].Fallback = remap(def.Steps[i].Fallback)
		}
	}
	seen := make(map[string]bool, len(def.Agents))
	agents := def.Agents[:0]
	for _, a := range def.Agents {
		mapped := remap(a)
		if !seen[mapped] {
			seen[mapped] = true
			agents = append(agents, mapped)
		}
	}
	def.Agents = agents

	if len(overrides.Metadata) > 0 {
		if def.Metadata == nil {
			def.Metadata = make(map[string]interface{}, len(overrides.Metadata))
		}
		for k, v := range overrides.Metadata {
			def.Metadata[k] = v
		}
	}
	if def.Metadata == nil {
		def.Metadata = map[string]interface{}{}
	}
	def.Metadata["template"] = name

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", loader.ErrInvalidDefinition, def.Name, err)
	}
	return def, nil
}
