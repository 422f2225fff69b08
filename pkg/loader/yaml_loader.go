package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tcmartin/agentrunner/pkg/models"
	"github.com/tcmartin/agentrunner/pkg/runtime"
)

// YAMLLoader implements WorkflowLoader. JSON documents are accepted as
// they are valid YAML.
type YAMLLoader struct {
	agentExists func(name string) bool
}

// Option configures a YAMLLoader
type Option func(*YAMLLoader)

// WithAgentCheck makes validation reject steps whose agent does not exist
func WithAgentCheck(exists func(name string) bool) Option {
	return func(l *YAMLLoader) {
		l.agentExists = exists
	}
}

// NewYAMLLoader creates a new loader
func NewYAMLLoader(opts ...Option) *YAMLLoader {
	l := &YAMLLoader{}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Parse converts a YAML or JSON document into a workflow definition
func (l *YAMLLoader) Parse(content []byte) (*models.WorkflowDefinition, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidDefinition)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)

	var def models.WorkflowDefinition
	if err := decoder.Decode(&def); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	def.Normalize()
	if err := l.check(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks if a document is a valid workflow definition
func (l *YAMLLoader) Validate(content []byte) error {
	_, err := l.Parse(content)
	return err
}

// Check validates an already decoded definition, e.g. one received as JSON
// over the API
func (l *YAMLLoader) Check(def *models.WorkflowDefinition) error {
	def.Normalize()
	return l.check(def)
}

func (l *YAMLLoader) check(def *models.WorkflowDefinition) error {
	var errs []error
	if err := def.Validate(); err != nil {
		errs = append(errs, err)
	}
	if l.agentExists != nil {
		for _, name := range def.Agents {
			if !l.agentExists(name) {
				errs = append(errs, fmt.Errorf("agent %q is not registered", name))
			}
		}
	}
	if def.Scheduled() && len(errs) == 0 {
		if _, err := runtime.PlanLevels(def.Steps); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	name := def.Name
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Errorf("%w: %s: %w", ErrInvalidDefinition, name, errors.Join(errs...))
}

// Lint reports placeholders that neither a declared input nor a step output
// provides. In simple workflows a step may only use outputs of earlier steps.
func (l *YAMLLoader) Lint(def *models.WorkflowDefinition) []string {
	available := make(map[string]bool)
	for _, in := range def.RequiredInputs {
		available[in] = true
	}
	for _, in := range def.OptionalInputs {
		available[in] = true
	}
	if def.Scheduled() {
		for _, s := range def.Steps {
			for _, out := range s.Outputs {
				available[out] = true
			}
		}
	}

	var warnings []string
	for _, s := range def.Steps {
		for _, ref := range runtime.References(s.Inputs) {
			if !available[ref] {
				warnings = append(warnings, fmt.Sprintf("step %q: {{%s}} is not a declared input or an earlier step output", s.Name, ref))
			}
		}
		for _, out := range s.Outputs {
			available[out] = true
		}
		if len(s.Outputs) == 0 {
			warnings = append(warnings, fmt.Sprintf("step %q: declares no outputs", s.Name))
		}
	}
	return warnings
}

// ParseFile reads and parses one definition file
func (l *YAMLLoader) ParseFile(path string) (*models.WorkflowDefinition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	def, err := l.Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return def, nil
}

// LoadDir parses every .yaml, .yml and .json file in dir, in name order.
// Invalid files are reported together; valid ones are still returned.
func (l *YAMLLoader) LoadDir(dir string) ([]*models.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	var (
		defs []*models.WorkflowDefinition
		errs []error
		seen = make(map[string]string)
	)
	for _, file := range files {
		def, err := l.ParseFile(filepath.Join(dir, file))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, dup := seen[def.Name]; dup {
			errs = append(errs, fmt.Errorf("%s: %w: workflow %q already defined in %s", file, ErrInvalidDefinition, def.Name, prev))
			continue
		}
		seen[def.Name] = file
		defs = append(defs, def)
	}
	return defs, errors.Join(errs...)
}
