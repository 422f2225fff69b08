// Package loader reads workflow definitions from YAML or JSON documents.
package loader

import (
	"errors"

	"github.com/tcmartin/agentrunner/pkg/models"
)

// ErrInvalidDefinition is wrapped by every parse and validation failure
var ErrInvalidDefinition = errors.New("invalid workflow definition")

// WorkflowLoader parses and validates workflow definition documents
type WorkflowLoader interface {
	// Parse decodes, normalizes and validates a definition
	Parse(content []byte) (*models.WorkflowDefinition, error)

	// Validate checks a document without returning the definition
	Validate(content []byte) error

	// Lint reports problems that do not prevent the workflow from running,
	// such as placeholders no input or earlier step provides
	Lint(def *models.WorkflowDefinition) []string
}
