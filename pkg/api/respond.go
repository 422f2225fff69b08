package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tcmartin/agentrunner/pkg/agents"
	"github.com/tcmartin/agentrunner/pkg/loader"
	"github.com/tcmartin/agentrunner/pkg/registry"
	"github.com/tcmartin/agentrunner/pkg/runtime"
	"github.com/tcmartin/agentrunner/pkg/storage"
	"github.com/tcmartin/agentrunner/pkg/templates"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error       string            `json:"error"`
	Kind        runtime.ErrorKind `json:"kind,omitempty"`
	ExecutionID string            `json:"execution_id,omitempty"`
	Details     []string          `json:"details,omitempty"`
}

// statusFor maps an error to an HTTP status code
func statusFor(err error) int {
	switch {
	case errors.Is(err, runtime.ErrUnknownWorkflow),
		errors.Is(err, runtime.ErrExecutionNotFound),
		errors.Is(err, storage.ErrWorkflowNotFound),
		errors.Is(err, storage.ErrExecutionNotFound),
		errors.Is(err, templates.ErrTemplateNotFound),
		errors.Is(err, agents.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrWorkflowExists),
		errors.Is(err, agents.ErrAgentAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, registry.ErrBuiltinReadOnly):
		return http.StatusForbidden
	case errors.Is(err, runtime.ErrValidation),
		errors.Is(err, loader.ErrInvalidDefinition),
		errors.Is(err, registry.ErrNameMismatch),
		errors.Is(err, agents.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	if kind := runtime.KindOf(err); kind != runtime.KindInternal {
		resp.Kind = kind
	}
	writeJSON(w, statusFor(err), resp)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message})
}
