package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/tcmartin/agentrunner/pkg/logging"
	"github.com/tcmartin/agentrunner/pkg/models"
	"github.com/tcmartin/agentrunner/pkg/runtime"
)

const (
	defaultWaitTimeout = 5 * time.Minute
	maxWaitTimeout     = 30 * time.Minute
	maxListLimit       = 500
)

// StartRequest is the body of POST /api/v1/executions. Either Workflow or
// Definition is required; Definition runs an unsaved workflow.
type StartRequest struct {
	Workflow       string                     `json:"workflow"`
	Definition     *models.WorkflowDefinition `json:"definition,omitempty"`
	Inputs         map[string]interface{}     `json:"inputs"`
	Metadata       map[string]interface{}     `json:"metadata,omitempty"`
	Wait           bool                       `json:"wait,omitempty"`
	TimeoutSeconds float64                    `json:"timeout_seconds,omitempty"`
}

// StartResponse is returned when an execution is accepted without waiting
type StartResponse struct {
	ExecutionID string                `json:"execution_id"`
	Workflow    string                `json:"workflow"`
	Status      models.ExecutionState `json:"status"`
	RetryOf     string                `json:"retry_of,omitempty"`
}

// handleStartExecution starts a workflow. With wait it responds with the
// finished execution, or 202 and the current snapshot when the wait times
// out.
func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "Invalid request body")
		return
	}
	if req.Workflow == "" && req.Definition == nil {
		writeBadRequest(w, "workflow is required")
		return
	}

	metadata := map[string]interface{}{"source": "api"}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	opt := runtime.WithMetadata(metadata)

	// The execution outlives the request
	ctx := context.WithoutCancel(r.Context())

	var (
		id  string
		err error
	)
	if req.Definition != nil {
		if req.Definition.Name == "" {
			req.Definition.Name = req.Workflow
		}
		if err = s.workflowLoader().Check(req.Definition); err == nil {
			id, err = s.engine.StartDefinition(ctx, req.Definition, req.Inputs, opt)
		}
		req.Workflow = req.Definition.Name
	} else {
		id, err = s.engine.Start(ctx, req.Workflow, req.Inputs, opt)
	}
	if err != nil {
		resp := ErrorResponse{Error: err.Error(), Kind: runtime.KindOf(err), ExecutionID: id}
		var verr *runtime.ValidationError
		if errors.As(err, &verr) {
			resp.Details = append(append([]string(nil), verr.Missing...), verr.Problems...)
		}
		writeJSON(w, statusFor(err), resp)
		return
	}

	s.logger.Info("Execution started", logging.F("workflow", req.Workflow), logging.F("execution_id", id))

	if !req.Wait {
		writeJSON(w, http.StatusAccepted, StartResponse{ExecutionID: id, Workflow: req.Workflow, Status: models.StatePending})
		return
	}
	s.respondAwaited(w, r, id, waitTimeout(req.TimeoutSeconds))
}

// handleListExecutions lists executions filtered by workflow_name, status,
// limit and offset
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := runtime.ExecutionFilter{WorkflowName: q.Get("workflow_name")}

	if status := q.Get("status"); status != "" {
		filter.Status = models.ExecutionState(status)
		if !filter.Status.Valid() {
			writeBadRequest(w, "unknown status "+status)
			return
		}
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 100); err != nil || filter.Limit < 0 {
		writeBadRequest(w, "limit must be a non-negative integer")
		return
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil || filter.Offset < 0 {
		writeBadRequest(w, "offset must be a non-negative integer")
		return
	}

	executions := s.engine.List(filter)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": executions,
		"count":      len(executions),
		"limit":      filter.Limit,
		"offset":     filter.Offset,
	})
}

// handleActiveExecutions lists pending and running executions
func (s *Server) handleActiveExecutions(w http.ResponseWriter, r *http.Request) {
	active := s.engine.List(runtime.ExecutionFilter{Active: true})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": active,
		"count":      len(active),
	})
}

// handleExecutionStats returns aggregate execution statistics
func (s *Server) handleExecutionStats(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":               stats.Total,
		"pending":             stats.Pending,
		"running":             stats.Running,
		"successful":          stats.Successful,
		"failed":              stats.Failed,
		"cancelled":           stats.Cancelled,
		"success_rate":        stats.SuccessRate,
		"average_duration_ms": stats.AverageDuration.Milliseconds(),
	})
}

// handleGetExecution returns an execution snapshot
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := s.engine.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execution)
}

// handleCancelExecution requests cancellation
func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cancelled, err := s.engine.Cancel(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if cancelled {
		s.logger.Info("Execution cancellation requested", logging.F("execution_id", id))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"execution_id": id, "cancelled": cancelled})
}

// handleWaitExecution blocks until the execution finishes or
// timeout_seconds passes
func (s *Server) handleWaitExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	secs, err := strconv.ParseFloat(defaultString(r.URL.Query().Get("timeout_seconds"), "0"), 64)
	if err != nil || secs < 0 {
		writeBadRequest(w, "timeout_seconds must be a non-negative number")
		return
	}
	s.respondAwaited(w, r, id, waitTimeout(secs))
}

// handleRetryExecution starts a new execution with the inputs of a failed
// or cancelled one
func (s *Server) handleRetryExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	newID, err := s.engine.Retry(context.WithoutCancel(r.Context()), id)
	if err != nil {
		writeError(w, err)
		return
	}

	execution, err := s.engine.Get(newID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("Execution retried", logging.F("execution_id", newID), logging.F("retry_of", id))
	writeJSON(w, http.StatusAccepted, StartResponse{
		ExecutionID: newID,
		Workflow:    execution.WorkflowName,
		Status:      execution.Status,
		RetryOf:     id,
	})
}

func (s *Server) respondAwaited(w http.ResponseWriter, r *http.Request, id string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	execution, err := s.engine.AwaitResult(ctx, id)
	switch {
	case execution == nil:
		writeError(w, err)
	case execution.Status.IsActive():
		writeJSON(w, http.StatusAccepted, execution)
	default:
		writeJSON(w, http.StatusOK, execution)
	}
}

func waitTimeout(secs float64) time.Duration {
	if secs <= 0 {
		return defaultWaitTimeout
	}
	d := time.Duration(secs * float64(time.Second))
	if d > maxWaitTimeout {
		return maxWaitTimeout
	}
	return d
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
