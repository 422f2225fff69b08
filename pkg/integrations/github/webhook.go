// Package github connects repositories to agentrunner: incoming webhook
// events start workflows, and workflow definitions can be exported as
// GitHub Actions workflow files.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tcmartin/agentrunner/pkg/logging"
	"github.com/tcmartin/agentrunner/pkg/runtime"
	"github.com/tcmartin/agentrunner/pkg/webhooks"
)

// GitHub request headers
const (
	EventHeader     = "X-GitHub-Event"
	SignatureHeader = "X-Hub-Signature-256"
	DeliveryHeader  = "X-GitHub-Delivery"
)

const maxPayloadBytes = 10 << 20

// Errors returned by HandleEvent
var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
)

// taskKeywords mark an issue as a development request
var taskKeywords = []string{"task", "feature", "implement", "develop", "create"}

// WorkflowStarter starts executions; *runtime.Engine implements it
type WorkflowStarter interface {
	Start(ctx context.Context, workflowName string, inputs map[string]interface{}, opts ...runtime.StartOption) (string, error)
}

// Config contains webhook handler settings
type Config struct {
	// Secret verifies X-Hub-Signature-256; required
	Secret string

	// ReviewWorkflow runs for opened, synchronized or reopened pull requests
	ReviewWorkflow string

	// TaskWorkflow runs for opened or edited issues that read as tasks
	TaskWorkflow string
}

// Response is returned for every accepted event
type Response struct {
	Action      string `json:"action"`
	Event       string `json:"event"`
	ExecutionID string `json:"execution_id,omitempty"`
	Number      int    `json:"number,omitempty"`
	RunID       int64  `json:"run_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Conclusion  string `json:"conclusion,omitempty"`
	Message     string `json:"message,omitempty"`
}

// WebhookHandler turns GitHub events into workflow executions
type WebhookHandler struct {
	config  Config
	starter WorkflowStarter
	logger  logging.Logger
}

// NewWebhookHandler creates a handler
func NewWebhookHandler(config Config, starter WorkflowStarter, logger logging.Logger) *WebhookHandler {
	if config.ReviewWorkflow == "" {
		config.ReviewWorkflow = "code-review"
	}
	if config.TaskWorkflow == "" {
		config.TaskWorkflow = "task-development"
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &WebhookHandler{config: config, starter: starter, logger: logger}
}

type repository struct {
	FullName string `json:"full_name"`
	Language string `json:"language"`
}

type pullRequestEvent struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
		DiffURL string `json:"diff_url"`
		Head    struct {
			SHA string `json:"sha"`
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository repository `json:"repository"`
}

type issueEvent struct {
	Action string `json:"action"`
	Issue  struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
	} `json:"issue"`
	Repository repository `json:"repository"`
}

type workflowRunEvent struct {
	Action      string `json:"action"`
	WorkflowRun struct {
		ID         int64  `json:"id"`
		Name       string `json:"name"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
	} `json:"workflow_run"`
}

// ServeHTTP implements http.Handler
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	if !webhooks.Verify(h.config.Secret, body, r.Header.Get(SignatureHeader)) {
		h.logger.Warn("Rejected GitHub webhook", logging.F("delivery", r.Header.Get(DeliveryHeader)))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": ErrInvalidSignature.Error()})
		return
	}

	event := r.Header.Get(EventHeader)
	resp, err := h.HandleEvent(r.Context(), event, body)
	switch {
	case errors.Is(err, ErrInvalidPayload):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case resp.ExecutionID != "":
		writeJSON(w, http.StatusAccepted, resp)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleEvent dispatches an already verified event payload
func (h *WebhookHandler) HandleEvent(ctx context.Context, event string, payload []byte) (*Response, error) {
	logger := h.logger.WithFields(logging.F("github_event", event))

	switch event {
	case "ping":
		return &Response{Action: "pong", Event: event}, nil

	case "pull_request":
		var e pullRequestEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		pr := e.PullRequest
		if pr.Number == 0 {
			return nil, fmt.Errorf("%w: missing pull request number", ErrInvalidPayload)
		}
		switch e.Action {
		case "opened", "synchronize", "reopened":
		default:
			return &Response{Action: "ignored", Event: event, Number: pr.Number, Message: "no workflow for action " + e.Action}, nil
		}

		inputs := map[string]interface{}{
			"code":       firstNonEmpty(pr.DiffURL, pr.HTMLURL),
			"language":   firstNonEmpty(e.Repository.Language, "unknown"),
			"context":    strings.TrimSpace(pr.Title + "\n\n" + pr.Body),
			"pr_number":  strconv.Itoa(pr.Number),
			"repository": e.Repository.FullName,
			"head_sha":   pr.Head.SHA,
		}
		id, err := h.start(ctx, h.config.ReviewWorkflow, inputs, event, e.Repository.FullName)
		if err != nil {
			return nil, err
		}
		logger.Info("Started code review", logging.F("pr_number", pr.Number), logging.F("execution_id", id))
		return &Response{Action: "code_review_started", Event: event, Number: pr.Number, ExecutionID: id}, nil

	case "issues":
		var e issueEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		issue := e.Issue
		if issue.Number == 0 {
			return nil, fmt.Errorf("%w: missing issue number", ErrInvalidPayload)
		}
		if e.Action != "opened" && e.Action != "edited" {
			return &Response{Action: "ignored", Event: event, Number: issue.Number, Message: "no workflow for action " + e.Action}, nil
		}
		if !looksLikeTask(issue.Title, issue.Body) {
			return &Response{Action: "ignored", Event: event, Number: issue.Number, Message: "issue is not a development task"}, nil
		}

		inputs := map[string]interface{}{
			"task_description": issue.Title,
			"requirements":     firstNonEmpty(issue.Body, issue.Title),
			"issue_number":     strconv.Itoa(issue.Number),
			"repository":       e.Repository.FullName,
		}
		id, err := h.start(ctx, h.config.TaskWorkflow, inputs, event, e.Repository.FullName)
		if err != nil {
			return nil, err
		}
		logger.Info("Started task development", logging.F("issue_number", issue.Number), logging.F("execution_id", id))
		return &Response{Action: "task_development_started", Event: event, Number: issue.Number, ExecutionID: id}, nil

	case "workflow_run":
		var e workflowRunEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		run := e.WorkflowRun
		if e.Action == "completed" {
			logger.Info("Workflow run completed", logging.F("run_id", run.ID), logging.F("conclusion", run.Conclusion))
		}
		return &Response{Action: "workflow_" + e.Action, Event: event, RunID: run.ID, Status: run.Status, Conclusion: run.Conclusion}, nil

	default:
		return &Response{Action: "ignored", Event: event, Message: "unsupported event"}, nil
	}
}

func (h *WebhookHandler) start(ctx context.Context, workflow string, inputs map[string]interface{}, event, repo string) (string, error) {
	meta := runtime.WithMetadata(map[string]interface{}{
		"source":       "github",
		"github_event": event,
		"repository":   repo,
	})
	id, err := h.starter.Start(ctx, workflow, inputs, meta)
	if err != nil {
		return id, fmt.Errorf("failed to start %s: %w", workflow, err)
	}
	return id, nil
}

func looksLikeTask(title, body string) bool {
	text := strings.ToLower(title + " " + body)
	for _, kw := range taskKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
