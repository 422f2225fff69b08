package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/tcmartin/agentrunner/pkg/models"
	"github.com/tcmartin/agentrunner/pkg/runtime"
	"github.com/tcmartin/agentrunner/pkg/webhooks"
)

type MockStarter struct {
	mock.Mock
}

func (m *MockStarter) Start(ctx context.Context, workflowName string, inputs map[string]interface{}, opts ...runtime.StartOption) (string, error) {
	args := m.Called(workflowName, inputs)
	return args.String(0), args.Error(1)
}

const secret = "topsecret"

func signedRequest(t *testing.T, event string, payload interface{}) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/github/webhook", bytes.NewReader(body))
	req.Header.Set(EventHeader, event)
	req.Header.Set(SignatureHeader, webhooks.Sign(secret, body))
	return req
}

func prPayload(action string) map[string]interface{} {
	return map[string]interface{}{
		"action": action,
		"pull_request": map[string]interface{}{
			"number":   42,
			"title":    "Add retries",
			"body":     "Retries LLM calls",
			"diff_url": "https://github.com/acme/app/pull/42.diff",
			"head":     map[string]interface{}{"sha": "abc123"},
		},
		"repository": map[string]interface{}{"full_name": "acme/app", "language": "Go"},
	}
}

func TestWebhookHandler_PullRequestStartsReview(t *testing.T) {
	starter := new(MockStarter)
	starter.On("Start", "code-review", mock.MatchedBy(func(in map[string]interface{}) bool {
		return in["code"] == "https://github.com/acme/app/pull/42.diff" &&
			in["language"] == "Go" &&
			in["pr_number"] == "42" &&
			in["head_sha"] == "abc123"
	})).Return("exec-1", nil)

	h := NewWebhookHandler(Config{Secret: secret}, starter, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, "pull_request", prPayload("opened")))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "code_review_started", resp.Action)
	assert.Equal(t, "exec-1", resp.ExecutionID)
	assert.Equal(t, 42, resp.Number)
	starter.AssertExpectations(t)
}

func TestWebhookHandler_IgnoredActions(t *testing.T) {
	starter := new(MockStarter)
	h := NewWebhookHandler(Config{Secret: secret}, starter, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, "pull_request", prPayload("closed")))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"action":"ignored"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, "issues", map[string]interface{}{
		"action": "opened",
		"issue":  map[string]interface{}{"number": 7, "title": "Docs typo", "body": "there is a typo"},
	}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "not a development task")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, "star", map[string]interface{}{"action": "created"}))
	assert.Equal(t, http.StatusOK, rec.Code)

	starter.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
}

func TestWebhookHandler_IssueStartsTaskDevelopment(t *testing.T) {
	starter := new(MockStarter)
	starter.On("Start", "custom-task", mock.MatchedBy(func(in map[string]interface{}) bool {
		return in["task_description"] == "Implement export" && in["issue_number"] == "7"
	})).Return("exec-2", nil)

	h := NewWebhookHandler(Config{Secret: secret, TaskWorkflow: "custom-task"}, starter, nil)
	resp, err := h.HandleEvent(context.Background(), "issues", mustJSON(t, map[string]interface{}{
		"action": "edited",
		"issue":  map[string]interface{}{"number": 7, "title": "Implement export", "body": "CSV export"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "task_development_started", resp.Action)
	assert.Equal(t, "exec-2", resp.ExecutionID)
	starter.AssertExpectations(t)
}

func TestWebhookHandler_WorkflowRunAndPing(t *testing.T) {
	h := NewWebhookHandler(Config{Secret: secret}, new(MockStarter), nil)

	resp, err := h.HandleEvent(context.Background(), "workflow_run", mustJSON(t, map[string]interface{}{
		"action":       "completed",
		"workflow_run": map[string]interface{}{"id": 99, "status": "completed", "conclusion": "success"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "workflow_completed", resp.Action)
	assert.Equal(t, int64(99), resp.RunID)
	assert.Equal(t, "success", resp.Conclusion)

	resp, err = h.HandleEvent(context.Background(), "ping", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Action)
}

func TestWebhookHandler_RejectsBadSignature(t *testing.T) {
	h := NewWebhookHandler(Config{Secret: secret}, new(MockStarter), nil)

	req := signedRequest(t, "pull_request", prPayload("opened"))
	req.Header.Set(SignatureHeader, webhooks.Sign("wrong", []byte("{}")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = signedRequest(t, "pull_request", prPayload("opened"))
	req.Header.Del(SignatureHeader)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookHandler_Errors(t *testing.T) {
	starter := new(MockStarter)
	starter.On("Start", "code-review", mock.Anything).Return("", errors.New("engine is shut down"))
	h := NewWebhookHandler(Config{Secret: secret}, starter, nil)

	_, err := h.HandleEvent(context.Background(), "pull_request", []byte(`{not json`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = h.HandleEvent(context.Background(), "pull_request", []byte(`{"action":"opened","pull_request":{}}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, "pull_request", prPayload("reopened")))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "failed to start code-review")
}

func TestGenerateAction(t *testing.T) {
	def := &models.WorkflowDefinition{
		Name:           "code-review",
		Timeout:        models.D(5 * time.Minute),
		RequiredInputs: []string{"code", "language"},
		OptionalInputs: []string{"context"},
	}

	out, err := GenerateAction(def, ActionOptions{})
	require.NoError(t, err)
	text := string(out)

	assert.True(t, strings.HasPrefix(text, "name: 'agentrunner: code-review'") || strings.HasPrefix(text, "name: \"agentrunner: code-review\""), text)
	assert.Less(t, strings.Index(text, "workflow_dispatch"), strings.Index(text, "jobs:"))
	assert.Contains(t, text, "agentrunner-cli execution run code-review --wait")
	assert.Contains(t, text, "${{ github.event.inputs.language }}")
	assert.Contains(t, text, "actions/setup-go@v5")

	var parsed map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out, &parsed))
	on := parsed["on"].(map[interface{}]interface{})
	inputs := on["workflow_dispatch"].(map[interface{}]interface{})["inputs"].(map[interface{}]interface{})
	assert.Len(t, inputs, 3)
	assert.Equal(t, true, inputs["code"].(map[interface{}]interface{})["required"])
	assert.Equal(t, false, inputs["context"].(map[interface{}]interface{})["required"])

	job := parsed["jobs"].(map[interface{}]interface{})["orchestrate"].(map[interface{}]interface{})
	assert.Equal(t, 10, job["timeout-minutes"])

	_, err = GenerateAction(&models.WorkflowDefinition{}, ActionOptions{})
	assert.Error(t, err)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
