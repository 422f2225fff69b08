package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v3"

	"github.com/tcmartin/agentrunner/pkg/integrations/github"
	"github.com/tcmartin/agentrunner/pkg/loader"
	"github.com/tcmartin/agentrunner/pkg/logging"
	"github.com/tcmartin/agentrunner/pkg/models"
	"github.com/tcmartin/agentrunner/pkg/templates"
)

const maxDefinitionBytes = 1 << 20

// ValidationResult is returned by the validate endpoint
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Name     string   `json:"name,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (s *Server) workflowLoader() *loader.YAMLLoader {
	return loader.NewYAMLLoader(loader.WithAgentCheck(func(name string) bool {
		_, err := s.agents.Get(name)
		return err == nil
	}))
}

// readDefinition decodes and validates a YAML or JSON workflow document
// from the body. A document without a name takes defaultName.
func (s *Server) readDefinition(r *http.Request, defaultName string) (*models.WorkflowDefinition, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDefinitionBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body: %v", loader.ErrInvalidDefinition, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty document", loader.ErrInvalidDefinition)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(body))
	decoder.KnownFields(true)
	var def models.WorkflowDefinition
	if err := decoder.Decode(&def); err != nil {
		return nil, fmt.Errorf("%w: %v", loader.ErrInvalidDefinition, err)
	}
	if def.Name == "" {
		def.Name = defaultName
	}
	if err := s.workflowLoader().Check(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// handleListWorkflows handles listing workflows
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	infos, err := s.workflows.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": infos, "count": len(infos)})
}

// handleCreateWorkflow handles workflow creation
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := s.readDefinition(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.workflows.Create(r.Context(), def); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("Workflow created", logging.F("workflow", def.Name))
	writeJSON(w, http.StatusCreated, def)
}

// handleGetWorkflow returns a definition as JSON, or YAML with ?format=yaml
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := s.workflows.GetWorkflow(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}

	if wantsYAML(r) {
		out, err := yaml.Marshal(def)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(out)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// handleUpdateWorkflow handles updating a workflow
func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	def, err := s.readDefinition(r, name)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.workflows.Update(r.Context(), name, def); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("Workflow updated", logging.F("workflow", name))
	writeJSON(w, http.StatusOK, def)
}

// handleDeleteWorkflow handles deleting a workflow
func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.workflows.Delete(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("Workflow deleted", logging.F("workflow", name))
	w.WriteHeader(http.StatusNoContent)
}

// handleValidateWorkflow checks a document without storing it
func (s *Server) handleValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDefinitionBytes))
	if err != nil {
		writeBadRequest(w, "failed to read body")
		return
	}

	l := s.workflowLoader()
	def, err := l.Parse(body)
	if err != nil {
		writeJSON(w, http.StatusOK, ValidationResult{Valid: false, Errors: splitErrors(err)})
		return
	}
	writeJSON(w, http.StatusOK, ValidationResult{Valid: true, Name: def.Name, Warnings: l.Lint(def)})
}

// handleGitHubAction renders a GitHub Actions workflow that runs the named
// workflow through agentrunner-cli
func (s *Server) handleGitHubAction(w http.ResponseWriter, r *http.Request) {
	def, err := s.workflows.GetWorkflow(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}

	opts := github.ActionOptions{RunsOn: r.URL.Query().Get("runs_on")}
	out, err := github.GenerateAction(def, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "agentrunner-"+def.Name+".yml"))
	_, _ = w.Write(out)
}

// handleListTemplates lists the built-in templates
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	summaries := s.templates.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{"templates": summaries, "count": len(summaries)})
}

// handleGetTemplate returns one template definition
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	def, err := s.templates.Get(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// handleInstantiateTemplate stores a customized copy of a template
func (s *Server) handleInstantiateTemplate(w http.ResponseWriter, r *http.Request) {
	var overrides templates.Overrides
	if err := decodeJSON(r, &overrides); err != nil {
		writeBadRequest(w, "Invalid request body")
		return
	}

	def, err := s.templates.Instantiate(mux.Vars(r)["name"], overrides)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.workflows.Create(r.Context(), def); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("Template instantiated", logging.F("template", mux.Vars(r)["name"]), logging.F("workflow", def.Name))
	writeJSON(w, http.StatusCreated, def)
}

func wantsYAML(r *http.Request) bool {
	if f := r.URL.Query().Get("format"); f != "" {
		return f == "yaml" || f == "yml"
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "yaml") && !strings.Contains(accept, "json")
}

// splitErrors flattens a joined validation error into one line per cause
func splitErrors(err error) []string {
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
