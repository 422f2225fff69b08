package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tcmartin/agentrunner/pkg/agents"
	"github.com/tcmartin/agentrunner/pkg/logging"
)

const agentHealthTimeout = 30 * time.Second

// handleListAgents lists registered agents
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	infos := s.agents.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": infos, "count": len(infos)})
}

// handleCreateAgent builds an agent from its configuration and registers it
func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var cfg agents.Config
	if err := decodeJSON(r, &cfg); err != nil {
		writeBadRequest(w, "Invalid request body")
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, err)
		return
	}

	agent, err := agents.NewAgent(cfg, s.logger)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.agents.RegisterWithDescription(agent, cfg.Description); err != nil {
		writeError(w, err)
		return
	}

	info, err := s.agents.Describe(cfg.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("Agent registered", logging.F("agent", cfg.Name), logging.F("type", cfg.Type))
	writeJSON(w, http.StatusCreated, info)
}

// handleGetAgent describes one agent
func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	info, err := s.agents.Describe(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleDeleteAgent unregisters an agent
func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.agents.Unregister(name); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("Agent unregistered", logging.F("agent", name))
	w.WriteHeader(http.StatusNoContent)
}

// handleAgentHealth runs an agent's health check now
func (s *Server) handleAgentHealth(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	ctx, cancel := context.WithTimeout(r.Context(), agentHealthTimeout)
	defer cancel()

	healthy, err := s.agents.CheckHealth(ctx, name)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := s.agents.Describe(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"name": name, "healthy": healthy, "agent": info})
}
