// Package api serves the agentrunner HTTP API: workflow management,
// execution control, agent administration and live execution events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/tcmartin/agentrunner/pkg/agents"
	"github.com/tcmartin/agentrunner/pkg/config"
	"github.com/tcmartin/agentrunner/pkg/logging"
	"github.com/tcmartin/agentrunner/pkg/mcpserver"
	"github.com/tcmartin/agentrunner/pkg/metrics"
	"github.com/tcmartin/agentrunner/pkg/models"
	"github.com/tcmartin/agentrunner/pkg/registry"
	"github.com/tcmartin/agentrunner/pkg/runtime"
	"github.com/tcmartin/agentrunner/pkg/templates"
)

// Version is reported by the health endpoints
const Version = "1.0.0"

// ExecutionEngine runs workflows; *runtime.Engine implements it
type ExecutionEngine interface {
	Start(ctx context.Context, workflowName string, inputs map[string]interface{}, opts ...runtime.StartOption) (string, error)
	StartDefinition(ctx context.Context, def *models.WorkflowDefinition, inputs map[string]interface{}, opts ...runtime.StartOption) (string, error)
	AwaitResult(ctx context.Context, executionID string) (*models.Execution, error)
	Cancel(executionID string) (bool, error)
	Retry(ctx context.Context, executionID string) (string, error)
	Get(executionID string) (*models.Execution, error)
	List(filter runtime.ExecutionFilter) []*models.Execution
	ActiveCount() int
	Stats() runtime.ExecutionStats
	Subscribe(executionID string) (<-chan models.ExecutionEvent, func())
	AddListener(l runtime.EventListener)
}

// Dependencies are the services the API exposes. Metrics, MCP and GitHub
// are optional.
type Dependencies struct {
	Engine    ExecutionEngine
	Workflows registry.WorkflowRegistry
	Templates *templates.Catalog
	Agents    *agents.Registry
	Metrics   *metrics.Metrics
	MCP       *mcpserver.Server
	GitHub    http.Handler
	Logger    logging.Logger
}

// Server represents the HTTP API server
type Server struct {
	config    *config.Config
	router    *mux.Router
	server    *http.Server
	engine    ExecutionEngine
	workflows registry.WorkflowRegistry
	templates *templates.Catalog
	agents    *agents.Registry
	metrics   *metrics.Metrics
	mcp       *mcpserver.Server
	github    http.Handler
	events    *EventStream
	websocket *WebSocketManager
	logger    logging.Logger
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Dependencies) *Server {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	catalog := deps.Templates
	if catalog == nil {
		catalog = templates.NewCatalog()
	}
	agentRegistry := deps.Agents
	if agentRegistry == nil {
		agentRegistry = agents.NewRegistry()
	}

	s := &Server{
		config:    cfg,
		router:    mux.NewRouter(),
		engine:    deps.Engine,
		workflows: deps.Workflows,
		templates: catalog,
		agents:    agentRegistry,
		metrics:   deps.Metrics,
		mcp:       deps.MCP,
		github:    deps.GitHub,
		events:    NewEventStream(logger),
		websocket: NewWebSocketManager(deps.Engine, logger),
		logger:    logger.WithFields(logging.F("component", "api")),
	}
	s.engine.AddListener(s.events.Publish)

	s.setupRoutes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := s.config.Server.Addr()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       s.config.Server.ReadTimeout.Std(),
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("Starting HTTP server", logging.F("addr", addr), logging.F("tls", s.config.Server.TLS.Enabled))

	var err error
	if s.config.Server.TLS.Enabled {
		err = s.server.ListenAndServeTLS(
			s.config.Server.TLS.CertFile,
			s.config.Server.TLS.KeyFile,
		)
	} else {
		err = s.server.ListenAndServe()
	}

	// If the server was shut down gracefully, this error is expected
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server gracefully and closes live event streams
func (s *Server) Stop(ctx context.Context) error {
	s.events.Close()
	s.websocket.CloseAll()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.Use(corsMiddleware)
	s.router.Use(requestLogger(s.logger))
	if s.metrics != nil {
		s.router.Use(s.metrics.Middleware)
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// API router with version prefix
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// Workflow routes
	workflows := api.PathPrefix("/workflows").Subrouter()
	workflows.HandleFunc("", s.handleListWorkflows).Methods(http.MethodGet)
	workflows.HandleFunc("", s.handleCreateWorkflow).Methods(http.MethodPost)
	workflows.HandleFunc("/validate", s.handleValidateWorkflow).Methods(http.MethodPost)
	workflows.HandleFunc("/{name}", s.handleGetWorkflow).Methods(http.MethodGet)
	workflows.HandleFunc("/{name}", s.handleUpdateWorkflow).Methods(http.MethodPut)
	workflows.HandleFunc("/{name}", s.handleDeleteWorkflow).Methods(http.MethodDelete)
	workflows.HandleFunc("/{name}/github-action", s.handleGitHubAction).Methods(http.MethodGet)

	// Template routes
	tmpl := api.PathPrefix("/templates").Subrouter()
	tmpl.HandleFunc("", s.handleListTemplates).Methods(http.MethodGet)
	tmpl.HandleFunc("/{name}", s.handleGetTemplate).Methods(http.MethodGet)
	tmpl.HandleFunc("/{name}/instantiate", s.handleInstantiateTemplate).Methods(http.MethodPost)

	// Agent routes
	agentRoutes := api.PathPrefix("/agents").Subrouter()
	agentRoutes.HandleFunc("", s.handleListAgents).Methods(http.MethodGet)
	agentRoutes.HandleFunc("", s.handleCreateAgent).Methods(http.MethodPost)
	agentRoutes.HandleFunc("/{name}", s.handleGetAgent).Methods(http.MethodGet)
	agentRoutes.HandleFunc("/{name}", s.handleDeleteAgent).Methods(http.MethodDelete)
	agentRoutes.HandleFunc("/{name}/health", s.handleAgentHealth).Methods(http.MethodPost)

	// Execution routes; fixed paths before {id}
	executions := api.PathPrefix("/executions").Subrouter()
	executions.HandleFunc("", s.handleStartExecution).Methods(http.MethodPost)
	executions.HandleFunc("", s.handleListExecutions).Methods(http.MethodGet)
	executions.HandleFunc("/active", s.handleActiveExecutions).Methods(http.MethodGet)
	executions.HandleFunc("/stats", s.handleExecutionStats).Methods(http.MethodGet)
	executions.HandleFunc("/{id}", s.handleGetExecution).Methods(http.MethodGet)
	executions.HandleFunc("/{id}", s.handleCancelExecution).Methods(http.MethodDelete)
	executions.HandleFunc("/{id}/wait", s.handleWaitExecution).Methods(http.MethodGet)
	executions.HandleFunc("/{id}/retry", s.handleRetryExecution).Methods(http.MethodPost)
	executions.HandleFunc("/{id}/ws", s.handleExecutionWebSocket).Methods(http.MethodGet)

	api.Handle("/events", s.events).Methods(http.MethodGet)

	if s.github != nil {
		api.Handle("/github/webhook", s.github).Methods(http.MethodPost)
	}

	if s.metrics != nil && s.config.Metrics.Enabled {
		path := s.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.Handle(path, s.metrics.Handler()).Methods(http.MethodGet)
	}

	if s.mcp != nil {
		base := "/" + strings.Trim(s.config.MCP.BasePath, "/")
		if base == "/" {
			base = "/mcp"
		}
		sse := s.mcp.SSEServer(base)
		s.router.Handle(base+"/sse", sse.SSEHandler())
		s.router.Handle(base+"/message", sse.MessageHandler())
	}

	// Preflight requests are answered by corsMiddleware for every path
	s.router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"version":           Version,
		"time":              time.Now().Format(time.RFC3339),
		"active_executions": s.engine.ActiveCount(),
		"agents":            len(s.agents.Names()),
	})
}

// decodeJSON decodes the request body into v. An empty body leaves v
// untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
