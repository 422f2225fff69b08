// Package main is the entry point for the agentrunner server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tcmartin/agentrunner/pkg/agents"
	"github.com/tcmartin/agentrunner/pkg/api"
	"github.com/tcmartin/agentrunner/pkg/config"
	"github.com/tcmartin/agentrunner/pkg/integrations/github"
	"github.com/tcmartin/agentrunner/pkg/loader"
	"github.com/tcmartin/agentrunner/pkg/logging"
	"github.com/tcmartin/agentrunner/pkg/mcpserver"
	"github.com/tcmartin/agentrunner/pkg/metrics"
	"github.com/tcmartin/agentrunner/pkg/registry"
	"github.com/tcmartin/agentrunner/pkg/runtime"
	"github.com/tcmartin/agentrunner/pkg/storage"
	"github.com/tcmartin/agentrunner/pkg/templates"
	"github.com/tcmartin/agentrunner/pkg/webhooks"
)

var (
	// Command-line flags
	configPath = flag.String("config", "", "Path to config file (YAML or JSON)")
	version    = flag.Bool("version", false, "Print version information")
)

// Version information
const (
	AppVersion = "0.1.0"
	AppName    = "agentrunner"
)

func main() {
	// Load environment variables from .env file
	_ = godotenv.Load()

	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	app, err := NewApp(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			app.logger.Error("Server failed", logging.Err(err))
			_ = app.Stop(context.Background())
			os.Exit(1)
		}
	case <-stop:
		app.logger.Info("Shutting down gracefully")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := app.Stop(ctx); err != nil {
			log.Fatalf("Error during shutdown: %v", err)
		}
	}
}

// loadConfig loads the configuration from -config or the first file found in
// the standard locations. Defaults and AGENTRUNNER_* variables apply either way.
func loadConfig() (*config.Config, error) {
	path := *configPath
	if path == "" {
		locations := []string{
			"./agentrunner.yaml",
			"./config.yaml",
			"./config.json",
			"./configs/config.yaml",
			filepath.Join(os.Getenv("HOME"), ".agentrunner", "config.yaml"),
			"/etc/agentrunner/config.yaml",
		}
		for _, candidate := range locations {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		if path != "" {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// App represents the agentrunner application
type App struct {
	config     *config.Config
	logger     logging.Logger
	logCloser  io.Closer
	server     *api.Server
	engine     *runtime.Engine
	pruner     *runtime.RetentionPruner
	dispatcher *webhooks.Dispatcher
	agents     *agents.Registry
	provider   storage.StorageProvider
}

// NewApp wires storage, agents, workflows and the engine behind the HTTP API
func NewApp(cfg *config.Config) (*App, error) {
	logger, logCloser, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	app := &App{config: cfg, logger: logger, logCloser: logCloser}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// Storage
	provider, err := storage.NewProvider(cfg.Storage.ProviderConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create storage provider: %w", err)
	}
	if err := provider.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.provider = provider
	logger.Info("Storage initialized", logging.F("type", cfg.Storage.Type))

	// Agents
	agentRegistry := agents.NewRegistry()
	if err := agents.RegisterAll(agentRegistry, cfg.Agents, logger); err != nil {
		return nil, fmt.Errorf("failed to register agents: %w", err)
	}
	app.agents = agentRegistry
	logger.Info("Agents registered", logging.F("agents", agentRegistry.Names()))

	// Workflows
	var catalog *templates.Catalog
	if cfg.Workflows.Templates {
		catalog, err = templates.Builtin()
		if err != nil {
			return nil, fmt.Errorf("failed to load workflow templates: %w", err)
		}
	}

	checker := loader.NewYAMLLoader(loader.WithAgentCheck(func(name string) bool {
		_, err := agentRegistry.Get(name)
		return err == nil
	}))
	workflows := registry.NewWorkflowRegistry(provider.GetWorkflowStore(), registry.Options{
		Checker: checker,
		Catalog: catalog,
		Logger:  logger,
	})
	if dir := cfg.Workflows.Directory; dir != "" {
		if err := importWorkflows(ctx, workflows, checker, dir, logger); err != nil {
			return nil, err
		}
	}

	// Engine
	executions := runtime.NewExecutionRegistry(provider.GetExecutionStore(), logger)
	if restored, err := executions.Restore(ctx); err != nil {
		logger.Warn("Failed to restore executions", logging.Err(err))
	} else if restored > 0 {
		logger.Info("Executions restored", logging.F("count", restored))
	}

	engine := runtime.NewEngine(workflows, agentRegistry, executions,
		runtime.WithConfig(cfg.Engine.RuntimeConfig()),
		runtime.WithLogger(logger),
	)
	app.engine = engine

	app.pruner = runtime.NewRetentionPruner(executions, cfg.Engine.RetentionPolicy(), logger)
	if err := app.pruner.Start(); err != nil {
		return nil, fmt.Errorf("failed to start retention pruner: %w", err)
	}

	// Observability and notifications
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(engine.ActiveCount)
		engine.AddListener(m.Listen)
	}

	if len(cfg.Webhooks.Endpoints) > 0 {
		hooks := make([]webhooks.WebhookConfig, 0, len(cfg.Webhooks.Endpoints))
		for _, ep := range cfg.Webhooks.Endpoints {
			hooks = append(hooks, webhooks.WebhookConfig{URL: ep.URL, Secret: ep.Secret, Events: ep.Events})
		}
		retry := webhooks.DefaultRetryConfig()
		retry.MaxRetries = cfg.Webhooks.MaxRetries

		opts := []webhooks.Option{
			webhooks.WithRetry(retry),
			webhooks.WithTimeout(cfg.Webhooks.Timeout.Std()),
			webhooks.WithLogger(logger),
		}
		if m != nil {
			opts = append(opts, webhooks.OnDelivery(m.ObserveDelivery))
		}
		app.dispatcher = webhooks.NewDispatcher(hooks, opts...)
		engine.AddListener(app.dispatcher.Listen)
	}

	// Outer surfaces
	deps := api.Dependencies{
		Engine:    engine,
		Workflows: workflows,
		Templates: catalog,
		Agents:    agentRegistry,
		Metrics:   m,
		Logger:    logger,
	}
	if cfg.MCP.Enabled {
		deps.MCP = mcpserver.NewServer(workflows, engine, agentRegistry, logger)
	}
	if cfg.GitHub.Enabled {
		deps.GitHub = github.NewWebhookHandler(github.Config{
			Secret:         cfg.GitHub.WebhookSecret,
			ReviewWorkflow: cfg.GitHub.ReviewWorkflow,
			TaskWorkflow:   cfg.GitHub.TaskWorkflow,
		}, engine, logger)
	}
	app.server = api.NewServer(cfg, deps)

	return app, nil
}

// importWorkflows stores the definitions found in dir. A missing directory
// is not an error.
func importWorkflows(ctx context.Context, workflows *registry.WorkflowRegistryService, l *loader.YAMLLoader, dir string, logger logging.Logger) error {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		logger.Debug("Workflow directory not found", logging.F("directory", dir))
		return nil
	}

	defs, err := l.LoadDir(dir)
	if err != nil {
		// Valid files are still imported
		logger.Warn("Some workflow files failed to load", logging.F("directory", dir), logging.Err(err))
	}
	if len(defs) == 0 {
		return nil
	}
	if err := workflows.Import(ctx, defs); err != nil {
		return fmt.Errorf("failed to import workflows from %s: %w", dir, err)
	}
	logger.Info("Workflows imported", logging.F("directory", dir), logging.F("count", len(defs)))
	return nil
}

// Start starts the HTTP server and blocks until it stops
func (a *App) Start() error {
	a.logger.Info("Starting server",
		logging.F("app", AppName),
		logging.F("version", AppVersion),
		logging.F("addr", a.config.Server.Addr()))
	return a.server.Start()
}

// Stop stops the application gracefully. Running executions are cancelled
// right away and Stop waits for them until ctx expires.
func (a *App) Stop(ctx context.Context) error {
	var errs []error

	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop server: %w", err))
	}
	a.pruner.Stop()
	if err := a.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down engine: %w", err))
	}
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if err := a.agents.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close agents: %w", err))
	}
	if err := a.provider.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close storage: %w", err))
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}

	return errors.Join(errs...)
}
