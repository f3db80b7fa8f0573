package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/foremanlabs/foreman/internal/artifacts"
	"github.com/foremanlabs/foreman/internal/barrier"
	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/engine"
	"github.com/foremanlabs/foreman/internal/events"
	"github.com/foremanlabs/foreman/internal/gateway"
	"github.com/foremanlabs/foreman/internal/observability"
	"github.com/foremanlabs/foreman/internal/providers"
	"github.com/foremanlabs/foreman/internal/queue"
	"github.com/foremanlabs/foreman/internal/runs"
	"github.com/foremanlabs/foreman/internal/scheduler"
	"github.com/foremanlabs/foreman/internal/storage"
	"github.com/foremanlabs/foreman/internal/tools"
	"github.com/foremanlabs/foreman/internal/worker"
	"github.com/foremanlabs/foreman/internal/workspace"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the foreman server",
		Long: `Start the orchestration core: the HTTP gateway (run control, snapshots and
the SSE event stream), the worker pool and the maintenance scheduler, all
in one process against the configured database.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  foreman serve

  # Start with custom config and debug logging
  foreman serve --config /etc/foreman/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// runServe assembles the process and blocks until a shutdown signal.
// Assembly order follows the dependency graph leaves-first; shutdown walks
// it in reverse so nothing observes a collaborator that is already gone.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	}
	if debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)
	metrics := observability.NewMetrics()

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       tracingEndpoint(cfg.Tracing),
		SamplingRate:   cfg.Tracing.SamplingRate,
		Attributes:     cfg.Tracing.Attributes,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	bus := events.NewBus(cfg.Stream.QueueSize, metrics)
	log := events.NewLog(store, bus, logger, metrics)

	blobs, err := artifacts.New(ctx, cfg.Artifacts, logger)
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}

	llms, err := providers.NewRegistry(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm providers: %w", err)
	}

	registry := tools.NewRegistry()
	if err := registerBuiltins(registry, blobs, cfg.Tools); err != nil {
		return fmt.Errorf("tool registry: %w", err)
	}
	sessions, _ := store.(storage.SessionFactory)
	invoker := tools.NewInvoker(registry, sessions, blobs, cfg.Tools, logger, metrics)

	jobQueue := queue.New(store, cfg.Workers, logger, metrics)
	coord := barrier.New(store, cfg.Barrier, logger, metrics)

	eng := engine.New(engine.Config{
		Providers: llms,
		Tools:     registry,
		Invoker:   invoker,
		Store:     store,
		Queue:     jobQueue,
		Runs:      cfg.Runs,
		LLM:       cfg.LLM,
		Logger:    logger,
		Metrics:   metrics,
	})

	orch := runs.New(runs.Config{
		Store:       store,
		Engine:      eng,
		Coordinator: coord,
		Queue:       jobQueue,
		Log:         log,
		Runs:        cfg.Runs,
		LLM:         cfg.LLM,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      tracer,
	})

	var workspaces *workspace.Manager
	var executor *workspace.Executor
	if cfg.Workspace.AgentCommand != "" {
		workspaces = workspace.NewManager(cfg.Workspace, logger)
		executor = workspace.NewExecutor(cfg.Workspace, logger)
	}

	runner := worker.NewRunner(worker.RunnerConfig{
		Store:      store,
		Caller:     engine.NewCaller(llms, cfg.LLM, cfg.Runs.HeartbeatInterval, logger, metrics),
		Invoker:    invoker,
		Registry:   registry,
		Artifacts:  blobs,
		Workspaces: workspaces,
		Executor:   executor,
		Workers:    cfg.Workers,
		LLM:        cfg.LLM,
		Logger:     logger,
		Metrics:    metrics,
	})
	processor := worker.NewProcessor(jobQueue, runner, coord, log, cfg.Workers, logger, metrics, tracer)

	sched, err := scheduler.New(scheduler.Config{
		Store:       store,
		Queue:       jobQueue,
		Coordinator: coord,
		Runs:        orch,
		Artifacts:   blobs,
		Log:         log,
		Scheduler:   cfg.Scheduler,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	server := gateway.New(cfg.Server, cfg.Stream, orch, log, logger, metrics)

	procCtx, stopProcessor := context.WithCancel(ctx)
	procDone := make(chan struct{})
	go func() {
		defer close(procDone)
		processor.Run(procCtx)
	}()

	if cfg.Scheduler.Enabled {
		sched.Start()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	logger.Info(ctx, "foreman started",
		"version", version,
		"addr", cfg.Server.Addr(),
		"database", cfg.Database.Driver,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutdown signal received", "signal", sig.String())
	case err := <-serveErr:
		stopProcessor()
		<-procDone
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Reverse of startup: stop taking requests, stop scheduling sweeps,
	// drain the worker pool, then drain in-flight supervisor segments.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "gateway shutdown failed", "error", err)
	}
	if cfg.Scheduler.Enabled {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "scheduler shutdown timed out", "error", err)
		}
	}
	stopProcessor()
	<-procDone
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "orchestrator shutdown timed out", "error", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "tracer shutdown failed", "error", err)
	}

	logger.Info(shutdownCtx, "foreman stopped")
	return nil
}

// registerBuiltins wires the built-in tool set with its role allowlists.
// spawn_worker is supervisor-only: workers never nest further fan-out.
func registerBuiltins(registry *tools.Registry, blobs *artifacts.Store, cfg config.ToolsConfig) error {
	if err := registry.Register(tools.NewSpawnWorker(), tools.RoleSupervisor); err != nil {
		return err
	}
	if err := registry.Register(tools.NewCurrentTime(), tools.RoleSupervisor, tools.RoleWorker); err != nil {
		return err
	}
	if err := registry.Register(tools.NewHTTPFetch(cfg.HTTPFetch), tools.RoleSupervisor, tools.RoleWorker); err != nil {
		return err
	}
	return registry.Register(tools.NewReadArtifact(blobs), tools.RoleSupervisor, tools.RoleWorker)
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		store, err := storage.NewSQLite(cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	default:
		pool := storage.DefaultPoolConfig()
		if cfg.Database.MaxConnections > 0 {
			pool.MaxOpenConns = cfg.Database.MaxConnections
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			pool.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		}
		store, err := storage.NewPostgres(cfg.Database.URL, pool)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	}
}

func tracingEndpoint(cfg config.TracingConfig) string {
	if !cfg.Enabled {
		return ""
	}
	return cfg.Endpoint
}
