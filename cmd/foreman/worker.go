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
	"github.com/foremanlabs/foreman/internal/observability"
	"github.com/foremanlabs/foreman/internal/providers"
	"github.com/foremanlabs/foreman/internal/queue"
	"github.com/foremanlabs/foreman/internal/storage"
	"github.com/foremanlabs/foreman/internal/tools"
	"github.com/foremanlabs/foreman/internal/worker"
	"github.com/foremanlabs/foreman/internal/workspace"
)

func buildWorkerCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a worker-only process",
		Long: `Start a process that claims and executes worker jobs against the shared
database, without the HTTP gateway or the supervisor orchestrator. Use it to
scale the worker fleet independently of the serve process.

When the last worker of a barrier finishes here, the serve process's resume
sweep picks the run back up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runWorker(ctx context.Context, configPath string, debug bool) error {
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

	// The serve process owns the schema; here we only verify the database
	// is reachable.
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
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

	procCtx, stopProcessor := context.WithCancel(ctx)
	procDone := make(chan struct{})
	go func() {
		defer close(procDone)
		processor.Run(procCtx)
	}()

	logger.Info(ctx, "foreman worker started",
		"version", version,
		"pool_size", cfg.Workers.PoolSize,
		"database", cfg.Database.Driver,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info(ctx, "shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	stopProcessor()
	<-procDone
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "tracer shutdown failed", "error", err)
	}

	logger.Info(shutdownCtx, "foreman worker stopped")
	return nil
}
