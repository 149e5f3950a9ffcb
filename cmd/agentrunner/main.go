// Agent runner server — provides the HTTP API, manages queue workers, and
// drives agent runs through the workflow engine.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/runforge/agentrunner/pkg/agent"
	"github.com/runforge/agentrunner/pkg/api"
	"github.com/runforge/agentrunner/pkg/config"
	"github.com/runforge/agentrunner/pkg/database"
	"github.com/runforge/agentrunner/pkg/events"
	"github.com/runforge/agentrunner/pkg/llm"
	"github.com/runforge/agentrunner/pkg/queue"
	"github.com/runforge/agentrunner/pkg/services"
	"github.com/runforge/agentrunner/pkg/version"
	"github.com/runforge/agentrunner/pkg/workflow"
)

// resolveHostID determines the host identifier embedded in worker ids.
// Priority: HOST_ID env > HOSTNAME env > "local".
func resolveHostID() string {
	if id := os.Getenv("HOST_ID"); id != "" {
		return id
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using existing environment")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	hostID := resolveHostID()
	slog.Info("Starting agent runner",
		"version", version.Full(),
		"addr", cfg.Addr(),
		"host_id", hostID)

	ctx := context.Background()

	// Database and migrations.
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// Domain services over the shared publisher.
	publisher := events.NewPublisher(dbClient.DB())
	projectService := services.NewProjectService(dbClient)
	runService := services.NewRunService(dbClient, publisher)
	eventService := services.NewEventService(dbClient, publisher)

	// One-time recovery of runs this host abandoned in a previous process.
	recovered, err := queue.RecoverStartupOrphans(ctx, runService, hostID)
	if err != nil {
		slog.Error("Startup orphan recovery failed", "error", err)
		// Non-fatal; orphans stay RUNNING until operator action.
	} else if recovered > 0 {
		slog.Info("Recovered orphaned runs", "count", recovered)
	}

	// Streaming infrastructure: publisher → NOTIFY → listener → hub.
	hub := events.NewHub(eventService)
	listener := events.NewNotifyListener(dbConfig.DSN(), hub)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start notify listener", "error", err)
		os.Exit(1)
	}
	hub.SetListener(listener)

	// Workflow registry, optionally watching the definition directory.
	registry, err := workflow.NewRegistry(cfg.WorkflowDir)
	if err != nil {
		slog.Error("Failed to load workflow definitions", "error", err)
		os.Exit(1)
	}
	if cfg.WorkflowWatch {
		if err := registry.StartWatcher(); err != nil {
			slog.Error("Failed to start workflow watcher", "error", err)
			os.Exit(1)
		}
	}
	slog.Info("Workflow definitions loaded", "workflows", registry.Names())

	// LLM provider and execution stack.
	provider := llm.NewOllamaProvider(cfg.OllamaBaseURL,
		llm.WithHeartbeatInterval(cfg.OllamaHeartbeatInterval),
		llm.WithDefaultTimeout(cfg.OllamaTimeout),
	)
	engine := workflow.NewEngine(provider, workflow.EngineConfig{
		DefaultModel: cfg.OllamaPlannerModel,
		RoleModels: map[string]string{
			"planner": cfg.OllamaPlannerModel,
			"coder":   cfg.OllamaCoderModel,
		},
		DefaultTimeout: cfg.OllamaTimeout,
	})
	executor := agent.NewExecutor(runService, eventService, projectService, registry, engine)

	// Worker pool. With DISABLE_WORKER the pool exists for /worker/process
	// but the polling loop never starts.
	pool := queue.NewWorkerPool(hostID, runService, executor, queue.PoolConfig{
		WorkerCount:   cfg.WorkerCount,
		CheckInterval: cfg.WorkerCheckInterval,
		BatchSize:     cfg.WorkerBatchSize,
		StopTimeout:   cfg.ShutdownTimeout,
	})
	if cfg.DisableWorker {
		slog.Info("Background worker disabled")
	} else {
		pool.Start(ctx)
	}

	// HTTP server.
	server := api.NewServer(api.Config{
		Addr:         cfg.Addr(),
		CORSOrigins:  cfg.CORSOrigins,
		SSEKeepalive: cfg.SSEKeepalive,
		Debug:        cfg.LogLevel == slog.LevelDebug,
	}, dbClient, projectService, runService, eventService, hub, pool)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()
	slog.Info("Agent runner started", "workers", cfg.WorkerCount, "worker_disabled", cfg.DisableWorker)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Graceful shutdown: drain HTTP, stop workers (cancelling in-flight
	// runs), then tear streaming down last so terminal events still reach
	// connected clients.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if !cfg.DisableWorker {
		pool.Stop()
	}

	if cfg.WorkflowWatch {
		registry.StopWatcher()
	}

	hub.Stop()
	listener.Stop(shutdownCtx)

	slog.Info("Agent runner stopped")
}
