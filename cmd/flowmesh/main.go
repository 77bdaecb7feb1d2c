// FlowMesh server: streams agent conversations over SSE, manages sandbox
// lifecycles, and keeps the credit ledger consistent.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/flowmesh/flowmesh/pkg/api"
	"github.com/flowmesh/flowmesh/pkg/checkpoint"
	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/credits"
	"github.com/flowmesh/flowmesh/pkg/database"
	"github.com/flowmesh/flowmesh/pkg/llm"
	"github.com/flowmesh/flowmesh/pkg/mcp"
	"github.com/flowmesh/flowmesh/pkg/memory"
	"github.com/flowmesh/flowmesh/pkg/queue"
	"github.com/flowmesh/flowmesh/pkg/sandbox"
)

func main() {
	// Load .env if present; real deployments inject the environment.
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file, continuing with existing environment", "error", err)
	}

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("starting flowmesh", "http_port", cfg.HTTPPort)

	// 2. Database (runs embedded migrations)
	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("connected to postgresql")

	// 3. Redis delay queue
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	delayQueue := queue.NewDelayQueue(rdb)
	slog.Info("connected to redis", "addr", cfg.Redis.Addr)

	// 4. Sandbox controller + timeout consumer
	provider, err := sandbox.NewHTTPProvider(cfg.Sandbox.ProviderKeys)
	if err != nil {
		slog.Error("failed to configure sandbox provider", "error", err)
		os.Exit(1)
	}
	sandboxStore := sandbox.NewStore(dbClient)
	controller := sandbox.NewController(sandboxStore, provider, delayQueue,
		mcp.NewProber(), nil, cfg.Sandbox)

	consumer := queue.NewConsumer(delayQueue, controller.HandleTimeout)
	consumer.Start(ctx)
	defer consumer.Stop()
	slog.Info("sandbox timeout consumer started")

	// 5. Credit ledger + webhook processor + reconciler
	cache := credits.NewBalanceCache(cfg.Credits.BalanceCacheTTL)
	ledger := credits.NewLedger(dbClient, cache)
	webhooks := credits.NewWebhookProcessor(dbClient)

	reconciler := credits.NewReconciler(dbClient, ledger, nil, cfg.Credits)
	if err := reconciler.Start(ctx); err != nil {
		slog.Error("failed to start reconciler", "error", err)
		os.Exit(1)
	}
	defer reconciler.Stop()
	slog.Info("credit reconciler scheduled", "schedule", cfg.Credits.ReconcileSchedule)

	// 6. Checkpoint store, long-term memory, and LLM client
	checkpoints := checkpoint.NewPostgresStore(dbClient.Pool())
	memories := memory.NewStore(dbClient)
	llmClient := llm.NewOpenAIClient(cfg.LLM)

	// 7. HTTP server
	server := api.NewServer(cfg, dbClient, checkpoints, llmClient, controller, ledger, webhooks, memories)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
	slog.Info("flowmesh stopped")
}
