// Package main provides the orchestrator entry point: it wires the stores,
// the process manager, the outbox dispatchers, the recovery loop, the reply
// consumer, and the ops HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/FreeSideNomad/messaging-platform/internal/adapter/bus"
	"github.com/FreeSideNomad/messaging-platform/internal/adapter/httpserver"
	"github.com/FreeSideNomad/messaging-platform/internal/adapter/repo/postgres"
	"github.com/FreeSideNomad/messaging-platform/internal/adapter/transport/redpanda"
	"github.com/FreeSideNomad/messaging-platform/internal/config"
	"github.com/FreeSideNomad/messaging-platform/internal/dispatcher"
	"github.com/FreeSideNomad/messaging-platform/internal/observability"
	"github.com/FreeSideNomad/messaging-platform/internal/process"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting orchestrator", slog.String("env", cfg.AppEnv))

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	host, _ := os.Hostname()
	if host == "" {
		host = "orchestrator"
	}

	uow := postgres.NewUnitOfWork(pool)
	procs := postgres.NewProcessRepo(pool)
	commands := postgres.NewCommandRepo(pool)
	outbox := &postgres.OutboxRepo{Pool: pool, ClaimTimeout: cfg.OutboxClaimTimeout}
	inbox := postgres.NewInboxRepo(pool)
	dlq := postgres.NewDLQRepo(pool)

	cmdBus := bus.NewTransactionalBus(commands, outbox, cfg.Naming())
	manager := process.NewManager(uow, procs, commands, dlq, cmdBus, host)
	defer manager.Close()

	registerProcesses(manager)

	publisher, err := redpanda.NewPublisher(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("publisher setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer publisher.Close()

	if err := redpanda.EnsureTopics(ctx, publisher.Client(), 8, 1, cfg.ReplyQueue); err != nil {
		slog.Warn("reply topic setup failed", slog.Any("error", err))
	}

	replies, err := redpanda.NewReplyConsumer(cfg.KafkaBrokers, cfg.ReplyQueue, cfg.ReplyConsumerGroup, uow, inbox, manager)
	if err != nil {
		slog.Error("reply consumer setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer replies.Close()

	disp := dispatcher.New(outbox, publisher, cfg.DispatcherWorkers, cfg.DispatcherBatch, cfg.DispatcherInterval, host)
	recovery := dispatcher.NewRecovery(outbox, commands, manager, cfg.RecoveryInterval)
	recovery.StuckAfter = cfg.OutboxClaimTimeout

	ops := httpserver.New(pool, procs, dlq)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      ops.Router(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		disp.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		recovery.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := replies.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("reply consumer stopped", slog.Any("error", err))
		}
	}()
	go func() {
		slog.Info("ops server listening", slog.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops server error", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("ops server shutdown failed", slog.Any("error", err))
	}
	wg.Wait()
	slog.Info("orchestrator stopped")
}

// registerProcesses installs the process configurations this deployment
// orchestrates. Configurations are code: each service release ships the
// graphs it owns.
func registerProcesses(_ *process.Manager) {
	// Graphs are registered by the embedding service. The orchestrator
	// binary starts with an empty registry.
}
