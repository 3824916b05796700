// Package main implements the entry point for the task engine's worker
// process. It consumes work items from the queue, runs file processors,
// and optionally sweeps orphaned tasks on a schedule.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/dkarimov/fileproc/internal/config"
	"github.com/dkarimov/fileproc/internal/platform/logger"
	"github.com/dkarimov/fileproc/internal/platform/postgres"
	"github.com/dkarimov/fileproc/internal/processor"
	"github.com/dkarimov/fileproc/internal/queue"
	"github.com/dkarimov/fileproc/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("worker failed: %v", err)
	}
}

func run() error {
	// A .env file is a development convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	appLogger := logger.Setup(cfg.Server.LogLevel)
	appLogger.Info("worker configuration loaded",
		slog.Int("concurrency", cfg.Worker.Concurrency),
		slog.Bool("janitor_enabled", cfg.Janitor.Enabled))

	db, err := setupDatabase(cfg, appLogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			appLogger.Error("failed to close database", slog.String("error", err.Error()))
		}
	}()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	taskStore := postgres.NewPostgresTaskStore(db, appLogger)
	registry := processor.DefaultRegistry()
	handler := worker.NewHandler(taskStore, registry, appLogger)

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     cfg.Worker.Concurrency,
		Queues:          queue.Weights(),
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
	})

	mux := asynq.NewServeMux()
	mux.Handle(queue.TypeProcessFile, handler)

	var cronRunner *cron.Cron
	var router *queue.Router
	if cfg.Janitor.Enabled {
		router = queue.NewRouter(redisOpt, appLogger)
		defer func() {
			if err := router.Close(); err != nil {
				appLogger.Error("failed to close queue client", slog.String("error", err.Error()))
			}
		}()

		janitor := worker.NewJanitor(taskStore, router, cfg.Janitor.StuckAfter, appLogger)
		cronRunner = cron.New()
		if err := janitor.Schedule(cronRunner, cfg.Janitor.Schedule); err != nil {
			return fmt.Errorf("schedule janitor: %w", err)
		}
		cronRunner.Start()
		appLogger.Info("janitor scheduled",
			slog.String("schedule", cfg.Janitor.Schedule),
			slog.Duration("stuck_after", cfg.Janitor.StuckAfter))
	}

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("start worker server: %w", err)
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-shutdownCh
	appLogger.Info("shutting down", slog.String("signal", sig.String()))

	if cronRunner != nil {
		<-cronRunner.Stop().Done()
	}
	srv.Shutdown()

	appLogger.Info("worker shutdown completed")
	return nil
}
