// Package main implements the entry point for the task engine's HTTP API
// server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/dkarimov/fileproc/internal/config"
	"github.com/dkarimov/fileproc/internal/platform/logger"
	"github.com/dkarimov/fileproc/internal/platform/postgres"
	"github.com/dkarimov/fileproc/internal/queue"
	"github.com/dkarimov/fileproc/internal/service"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("server failed: %v", err)
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
	appLogger.Info("server configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Server.LogLevel))

	db, err := setupDatabase(cfg, appLogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			appLogger.Error("failed to close database", slog.String("error", err.Error()))
		}
	}()

	if err := runMigrations(db, appLogger); err != nil {
		return err
	}

	router := queue.NewRouter(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, appLogger)
	defer func() {
		if err := router.Close(); err != nil {
			appLogger.Error("failed to close queue client", slog.String("error", err.Error()))
		}
	}()

	taskStore := postgres.NewPostgresTaskStore(db, appLogger)
	taskService, err := service.NewTaskService(taskStore, router, appLogger)
	if err != nil {
		return fmt.Errorf("create task service: %w", err)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           setupRouter(taskService, appLogger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		appLogger.Info("starting server", slog.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-shutdownCh:
		appLogger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	appLogger.Info("server shutdown completed")
	return nil
}
