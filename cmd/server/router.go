package main

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/dkarimov/fileproc/internal/api"
	apimiddleware "github.com/dkarimov/fileproc/internal/api/middleware"
	"github.com/dkarimov/fileproc/internal/service"
)

// setupRouter configures the HTTP routes and middleware stack.
func setupRouter(taskService service.TaskService, appLogger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(apimiddleware.Trace)

	taskHandler := api.NewTaskHandler(taskService)

	r.Route("/api", taskHandler.RegisterRoutes)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			appLogger.Error("failed to write health response", slog.String("error", err.Error()))
		}
	})

	return r
}
