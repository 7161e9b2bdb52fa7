// Package server exposes the ingest and export surface of the
// aggregation core over HTTP. Transport is an orchestration
// convenience: all semantics live in the job, resolve, policy and
// audit packages.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/veilcare/redact/internal/job"
	"github.com/veilcare/redact/internal/storage"
)

const shutdownTimeout = 30 * time.Second

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
}

// New builds the router with the standard middleware chain and mounts
// the job API.
func New(port int, logger *slog.Logger, jobs *job.Manager, store storage.AuditStore) *Server {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "redactd")
	})

	h := &handlers{jobs: jobs, store: store, logger: logger}
	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", h.createJob)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Post("/events", h.ingestEvents)
			r.Post("/tracks/{track}/finalize", h.finalizeTrack)
			r.Post("/cancel", h.cancelJob)
			r.Post("/run", h.runJob)
			r.Get("/plan", h.getPlan)
			r.Get("/report", h.getReport)
		})
	})

	return &Server{Router: r, Port: port, logger: logger}
}

// Start serves until ctx is cancelled, then drains in-flight requests
// for up to shutdownTimeout before returning.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Port),
		Handler: s.Router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.Int("port", s.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
