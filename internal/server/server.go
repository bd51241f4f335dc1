// Package server implements the HTTP API: federated queries, archival and
// backfill job control, and health.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/buildingvitals/vitals/internal/archive"
	"github.com/buildingvitals/vitals/internal/backfill"
	"github.com/buildingvitals/vitals/internal/ingest"
	"github.com/buildingvitals/vitals/internal/logging"
	"github.com/buildingvitals/vitals/internal/query"
	"github.com/buildingvitals/vitals/internal/registry"
)

// Server is the vitals HTTP API server.
type Server struct {
	router chi.Router
	addr   string
	srv    *http.Server
}

// Deps carries the services the handlers need.
type Deps struct {
	Query       *query.Service
	Archive     *archive.Worker
	Backfill    *backfill.Worker
	Ingest      *ingest.Worker
	Registry    *registry.Registry
	DefaultSite string

	// HotRetention locates the next due day when an archive trigger
	// names no day.
	HotRetention time.Duration
}

// New creates a new HTTP server.
func New(addr string, deps Deps) *Server {
	s := &Server{addr: addr}

	h := newHandlers(deps)

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Post("/query", h.Query)

		r.Post("/archive/trigger", h.TriggerArchive)
		r.Get("/archive/status/{jobID}", h.ArchiveStatus)

		r.Post("/backfill/start", h.StartBackfill)
		r.Get("/backfill/status/{jobID}", h.BackfillStatus)
		r.Get("/backfill/report", h.BackfillReport)

		r.Get("/points", h.ListPoints)
	})

	s.router = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests and blocks until shutdown.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	logging.Component("server").Info("listening", "addr", s.addr)
	return s.srv.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}
