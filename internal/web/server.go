// Package web provides the VibeCC HTTP surface: JSON CRUD over projects,
// read-only pipeline/history views, autopilot control, and the SSE event
// stream. No HTML is served; this is an API-only surface (spec §4.9).
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/vibecc/vibecc/events"
	"github.com/vibecc/vibecc/internal/db"
	"github.com/vibecc/vibecc/pipeline"
)

// AutopilotController is the subset of *vibecc.Orchestrator (plus a runner,
// supplied by the caller that owns the per-project goroutines) the HTTP
// layer needs to start, stop, and query autopilot.
type AutopilotController interface {
	GetAutopilotStatus(projectID string) (*pipeline.AutopilotStatus, error)
	StartAutopilot(projectID string)
	StopAutopilot(projectID, reason string)
	IsAutopilotRunning(projectID string) bool
}

// SchedulerLauncher starts a project's worker loop in the background. The
// web layer calls this once per start-autopilot request; the loop exits on
// its own once the autopilot flag is cleared.
type SchedulerLauncher func(ctx context.Context, project *pipeline.Project)

// Server is the VibeCC HTTP server.
type Server struct {
	store        *db.Store
	bus          *events.Bus
	orchestrator AutopilotController
	launch       SchedulerLauncher
	logger       *slog.Logger

	server *http.Server
}

// NewServer creates a VibeCC HTTP server. launch is called to start a
// project's Scheduler loop whenever autopilot is started via the API.
func NewServer(database *db.DB, bus *events.Bus, orchestrator AutopilotController, launch SchedulerLauncher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:        db.NewStore(database),
		bus:          bus,
		orchestrator: orchestrator,
		launch:       launch,
		logger:       logger,
	}
}

// Start runs the HTTP server on addr, blocking until it stops or fails.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/projects", s.apiListProjects)
	mux.HandleFunc("POST /api/v1/projects", s.apiCreateProject)
	mux.HandleFunc("GET /api/v1/projects/{id}", s.apiGetProject)
	mux.HandleFunc("PATCH /api/v1/projects/{id}", s.apiUpdateProject)
	mux.HandleFunc("DELETE /api/v1/projects/{id}", s.apiDeleteProject)

	mux.HandleFunc("GET /api/v1/pipelines", s.apiListPipelines)
	mux.HandleFunc("GET /api/v1/pipelines/{id}", s.apiGetPipeline)
	mux.HandleFunc("GET /api/v1/projects/{id}/tickets/{ticket_id}/pipeline", s.apiGetPipelineByTicket)

	mux.HandleFunc("GET /api/v1/history", s.apiListHistory)
	mux.HandleFunc("GET /api/v1/history/stats", s.apiHistoryStats)

	mux.HandleFunc("GET /api/v1/projects/{id}/autopilot", s.apiGetAutopilotStatus)
	mux.HandleFunc("POST /api/v1/projects/{id}/autopilot/start", s.apiStartAutopilot)
	mux.HandleFunc("POST /api/v1/projects/{id}/autopilot/stop", s.apiStopAutopilot)

	mux.HandleFunc("GET /api/v1/events/stream", s.handleSSE)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withLogging(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// GetStore returns the database store for external use (e.g. cmd/vibeccd
// wiring a Scheduler against the same store).
func (s *Server) GetStore() *db.Store {
	return s.store
}
