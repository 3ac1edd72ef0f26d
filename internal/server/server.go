// Package server exposes the loopback control API consumed by the UI
// layer: task visibility, manual sync triggers, and ledger maintenance.
package server

import (
	"context"
	"encoding/json/v2"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/marginapp/margin-sync/internal/domain"
	syncerr "github.com/marginapp/margin-sync/internal/errors"
	"github.com/marginapp/margin-sync/internal/queue"
)

// heartbeatInterval keeps idle event streams alive through proxies.
const heartbeatInterval = 30 * time.Second

// streamWriteWindow is how far the connection's write deadline is pushed
// out after each stream write. The event stream outlives the server-wide
// WriteTimeout, so the deadline must be re-armed per write.
const streamWriteWindow = 60 * time.Second

// Tasks is the queue surface the API exposes.
type Tasks interface {
	Snapshot() queue.Snapshot
	Retry(taskID string) (domain.SyncTask, error)
	Cancel(taskID string) error
	Dismiss(taskID string) error
	Subscribe() (<-chan queue.Event, func())
}

// Syncer triggers sync sweeps.
type Syncer interface {
	SyncAll(ctx context.Context) (int, error)
	SyncNow(ctx context.Context, kinds ...domain.Source) (int, error)
}

// Records is the ledger maintenance surface.
type Records interface {
	Clear(ctx context.Context, sourceKey domain.Source, bookID string) (int, error)
	ClearSource(ctx context.Context, sourceKey domain.Source) (int, error)
}

// Server holds dependencies for the control API handlers.
type Server struct {
	tasks   Tasks
	syncer  Syncer
	records Records
	router  *chi.Mux
	logger  *slog.Logger
}

// New creates the control API server with all routes configured.
func New(tasks Tasks, syncer Syncer, records Records, logger *slog.Logger) *Server {
	s := &Server{
		tasks:   tasks,
		syncer:  syncer,
		records: records,
		router:  chi.NewRouter(),
		logger:  logger,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// setupMiddleware configures the middleware stack. The API binds
// loopback only; cors covers browser-based UIs served from other local
// ports.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/tasks", s.handleListTasks)
		r.Get("/events", s.handleEvents)
		r.Post("/sync", s.handleSync)

		r.Route("/tasks/{id}", func(r chi.Router) {
			r.Post("/retry", s.handleRetryTask)
			r.Post("/cancel", s.handleCancelTask)
			r.Post("/dismiss", s.handleDismissTask)
		})

		r.Route("/records/{source}", func(r chi.Router) {
			r.Delete("/", s.handleClearSource)
			r.Delete("/{bookID}", s.handleClearBook)
		})
	})
}

// handleHealth reports daemon liveness.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

// handleListTasks returns the queue snapshot with derived counts.
func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.tasks.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":  snapshot,
		"counts": snapshot.Counts(),
	}, s.logger)
}

// syncRequest optionally narrows a manual sync to specific sources.
type syncRequest struct {
	Sources []string `json:"sources"`
}

// handleSync triggers a sweep. An empty body or empty source list syncs
// everything.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req syncRequest
	if r.ContentLength > 0 {
		if err := json.UnmarshalRead(r.Body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", string(syncerr.CodeValidation), s.logger)
			return
		}
	}

	var kinds []domain.Source
	for _, raw := range req.Sources {
		kind, err := domain.ParseSource(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), string(syncerr.CodeValidation), s.logger)
			return
		}
		kinds = append(kinds, kind)
	}

	var (
		enqueued int
		err      error
	)
	if len(kinds) == 0 {
		enqueued, err = s.syncer.SyncAll(ctx)
	} else {
		enqueued, err = s.syncer.SyncNow(ctx, kinds...)
	}
	if err != nil {
		handleError(w, err, s.logger)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"enqueued": enqueued}, s.logger)
}

// handleRetryTask re-enqueues a failed task.
func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Retry(chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, task, s.logger)
}

// handleCancelTask stops a queued or running task.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Cancel(chi.URLParam(r, "id")); err != nil {
		handleError(w, err, s.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDismissTask removes a finished task from the view.
func (s *Server) handleDismissTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Dismiss(chi.URLParam(r, "id")); err != nil {
		handleError(w, err, s.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClearSource deletes all ledger records of one source. The next
// sync re-verifies everything remotely instead of trusting the ledger.
func (s *Server) handleClearSource(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseSource(chi.URLParam(r, "source"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), string(syncerr.CodeValidation), s.logger)
		return
	}

	n, err := s.records.ClearSource(r.Context(), kind)
	if err != nil {
		handleError(w, err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n}, s.logger)
}

// handleClearBook deletes the ledger records of one content item.
func (s *Server) handleClearBook(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseSource(chi.URLParam(r, "source"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), string(syncerr.CodeValidation), s.logger)
		return
	}

	n, err := s.records.Clear(r.Context(), kind, chi.URLParam(r, "bookID"))
	if err != nil {
		handleError(w, err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n}, s.logger)
}

// handleEvents streams task lifecycle events as SSE until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", string(syncerr.CodeUnknown), s.logger)
		return
	}
	s.extendWriteDeadline(rc)

	events, unsubscribe := s.tasks.Subscribe()
	defer unsubscribe()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := s.sendStream(w, rc, ": heartbeat\n\n"); err != nil {
				return
			}
		case event, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(event.Task)
			if err != nil {
				s.logger.Error("failed to encode task event", "error", err)
				continue
			}
			if err := s.sendStream(w, rc, fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload)); err != nil {
				return
			}
		}
	}
}

// sendStream writes one SSE frame, flushes it, and re-arms the write
// deadline. A write or flush error means the client is gone.
func (s *Server) sendStream(w http.ResponseWriter, rc *http.ResponseController, frame string) error {
	if _, err := fmt.Fprint(w, frame); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil {
		return err
	}
	s.extendWriteDeadline(rc)
	return nil
}

// extendWriteDeadline pushes the connection's write deadline past the
// server-wide WriteTimeout so a long-lived stream is not cut off.
func (s *Server) extendWriteDeadline(rc *http.ResponseController) {
	if err := rc.SetWriteDeadline(time.Now().Add(streamWriteWindow)); err != nil {
		// Not every ResponseWriter supports deadlines (test recorders).
		s.logger.Debug("failed to set write deadline", "error", err)
	}
}
