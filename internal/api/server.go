// Package api is the HTTP control plane: health and readiness probes, the
// metrics endpoint, and bearer-token-guarded tenant-scoped queries. Every
// authenticated handler borrows one pooled session for the request.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"process-sentinel/internal/auth"
	"process-sentinel/internal/config"
	"process-sentinel/internal/models"
	"process-sentinel/internal/pool"
	"process-sentinel/internal/store"
	"process-sentinel/internal/telemetry"
	"process-sentinel/internal/tenant"
)

// DLQBrowser peeks at the dead-letter queue without consuming it.
type DLQBrowser interface {
	Browse(ctx context.Context, sess *pool.Session, limit int) ([]models.Event, error)
}

// Server wires the HTTP handlers.
type Server struct {
	cfg      config.Config
	sessions *pool.Pool
	store    *store.Store
	dlq      DLQBrowser
	authmw   *auth.Middleware

	// bufs recycles JSON encode buffers across requests.
	bufs sync.Pool
}

// New constructs the API server. dlq may be nil when no dead-letter queue is
// configured.
func New(cfg config.Config, sessions *pool.Pool, st *store.Store, dlq DLQBrowser, authmw *auth.Middleware) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		store:    st,
		dlq:      dlq,
		authmw:   authmw,
		bufs:     sync.Pool{New: func() any { return new(bytes.Buffer) }},
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestMetrics)

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(s.authmw.Handler)
		pr.Get("/status/{pid}", s.handleStatus)
		pr.Get("/processes", s.handleProcesses)
		pr.Get("/logs/{pid}", s.handleLogs)
		pr.Get("/dlq", s.handleDLQ)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
}

// handleReady proves the database is reachable by borrowing and returning a
// session.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.PoolWaitTimeout+time.Second)
	defer cancel()

	sess, err := s.sessions.Acquire(ctx)
	if err != nil {
		log.WithError(err).Warn("readiness probe could not get a session")
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "DOWN",
			"reason": "database",
		})
		return
	}
	s.sessions.Release(sess)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "READY"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tctx, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "no identity")
		return
	}
	pid := chi.URLParam(r, "pid")
	if pid == "" {
		s.writeError(w, http.StatusBadRequest, "process id is required")
		return
	}

	sess, err := s.sessions.Acquire(r.Context())
	if err != nil {
		log.WithError(err).Warn("could not get a session for request")
		s.writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	defer s.sessions.Release(sess)

	status, err := s.store.ProcessStatus(r.Context(), sess, tctx, pid)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	tctx, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "no identity")
		return
	}

	sess, err := s.sessions.Acquire(r.Context())
	if err != nil {
		log.WithError(err).Warn("could not get a session for request")
		s.writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	defer s.sessions.Release(sess)

	processes, err := s.store.ListProcesses(r.Context(), sess, tctx,
		r.URL.Query().Get("tenant"), queryLimit(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	if processes == nil {
		processes = []models.ProcessStatus{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"processes": processes})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	tctx, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "no identity")
		return
	}
	pid := chi.URLParam(r, "pid")
	if pid == "" {
		s.writeError(w, http.StatusBadRequest, "process id is required")
		return
	}

	sess, err := s.sessions.Acquire(r.Context())
	if err != nil {
		log.WithError(err).Warn("could not get a session for request")
		s.writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	defer s.sessions.Release(sess)

	logs, err := s.store.ProcessLogs(r.Context(), sess, tctx, pid, queryLimit(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	if logs == nil {
		logs = []models.ProcessLog{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// handleDLQ lists dead-lettered events. Operators only.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	tctx, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "no identity")
		return
	}
	if !tctx.Privileged() {
		s.fail(w, tenant.ErrCrossTenant)
		return
	}
	if s.dlq == nil {
		s.writeError(w, http.StatusNotFound, "no dead-letter queue configured")
		return
	}

	sess, err := s.sessions.Acquire(r.Context())
	if err != nil {
		log.WithError(err).Warn("could not get a session for request")
		s.writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	defer s.sessions.Release(sess)

	events, err := s.dlq.Browse(r.Context(), sess, queryLimit(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// fail maps component errors onto the HTTP error contract.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tenant.ErrCrossTenant):
		s.writeError(w, http.StatusForbidden, "cross-tenant access denied")
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "process not found")
	case errors.Is(err, pool.ErrPoolExhausted),
		errors.Is(err, pool.ErrPoolClosed),
		errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusServiceUnavailable, "database unavailable")
	default:
		log.WithError(err).Error("request failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return store.DefaultLimit
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

// writeJSON encodes through a pooled buffer so a failed encode never emits a
// half-written body.
func (s *Server) writeJSON(w http.ResponseWriter, code int, payload any) {
	buf := s.bufs.Get().(*bytes.Buffer)
	buf.Reset()
	defer s.bufs.Put(buf)

	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		log.WithError(err).Error("encode response")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(code)
	if _, err := w.Write(buf.Bytes()); err != nil {
		// Client went away mid-write; count it, nothing else to do.
		telemetry.RequestsError.Inc()
	}
}

// statusRecorder captures the response code for the metrics middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		telemetry.RequestsTotal.Inc()
		telemetry.HTTPInFlight.Inc()
		start := time.Now()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		telemetry.HTTPRequestDuration.Observe(time.Since(start).Seconds())
		telemetry.HTTPInFlight.Dec()
		if rec.status < http.StatusBadRequest {
			telemetry.RequestsSuccess.Inc()
		} else {
			telemetry.RequestsError.Inc()
		}
	})
}
