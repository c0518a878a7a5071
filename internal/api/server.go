package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/opendatanet/harvester/internal/harvest"
	"github.com/opendatanet/harvester/internal/registry"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	defaultTimeout  = 30 * time.Second
)

// Server wires HTTP handlers to the job registry.
type Server struct {
	router chi.Router
	reg    *registry.Registry
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. timeout bounds
// request handling end to end.
func NewServer(reg *registry.Registry, timeout time.Duration, logger *zap.Logger) *Server {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{reg: reg, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.startJob)
		r.Get("/", s.listJobs)
		r.Route("/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Post("/cancel", s.cancelJob)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

// startJobRequest is the POST /v1/jobs body. Unknown keys are rejected: job
// options are an explicit enumeration, not a pass-through dictionary.
type startJobRequest struct {
	SiteID  string             `json:"site_id"`
	Options harvest.JobOptions `json:"options"`
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req startJobRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), s.logger)
		return
	}

	snap, err := s.reg.StartJob(r.Context(), req.SiteID, req.Options)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": snap}, s.logger)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var statusFilter *harvest.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := harvest.JobStatus(raw)
		switch status {
		case harvest.JobStatusPending, harvest.JobStatusRunning,
			harvest.JobStatusCompleted, harvest.JobStatusFailed, harvest.JobStatusCancelled:
			statusFilter = &status
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw), s.logger)
			return
		}
	}

	limit := defaultJobLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxJobLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500", s.logger)
			return
		}
		limit = parsed
	}

	snaps, err := s.reg.List(r.Context(), statusFilter, limit)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": snaps}, s.logger)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	snap, err := s.reg.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": snap}, s.logger)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.reg.Cancel(r.Context(), jobID); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "cancel": "requested"}, s.logger)
}

func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case harvest.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
	case errors.Is(err, harvest.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found", s.logger)
	case harvest.IsInvalidTransition(err):
		writeError(w, http.StatusConflict, err.Error(), s.logger)
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", s.logger)
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error", logger)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}
