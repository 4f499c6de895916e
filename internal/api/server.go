package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/geoscrape/internal/jobqueue"
	"github.com/JakeFAU/geoscrape/internal/metrics"
	pubmemory "github.com/JakeFAU/geoscrape/internal/publisher/memory"
)

// Queue is the part of a queue session the server uses.
type Queue interface {
	List(ctx context.Context, jobType string) ([]jobqueue.Descriptor, error)
	Enqueue(ctx context.Context, assetKey, jobType string, fields map[string]any) (jobqueue.Descriptor, error)
}

// ReadinessCheck reports whether downstream dependencies are usable.
type ReadinessCheck func(ctx context.Context) error

// AnnouncementSource returns up to n recent job announcements, newest first.
type AnnouncementSource func(n int) []pubmemory.Announcement

// Option configures optional Server features.
type Option func(*Server)

// WithAnnouncements exposes in-process job announcements on /v1/announcements.
func WithAnnouncements(src AnnouncementSource) Option {
	return func(s *Server) { s.announcements = src }
}

// Server wires HTTP handlers to the job queue.
type Server struct {
	router        chi.Router
	newQueue      func() Queue
	ready         ReadinessCheck
	announcements AnnouncementSource
	log           *zap.Logger
}

// NewServer constructs a Server with middleware and routes. newQueue is
// called per request because queue sessions cache their first listing.
func NewServer(newQueue func() Queue, ready ReadinessCheck, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		newQueue: newQueue,
		ready:    ready,
		log:      logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Get("/v1/jobs/{job_type}", s.listJobs)
	r.Post("/v1/jobs/{job_type}", s.enqueueJob)
	r.Get("/v1/announcements", s.listAnnouncements)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.log.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type listJobsResponse struct {
	Type  string   `json:"type"`
	Count int      `json:"count"`
	Jobs  []string `json:"jobs"`
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobType := chi.URLParam(r, "job_type")
	jobs, err := s.newQueue().List(r.Context(), jobType)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	out := listJobsResponse{Type: strings.ToLower(jobType), Count: len(jobs), Jobs: make([]string, 0, len(jobs))}
	for _, d := range jobs {
		out.Jobs = append(out.Jobs, string(d))
	}
	s.writeJSON(w, http.StatusOK, out)
}

type enqueueRequest struct {
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields"`
}

func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		s.writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	d, err := s.newQueue().Enqueue(r.Context(), req.Key, chi.URLParam(r, "job_type"), req.Fields)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"descriptor": string(d)})
}

const defaultAnnouncementLimit = 50

func (s *Server) listAnnouncements(w http.ResponseWriter, r *http.Request) {
	if s.announcements == nil {
		s.writeError(w, http.StatusNotFound, "announcements are published to pubsub")
		return
	}
	limit := defaultAnnouncementLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"announcements": s.announcements(limit)})
}

type requestIDKey struct{}

// RequestID returns the request ID stored by the server middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.log.Debug("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
