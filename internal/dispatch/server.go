// SPDX-License-Identifier: MIT

package dispatch

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vodway/aidgate/internal/log"
	"github.com/vodway/aidgate/internal/registry"
)

// Server exposes the dispatch core over HTTP.
type Server struct {
	svc      *Service
	registry *registry.Registry
	logger   zerolog.Logger
	version  string

	rateLimitRPM int
	tracing      bool
}

// ServerOption allows functional configuration of the Server.
type ServerOption func(*Server)

// WithRateLimit sets the per-IP request budget per minute. Zero disables.
func WithRateLimit(rpm int) ServerOption {
	return func(s *Server) { s.rateLimitRPM = rpm }
}

// WithTracing wraps the handler tree in otelhttp instrumentation.
func WithTracing(enabled bool) ServerOption {
	return func(s *Server) { s.tracing = enabled }
}

// NewServer creates the HTTP layer around the dispatch service.
func NewServer(svc *Service, reg *registry.Registry, version string, logger zerolog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		svc:      svc,
		registry: reg,
		logger:   logger.With().Str("component", "api").Logger(),
		version:  version,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the chi route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	if s.rateLimitRPM > 0 {
		r.Use(httprate.LimitByIP(s.rateLimitRPM, time.Minute))
	}

	r.Get("/aid/v1/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/aid/v1/list-jobs", s.handleListJobs)
		r.Post("/aid/v1/claim-job", s.handleClaimJob)
		r.Post("/aid/v1/update-job", s.handleUpdateJob)
		r.Post("/aid/v1/complete-job", s.handleCompleteJob)
		r.Post("/aid/v1/get-job", s.handleGetJob)
	})

	var h http.Handler = r
	if s.tracing {
		h = otelhttp.NewHandler(h, "aidgate-api")
	}
	return h
}

// requestIDMiddleware assigns every request a UUID for log correlation.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), rid)))
	})
}

// loggingMiddleware emits one structured line per request.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		logger := log.WithContext(r.Context(), s.logger)
		logger.Info().
			Str("event", "http.request").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
