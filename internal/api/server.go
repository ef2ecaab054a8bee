// Package api exposes the coordinator's HTTP interface: job submission and
// control for operators, heartbeat and reporting endpoints for satellites.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/linkorbit/coordinator/internal/config"
	"github.com/linkorbit/coordinator/internal/core"
	"github.com/linkorbit/coordinator/internal/dispatch"
	"github.com/linkorbit/coordinator/internal/fleet"
	"github.com/linkorbit/coordinator/internal/metrics"
	"github.com/linkorbit/coordinator/internal/quota"
	"github.com/linkorbit/coordinator/internal/store"
	"github.com/linkorbit/coordinator/internal/telemetry"
)

const requestTimeout = 60 * time.Second

// Server wires HTTP handlers to the dispatcher, fleet, and quota subsystems.
type Server struct {
	router     chi.Router
	dispatcher *dispatch.Dispatcher
	jobs       store.JobStore
	fleet      *fleet.Manager
	quota      *quota.Tracker
	aggregator *telemetry.Aggregator
	hub        *telemetry.Hub
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	dispatcher *dispatch.Dispatcher,
	jobs store.JobStore,
	fl *fleet.Manager,
	qt *quota.Tracker,
	aggregator *telemetry.Aggregator,
	hub *telemetry.Hub,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		dispatcher: dispatcher,
		jobs:       jobs,
		fleet:      fl,
		quota:      qt,
		aggregator: aggregator,
		hub:        hub,
		cfg:        cfg,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		// The stream endpoint holds its connection open; everything else
		// runs under the request timeout.
		r.Get("/telemetry/stream", s.streamTelemetry)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))

			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", s.submitJob)
				r.Get("/", s.listJobs)
				r.Route("/{job_id}", func(r chi.Router) {
					r.Get("/", s.getJob)
					r.Delete("/", s.cancelJob)
					r.Post("/cancel", s.cancelJob)
				})
			})

			r.Route("/dispatch", func(r chi.Router) {
				r.Post("/pause", s.pauseDispatch)
				r.Post("/resume", s.resumeDispatch)
			})

			r.Route("/satellites", func(r chi.Router) {
				r.Get("/", s.listSatellites)
				r.Post("/control", s.controlAllSatellites)
				r.Route("/{satellite_id}", func(r chi.Router) {
					r.Get("/", s.getSatellite)
					r.Post("/control", s.controlSatellite)
					r.Post("/heartbeat", s.heartbeat)
					r.Route("/jobs/{job_id}", func(r chi.Router) {
						r.Post("/progress", s.reportProgress)
						r.Post("/complete", s.reportComplete)
					})
				})
			})

			r.Route("/providers", func(r chi.Router) {
				r.Get("/", s.listQuotas)
				r.Route("/{provider}", func(r chi.Router) {
					r.Get("/", s.getQuota)
					r.Post("/acquire", s.acquireProvider)
					r.Post("/report", s.reportProviderCall)
				})
			})

			r.Get("/telemetry", s.getTelemetry)
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
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The job store is the only hard dependency for readiness.
	if _, err := s.jobs.List(r.Context(), store.ListFilter{Limit: 1}); err != nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusForError maps domain errors onto HTTP status codes.
func statusForError(err error) int {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrDispatchDeferred):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
