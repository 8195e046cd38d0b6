// Package api exposes the HTTP interface for the scrape engine.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/MutugiD/linkedin-crm/internal/config"
	"github.com/MutugiD/linkedin-crm/internal/metrics"
	"github.com/MutugiD/linkedin-crm/internal/scrape"
)

// Server wires HTTP handlers to the job queue.
type Server struct {
	router chi.Router
	queue  scrape.Queue
	idGen  scrape.IDGenerator
	clock  scrape.Clock
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	queue scrape.Queue,
	idGen scrape.IDGenerator,
	clock scrape.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		queue:  queue,
		idGen:  idGen,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Post("/cancel", s.cancelJob)
			})
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
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitJobRequest struct {
	TargetKind    string `json:"target_kind"`
	TargetLocator string `json:"target_locator"`
	Priority      string `json:"priority"`
}

type jobStatusResponse struct {
	JobID          string     `json:"job_id"`
	TargetKind     string     `json:"target_kind"`
	TargetLocator  string     `json:"target_locator"`
	Priority       string     `json:"priority"`
	State          string     `json:"state"`
	AttemptCount   int        `json:"attempt_count"`
	ItemsExtracted int        `json:"items_extracted"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	NextEligibleAt time.Time  `json:"next_eligible_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// submitJob validates the submission synchronously: a malformed job is
// rejected here, never enqueued to fail later.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}

	priority := scrape.PriorityNormal
	if req.Priority != "" {
		var ok bool
		if priority, ok = scrape.ParsePriority(req.Priority); !ok {
			writeError(s.logger, w, http.StatusBadRequest, fmt.Sprintf("unknown priority %q", req.Priority))
			return
		}
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "generate job id")
		return
	}

	job, err := s.queue.Enqueue(r.Context(), scrape.Job{
		ID:        jobID,
		Kind:      scrape.TargetKind(req.TargetKind),
		Locator:   req.TargetLocator,
		Priority:  priority,
		CreatedAt: s.clock.Now(),
	})
	switch {
	case errors.Is(err, scrape.ErrInvalidJob):
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, scrape.ErrQueueClosed):
		writeError(s.logger, w, http.StatusServiceUnavailable, "engine is shutting down")
		return
	case err != nil:
		writeError(s.logger, w, http.StatusInternalServerError, "enqueue job")
		return
	}

	writeJSON(s.logger, w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"state":  string(job.State),
	})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.queue.Get(r.Context(), jobID)
	if err != nil {
		writeError(s.logger, w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, jobStatusResponse{
		JobID:          job.ID,
		TargetKind:     string(job.Kind),
		TargetLocator:  job.Locator,
		Priority:       job.Priority.String(),
		State:          string(job.State),
		AttemptCount:   job.AttemptCount,
		ItemsExtracted: job.ItemsExtracted,
		LastError:      job.LastError,
		CreatedAt:      job.CreatedAt,
		NextEligibleAt: job.NextEligibleAt,
		FinishedAt:     job.FinishedAt,
	})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	err := s.queue.Cancel(r.Context(), jobID)
	switch {
	case errors.Is(err, scrape.ErrNotFound):
		writeError(s.logger, w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, scrape.ErrInvalidTransition):
		writeError(s.logger, w, http.StatusConflict, "job already finished")
		return
	case err != nil:
		writeError(s.logger, w, http.StatusInternalServerError, "cancel job")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"job_id": jobID, "status": "cancel_requested"})
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
