package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"courseforge/internal/artifact"
	"courseforge/internal/config"
	"courseforge/internal/models"
	"courseforge/internal/store"
	"courseforge/internal/telemetry"
)

// JobStore is the slice of the job store the API needs.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	CancelPending(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, version int, jobErr models.JobError) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Queue is the slice of the Redis queue the API needs.
type Queue interface {
	Enqueue(ctx context.Context, jobID, priority string, runAt time.Time) error
	Remove(ctx context.Context, jobID string) error
	FailedPeek(ctx context.Context, count int64) ([]string, error)
}

// Artifacts resolves finished courses for retrieval.
type Artifacts interface {
	Get(ctx context.Context, courseID string) (models.Course, error)
}

// RateLimiter gates submissions per tenant.
type RateLimiter interface {
	Allow(ctx context.Context, tenant string) (bool, float64, error)
}

// Server wires HTTP handlers for the submission-facing API. Submission never
// blocks on pipeline execution: it returns once the job row is durable and
// the id is enqueued.
type Server struct {
	cfg       config.Config
	store     JobStore
	queue     Queue
	artifacts Artifacts
	limiter   RateLimiter
	log       *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, st JobStore, q Queue, artifacts Artifacts, limiter RateLimiter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{cfg: cfg, store: st, queue: q, artifacts: artifacts, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/failed", s.handleFailedList)
	r.Get("/jobs/{id}", s.handlePoll)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/courses/{id}", s.handleGetCourse)
	return r
}

type submitRequest struct {
	Title        string        `json:"title"`
	Source       models.Source `json:"source"`
	Priority     string        `json:"priority"`
	RunAt        *time.Time    `json:"run_at"`
	DelaySeconds int           `json:"delay_seconds"`
}

func (r submitRequest) validate() error {
	if r.Title == "" {
		return errors.New("title is required")
	}
	switch r.Source.Kind {
	case models.SourceText:
		if r.Source.Payload == "" {
			return errors.New("text source requires a payload")
		}
	case models.SourcePDF, models.SourceAudio, models.SourceImage:
		if r.Source.PayloadRef == "" {
			return fmt.Errorf("%s source requires a payload_ref", r.Source.Kind)
		}
	default:
		return fmt.Errorf("unknown source kind %q", r.Source.Kind)
	}
	return nil
}

// pollResponse is the submitter-facing job view.
type pollResponse struct {
	JobID        string           `json:"job_id"`
	Status       string           `json:"status"`
	Progress     int              `json:"progress"`
	CurrentStage string           `json:"current_stage"`
	ResultRef    *string          `json:"result_ref,omitempty"`
	Error        *models.JobError `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func pollView(job models.Job) pollResponse {
	return pollResponse{
		JobID:        job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		CurrentStage: job.CurrentStage,
		ResultRef:    job.ResultRef,
		Error:        job.Error,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, models.ErrKindInvalidRequest, "invalid json")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, models.ErrKindInvalidRequest, err.Error())
		return
	}

	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), tenant)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate_limit_error", "rate limit check failed")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many submissions")
			return
		}
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Title:    req.Title,
		Source:   req.Source,
		Priority: req.Priority,
	})
	if err != nil {
		s.log.Error("create job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "failed to create job")
		return
	}

	runAt := time.Now()
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	if req.DelaySeconds > 0 {
		runAt = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	if err := s.queue.Enqueue(r.Context(), job.ID, job.Priority, runAt); err != nil {
		s.log.Error("enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
		_ = s.store.MarkFailed(r.Context(), job.ID, job.Version, models.JobError{
			Kind: models.ErrKindRecoverable, Message: "enqueue failed: " + err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "internal", "failed to enqueue job")
		return
	}
	_ = s.store.AppendAudit(r.Context(), job.ID, "submitted", fmt.Sprintf("tenant=%s priority=%s kind=%s", tenant, job.Priority, job.Source.Kind))
	telemetry.SubmitCounter.Inc()

	writeJSON(w, http.StatusAccepted, pollView(job))
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown job id")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, pollView(job))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.CancelPending(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "unknown job id")
		case errors.Is(err, store.ErrNotCancellable):
			writeError(w, http.StatusConflict, "not_cancellable", "only pending jobs can be cancelled")
		default:
			writeError(w, http.StatusInternalServerError, "internal", "failed to cancel job")
		}
		return
	}
	if err := s.queue.Remove(r.Context(), id); err != nil {
		// The row is already terminal; a worker dequeuing a stale id will
		// see that and ack it away.
		s.log.Warn("queue removal after cancel failed", zap.String("job_id", id), zap.Error(err))
	}
	_ = s.store.AppendAudit(r.Context(), id, "cancelled", "cancel requested via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleGetCourse(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	course, err := s.artifacts.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown course id")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "failed to load course")
		return
	}
	writeJSON(w, http.StatusOK, course)
}

// handleFailedList returns recently failed job ids for operators.
func (s *Server) handleFailedList(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.FailedPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to read failed list")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, kind, message string) {
	writeJSON(w, code, map[string]string{"error": kind, "message": message})
}
