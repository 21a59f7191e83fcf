package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"portal-scrape-queue/internal/config"
	"portal-scrape-queue/internal/models"
	"portal-scrape-queue/internal/queue"
	"portal-scrape-queue/internal/ratelimit"
	"portal-scrape-queue/internal/telemetry"
)

// Archive looks up jobs that were pruned from the live queue.
type Archive interface {
	GetArchived(ctx context.Context, id string) (models.Job, error)
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	cfg     config.Config
	manager *queue.Manager
	limiter *ratelimit.TokenBucket
	archive Archive
	log     logrus.FieldLogger
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, m *queue.Manager, limiter *ratelimit.TokenBucket, log logrus.FieldLogger) *Server {
	return &Server{
		cfg:     cfg,
		manager: m,
		limiter: limiter,
		log:     log,
	}
}

// SetArchive enables archive fallback on GET /jobs/{id}.
func (s *Server) SetArchive(a Archive) { s.archive = a }

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs", s.handleList)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Delete("/jobs/{id}", s.handleDelete)
	r.Post("/scrape/{type}", s.handleScrape)
	r.Get("/queue", s.handleQueue)
	return r
}

type enqueueRequest struct {
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
	RequestedBy    string         `json:"requested_by"`
	MaxAttempts    int            `json:"max_attempts"`
}

type enqueueResponse struct {
	Message string     `json:"message"`
	JobID   string     `json:"job_id"`
	Job     models.Job `json:"job"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	s.submit(w, r, models.Submission{
		Type:           req.Type,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		RequestedBy:    req.RequestedBy,
		MaxAttempts:    req.MaxAttempts,
	})
}

// handleScrape is the query-parameter form: POST /scrape/pwmr?user_email=...
// A requester can only have one live scrape per type.
func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	scrapeType := strings.ToLower(chi.URLParam(r, "type"))
	email := strings.TrimSpace(r.URL.Query().Get("user_email"))
	if email == "" {
		writeError(w, &queue.ValidationError{Fields: map[string]string{"user_email": "is required"}})
		return
	}
	s.submit(w, r, models.Submission{
		Type:           scrapeType,
		Payload:        map[string]any{"email": email},
		RequestedBy:    email,
		IdempotencyKey: scrapeType + ":" + email,
	})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, sub models.Submission) {
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), requesterFromRequest(r, sub))
		if err != nil {
			s.log.WithError(err).Error("rate limiter unavailable")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "rate limit error"})
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			return
		}
	}

	job, err := s.manager.Enqueue(r.Context(), sub)
	if err != nil {
		if errors.Is(err, queue.ErrDuplicate) {
			telemetry.DuplicateRejects.Inc()
		} else if !errors.Is(err, queue.ErrValidation) {
			s.log.WithError(err).Error("enqueue failed")
		}
		writeError(w, err)
		return
	}
	telemetry.EnqueueCounter.Inc()
	s.log.WithFields(logrus.Fields{
		"job_id":       job.ID,
		"type":         job.Type,
		"requested_by": job.RequestedBy,
	}).Info("job enqueued")

	msg := "job queued"
	if job.Type != "" {
		msg = fmt.Sprintf("%s scrape queued", strings.ToUpper(job.Type))
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{Message: msg, JobID: job.ID, Job: job})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.manager.GetStatus(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) && s.archive != nil {
		if archived, aerr := s.archive.GetArchived(r.Context(), id); aerr == nil {
			writeJSON(w, http.StatusOK, archived)
			return
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	status := models.Status(r.URL.Query().Get("status"))
	jobs, err := s.manager.ListByStatus(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "count": len(jobs), "jobs": jobs})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.DeleteJob(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.log.WithField("job_id", id).Info("job deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	depth, err := s.manager.Depth(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	telemetry.QueueDepthGauge.Set(float64(depth))
	writeJSON(w, http.StatusOK, map[string]any{"depth": depth, "statuses": stats})
}

func requesterFromRequest(r *http.Request, sub models.Submission) string {
	if sub.RequestedBy != "" {
		return sub.RequestedBy
	}
	if v := r.Header.Get("X-Requester"); v != "" {
		return v
	}
	return "anonymous"
}

func writeError(w http.ResponseWriter, err error) {
	var (
		verr *queue.ValidationError
		derr *queue.DuplicateError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": verr.Fields})
	case errors.As(err, &derr):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "job_id": derr.JobID})
	case errors.Is(err, queue.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, queue.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
