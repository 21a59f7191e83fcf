package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"portal-scrape-queue/internal/config"
	"portal-scrape-queue/internal/models"
)

const maxEngineResponse = 32 * 1024 * 1024

// HTTPEngine runs scrapes on a remote automation engine. Calls go through a
// circuit breaker so a dead engine fails attempts fast instead of tying up
// every worker for the full timeout.
type HTTPEngine struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

type engineRequest struct {
	JobID       string         `json:"job_id"`
	Type        string         `json:"type"`
	Attempt     int            `json:"attempt"`
	RequestedBy string         `json:"requested_by,omitempty"`
	Payload     map[string]any `json:"payload"`
}

type engineError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewHTTPEngine builds an engine client for cfg.EngineURL.
func NewHTTPEngine(cfg config.Config) *HTTPEngine {
	timeout := cfg.EngineTimeout
	if timeout == 0 {
		timeout = 15 * time.Minute
	}
	return &HTTPEngine{
		url:    cfg.EngineURL,
		client: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "automation-engine",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			// Portal-side failures say nothing about engine health.
			IsSuccessful: func(err error) bool {
				var execErr *ExecutionError
				return err == nil || (errors.As(err, &execErr) && !execErr.Transient)
			},
		}),
	}
}

// State reports the breaker state, mostly for logs.
func (e *HTTPEngine) State() string {
	return e.breaker.State().String()
}

func (e *HTTPEngine) Execute(ctx context.Context, job models.Job) (models.JobResult, error) {
	out, err := e.breaker.Execute(func() (interface{}, error) {
		return e.call(ctx, job)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return models.JobResult{}, &ExecutionError{JobID: job.ID, Reason: "automation engine unavailable", Transient: true, Err: err}
		}
		return models.JobResult{}, err
	}
	return out.(models.JobResult), nil
}

func (e *HTTPEngine) call(ctx context.Context, job models.Job) (models.JobResult, error) {
	body, err := json.Marshal(engineRequest{
		JobID:       job.ID,
		Type:        job.Type,
		Attempt:     job.AttemptCount,
		RequestedBy: job.RequestedBy,
		Payload:     job.Payload,
	})
	if err != nil {
		return models.JobResult{}, &ExecutionError{JobID: job.ID, Reason: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return models.JobResult{}, &ExecutionError{JobID: job.ID, Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return models.JobResult{}, ctx.Err()
		}
		return models.JobResult{}, &ExecutionError{JobID: job.ID, Reason: "engine request failed", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxEngineResponse))
	if err != nil {
		return models.JobResult{}, &ExecutionError{JobID: job.ID, Reason: "read engine response", Transient: true, Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		reason := fmt.Sprintf("engine returned status %d", resp.StatusCode)
		var ee engineError
		if json.Unmarshal(raw, &ee) == nil {
			if msg := firstNonEmpty(ee.Error, ee.Message); msg != "" {
				reason = msg
			}
		}
		return models.JobResult{}, &ExecutionError{
			JobID:     job.ID,
			Reason:    reason,
			Transient: resp.StatusCode >= http.StatusInternalServerError,
		}
	}

	var result models.JobResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return models.JobResult{}, &ExecutionError{JobID: job.ID, Reason: "decode engine response", Err: err}
	}
	return result, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
