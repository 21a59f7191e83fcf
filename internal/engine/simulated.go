package engine

import (
	"context"
	"fmt"
	"time"

	"portal-scrape-queue/internal/models"
)

// Simulated stands in for the automation engine in local runs and tests.
// A payload with {"should_fail": true} fails, and "duration_ms" makes the
// attempt take that long.
type Simulated struct{}

func (Simulated) Execute(ctx context.Context, job models.Job) (models.JobResult, error) {
	if val, ok := job.Payload["should_fail"].(bool); ok && val {
		return models.JobResult{}, &ExecutionError{JobID: job.ID, Reason: "simulated failure requested by payload.should_fail"}
	}
	if ms, ok := asInt(job.Payload["duration_ms"]); ok && ms > 0 {
		timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return models.JobResult{}, ctx.Err()
		case <-timer.C:
		}
	}

	entity, _ := job.Payload["entity"].(string)
	return models.JobResult{
		Message:    fmt.Sprintf("simulated %s scrape completed", orDefault(job.Type, "default")),
		EntityName: entity,
		Data:       map[string]any{"attempt": job.AttemptCount},
	}, nil
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
