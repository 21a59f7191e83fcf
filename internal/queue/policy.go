package queue

import (
	"fmt"

	"portal-scrape-queue/internal/models"
)

// ReclaimReason is the failure reason recorded when the sweeper reclaims a
// job whose worker stopped reporting.
const ReclaimReason = "worker timeout or crash"

// Policy decides where a reported job goes next. Worker reports and sweeper
// reclaims both go through Decide so the attempt cap lives in one place.
type Policy struct {
	MaxAttempts int
}

// Decision is the transition a Policy picked for an outcome.
type Decision struct {
	Next    models.Status
	Message string
}

// Limit returns the attempt cap for job: the per-job snapshot when set,
// otherwise the policy default.
func (p Policy) Limit(job models.Job) int {
	if job.MaxAttempts > 0 {
		return job.MaxAttempts
	}
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return 1
}

// Cap clamps a requested per-job attempt cap to the policy maximum.
func (p Policy) Cap(requested int) int {
	if requested <= 0 || (p.MaxAttempts > 0 && requested > p.MaxAttempts) {
		return p.Limit(models.Job{})
	}
	return requested
}

// Decide maps an outcome for a processing job to its next status.
func (p Policy) Decide(job models.Job, outcome models.Outcome) Decision {
	if outcome.Kind == models.OutcomeSuccess {
		msg := outcome.Message
		if msg == "" {
			msg = "completed"
		}
		return Decision{Next: models.StatusCompleted, Message: msg}
	}

	reason := outcome.Message
	if reason == "" {
		reason = "unknown failure"
	}
	limit := p.Limit(job)
	if job.AttemptCount < limit {
		return Decision{
			Next:    models.StatusQueued,
			Message: fmt.Sprintf("attempt %d/%d failed, requeued: %s", job.AttemptCount, limit, reason),
		}
	}
	return Decision{
		Next:    models.StatusFailed,
		Message: fmt.Sprintf("failed after %d/%d attempts: %s", job.AttemptCount, limit, reason),
	}
}
