// Package engine adapts the browser-automation engine to the worker loop.
package engine

import (
	"context"
	"fmt"

	"portal-scrape-queue/internal/models"
)

// Executor runs one scrape attempt for a claimed job. Implementations block
// until the attempt finishes or ctx is done.
type Executor interface {
	Execute(ctx context.Context, job models.Job) (models.JobResult, error)
}

// ExecutorFunc lets a plain function act as an Executor.
type ExecutorFunc func(ctx context.Context, job models.Job) (models.JobResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, job models.Job) (models.JobResult, error) {
	return f(ctx, job)
}

// ExecutionError is a failed scrape attempt. Transient errors come from the
// engine being unreachable or unhealthy rather than from the portal itself.
type ExecutionError struct {
	JobID     string
	Reason    string
	Transient bool
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job %s: %s: %v", e.JobID, e.Reason, e.Err)
	}
	return fmt.Sprintf("job %s: %s", e.JobID, e.Reason)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
