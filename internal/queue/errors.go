package queue

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"portal-scrape-queue/internal/models"
)

// Sentinels for errors.Is checks; the typed errors below unwrap to them.
var (
	ErrValidation        = errors.New("invalid submission")
	ErrDuplicate         = errors.New("duplicate submission")
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError reports a malformed submission. Fields maps the offending
// field to a human-readable reason.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for field, reason := range e.Fields {
		parts = append(parts, field+": "+reason)
	}
	sort.Strings(parts)
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// DuplicateError reports that an idempotency key already maps to a live job.
type DuplicateError struct {
	Key   string
	JobID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s: idempotency key %q is held by job %s", ErrDuplicate, e.Key, e.JobID)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicate }

// NotFoundError reports an unknown job id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s", ErrNotFound, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidTransitionError reports a report or reclaim against a job that is no
// longer in the state the caller observed.
type InvalidTransitionError struct {
	ID     string
	Status models.Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: job %s is %s: %s", ErrInvalidTransition, e.ID, e.Status, e.Reason)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }
