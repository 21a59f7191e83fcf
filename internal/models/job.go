package models

import (
	"time"
)

// Status enumerates the job lifecycle states persisted in Redis.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusQueued
	}
	return false
}

// Job is a portal scrape tracked through its lifecycle.
type Job struct {
	ID             string         `json:"id"`
	Type           string         `json:"type,omitempty"`
	Payload        map[string]any `json:"payload"`
	Status         Status         `json:"status"`
	AttemptCount   int            `json:"attempt_count"`
	MaxAttempts    int            `json:"max_attempts"`
	WorkerID       string         `json:"worker_id,omitempty"`
	LastWorkerID   string         `json:"last_worker_id,omitempty"`
	Message        string         `json:"message"`
	RequestedBy    string         `json:"requested_by,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	ResultRef      string         `json:"result_ref,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ClaimedAt      *time.Time     `json:"claimed_at,omitempty"`
}

// Submission is what a producer hands to the queue.
type Submission struct {
	Type           string         `json:"type" validate:"omitempty,max=64"`
	Payload        map[string]any `json:"payload" validate:"required,min=1"`
	IdempotencyKey string         `json:"idempotency_key" validate:"omitempty,max=256"`
	RequestedBy    string         `json:"requested_by" validate:"omitempty,email"`
	MaxAttempts    int            `json:"max_attempts" validate:"gte=0,lte=100"`
}

// JobResult is what the automation engine returns for a successful run.
type JobResult struct {
	Message    string         `json:"message"`
	EntityName string         `json:"entity_name,omitempty"`
	EntityType string         `json:"entity_type,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Screenshot []byte         `json:"screenshot,omitempty"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
