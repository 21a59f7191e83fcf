package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Hash field names of a job record.
const (
	FieldID             = "id"
	FieldType           = "type"
	FieldPayload        = "payload"
	FieldStatus         = "status"
	FieldAttemptCount   = "attempt_count"
	FieldMaxAttempts    = "max_attempts"
	FieldWorkerID       = "worker_id"
	FieldLastWorkerID   = "last_worker_id"
	FieldMessage        = "message"
	FieldRequestedBy    = "requested_by"
	FieldIdempotencyKey = "idempotency_key"
	FieldResultRef      = "result_ref"
	FieldCreatedAt      = "created_at"
	FieldUpdatedAt      = "updated_at"
	FieldClaimedAt      = "claimed_at"
)

// ToHash flattens a job into Redis hash fields. Timestamps are unix millis.
func (j Job) ToHash() (map[string]any, error) {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	claimed := ""
	if j.ClaimedAt != nil {
		claimed = strconv.FormatInt(j.ClaimedAt.UnixMilli(), 10)
	}
	return map[string]any{
		FieldID:             j.ID,
		FieldType:           j.Type,
		FieldPayload:        string(payload),
		FieldStatus:         string(j.Status),
		FieldAttemptCount:   j.AttemptCount,
		FieldMaxAttempts:    j.MaxAttempts,
		FieldWorkerID:       j.WorkerID,
		FieldLastWorkerID:   j.LastWorkerID,
		FieldMessage:        j.Message,
		FieldRequestedBy:    j.RequestedBy,
		FieldIdempotencyKey: j.IdempotencyKey,
		FieldResultRef:      j.ResultRef,
		FieldCreatedAt:      j.CreatedAt.UnixMilli(),
		FieldUpdatedAt:      j.UpdatedAt.UnixMilli(),
		FieldClaimedAt:      claimed,
	}, nil
}

// FromHash rebuilds a job from the fields returned by HGETALL.
func FromHash(fields map[string]string) (Job, error) {
	job := Job{
		ID:             fields[FieldID],
		Type:           fields[FieldType],
		Status:         Status(fields[FieldStatus]),
		WorkerID:       fields[FieldWorkerID],
		LastWorkerID:   fields[FieldLastWorkerID],
		Message:        fields[FieldMessage],
		RequestedBy:    fields[FieldRequestedBy],
		IdempotencyKey: fields[FieldIdempotencyKey],
		ResultRef:      fields[FieldResultRef],
	}
	if job.ID == "" {
		return Job{}, fmt.Errorf("job record has no id")
	}
	if !job.Status.Valid() {
		return Job{}, fmt.Errorf("job %s: unknown status %q", job.ID, job.Status)
	}

	var err error
	if job.AttemptCount, err = atoi(fields[FieldAttemptCount]); err != nil {
		return Job{}, fmt.Errorf("job %s: attempt_count: %w", job.ID, err)
	}
	if job.MaxAttempts, err = atoi(fields[FieldMaxAttempts]); err != nil {
		return Job{}, fmt.Errorf("job %s: max_attempts: %w", job.ID, err)
	}
	if job.CreatedAt, err = parseMillis(fields[FieldCreatedAt]); err != nil {
		return Job{}, fmt.Errorf("job %s: created_at: %w", job.ID, err)
	}
	if job.UpdatedAt, err = parseMillis(fields[FieldUpdatedAt]); err != nil {
		return Job{}, fmt.Errorf("job %s: updated_at: %w", job.ID, err)
	}
	if raw := fields[FieldClaimedAt]; raw != "" {
		claimed, err := parseMillis(raw)
		if err != nil {
			return Job{}, fmt.Errorf("job %s: claimed_at: %w", job.ID, err)
		}
		job.ClaimedAt = &claimed
	}
	if raw := fields[FieldPayload]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return Job{}, fmt.Errorf("job %s: unmarshal payload: %w", job.ID, err)
		}
	}
	return job, nil
}

// ClaimedAtMillis returns the claim timestamp as stored, or "" when unclaimed.
func (j Job) ClaimedAtMillis() string {
	if j.ClaimedAt == nil {
		return ""
	}
	return strconv.FormatInt(j.ClaimedAt.UnixMilli(), 10)
}

func atoi(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func parseMillis(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
