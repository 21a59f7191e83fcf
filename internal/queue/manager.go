package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"portal-scrape-queue/internal/config"
	"portal-scrape-queue/internal/models"
)

// Options configures a Manager.
type Options struct {
	// Prefix namespaces every key the manager touches.
	Prefix         string
	Policy         Policy
	IdempotencyTTL time.Duration
	// Now overrides the clock; tests use it to age jobs.
	Now func() time.Time
}

// Manager owns the pending index and the job records in Redis. It is the
// only component that changes a job's status.
type Manager struct {
	client  *redis.Client
	prefix  string
	policy  Policy
	idemTTL time.Duration
	now     func() time.Time
}

// NewRedisClient builds the shared store client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewFromConfig builds a manager and its Redis client from config.
func NewFromConfig(cfg config.Config) *Manager {
	return New(NewRedisClient(cfg), Options{
		Prefix:         cfg.KeyPrefix,
		Policy:         Policy{MaxAttempts: cfg.MaxAttempts},
		IdempotencyTTL: cfg.IdempotencyTTL,
	})
}

// New wraps an existing client.
func New(client *redis.Client, opts Options) *Manager {
	if opts.Prefix == "" {
		opts.Prefix = "scrape:"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		client:  client,
		prefix:  opts.Prefix,
		policy:  opts.Policy,
		idemTTL: opts.IdempotencyTTL,
		now:     opts.Now,
	}
}

// Client exposes the underlying Redis client for collaborators sharing the store.
func (m *Manager) Client() *redis.Client {
	return m.client
}

// Ping checks store connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *Manager) jobKey(id string) string {
	return m.prefix + "job:" + id
}

func (m *Manager) queueKey() string {
	return m.prefix + "queue"
}

func (m *Manager) indexKey(status models.Status) string {
	return m.prefix + "status:" + string(status)
}

func (m *Manager) idemKey(key string) string {
	return m.prefix + "idem:" + key
}

func (m *Manager) indexKeys() []string {
	keys := make([]string, 0, len(models.AllStatuses))
	for _, s := range models.AllStatuses {
		keys = append(keys, m.indexKey(s))
	}
	return keys
}

// Enqueue validates a submission and appends a new queued job to the tail of
// the pending index.
func (m *Manager) Enqueue(ctx context.Context, sub models.Submission) (models.Job, error) {
	if err := validateSubmission(sub); err != nil {
		return models.Job{}, err
	}

	now := m.now().UTC().Truncate(time.Millisecond)
	job := models.Job{
		ID:             uuid.NewString(),
		Type:           sub.Type,
		Payload:        sub.Payload,
		Status:         models.StatusQueued,
		AttemptCount:   0,
		MaxAttempts:    m.policy.Cap(sub.MaxAttempts),
		Message:        "queued, waiting for worker",
		RequestedBy:    sub.RequestedBy,
		IdempotencyKey: sub.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	fields, err := job.ToHash()
	if err != nil {
		return models.Job{}, &ValidationError{Fields: map[string]string{"payload": err.Error()}}
	}

	hasIdem := "0"
	if sub.IdempotencyKey != "" {
		hasIdem = "1"
	}
	args := []any{job.ID, now.UnixMilli(), hasIdem, m.idemTTL.Milliseconds(), m.jobKey("")}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		args = append(args, name, fields[name])
	}

	keys := []string{m.jobKey(job.ID), m.queueKey(), m.indexKey(models.StatusQueued), m.idemKey(sub.IdempotencyKey)}
	res, err := enqueueScript.Run(ctx, m.client, keys, args...).StringSlice()
	if err != nil {
		return models.Job{}, fmt.Errorf("enqueue: %w", err)
	}
	if len(res) != 2 {
		return models.Job{}, fmt.Errorf("enqueue: unexpected script reply %v", res)
	}
	switch res[0] {
	case "ok":
		return job, nil
	case "duplicate":
		return models.Job{}, &DuplicateError{Key: sub.IdempotencyKey, JobID: res[1]}
	default:
		return models.Job{}, fmt.Errorf("enqueue: job id %s already exists", res[1])
	}
}

// Claim pops the head of the pending index and hands it to workerID. It
// returns nil, nil when nothing is queued.
func (m *Manager) Claim(ctx context.Context, workerID string) (*models.Job, error) {
	if workerID == "" {
		return nil, &ValidationError{Fields: map[string]string{"worker_id": "required"}}
	}
	now := m.now().UTC()
	keys := []string{m.queueKey(), m.indexKey(models.StatusQueued), m.indexKey(models.StatusProcessing)}
	res, err := claimScript.Run(ctx, m.client, keys,
		m.jobKey(""), workerID, now.UnixMilli(), "claimed by "+workerID).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	job, err := models.FromHash(pairsToMap(res))
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	return &job, nil
}

// Report applies an outcome to whatever claim the record currently holds.
// Workers should prefer ReportFor, which fences on their own claim.
func (m *Manager) Report(ctx context.Context, id string, outcome models.Outcome) (models.Job, error) {
	job, err := m.GetStatus(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	return m.ReportFor(ctx, job, outcome)
}

// ReportFor applies an outcome to the claim described by snapshot. The
// transition only happens if the record is still processing under the same
// worker, claim time and attempt; otherwise it returns an
// InvalidTransitionError and leaves the record untouched.
func (m *Manager) ReportFor(ctx context.Context, snapshot models.Job, outcome models.Outcome) (models.Job, error) {
	if snapshot.Status != models.StatusProcessing {
		return models.Job{}, &InvalidTransitionError{ID: snapshot.ID, Status: snapshot.Status, Reason: "not processing"}
	}

	decision := m.policy.Decide(snapshot, outcome)
	if !models.CanTransition(snapshot.Status, decision.Next) {
		return models.Job{}, &InvalidTransitionError{ID: snapshot.ID, Status: snapshot.Status, Reason: "policy chose " + string(decision.Next)}
	}
	now := m.now().UTC().Truncate(time.Millisecond)
	keys := []string{
		m.jobKey(snapshot.ID),
		m.queueKey(),
		m.indexKey(models.StatusProcessing),
		m.indexKey(decision.Next),
	}
	res, err := transitionScript.Run(ctx, m.client, keys,
		snapshot.ID,
		snapshot.ClaimedAtMillis(),
		snapshot.AttemptCount,
		snapshot.WorkerID,
		string(decision.Next),
		decision.Message,
		now.UnixMilli(),
		outcome.ResultRef,
	).Int64()
	if err != nil {
		return models.Job{}, fmt.Errorf("report %s: %w", snapshot.ID, err)
	}

	switch res {
	case 0:
		return models.Job{}, &NotFoundError{ID: snapshot.ID}
	case -1:
		current := models.StatusProcessing
		if job, err := m.GetStatus(ctx, snapshot.ID); err == nil {
			current = job.Status
		}
		return models.Job{}, &InvalidTransitionError{ID: snapshot.ID, Status: current, Reason: "claim no longer held"}
	}

	updated := snapshot
	updated.Status = decision.Next
	updated.Message = decision.Message
	updated.UpdatedAt = now
	updated.WorkerID = ""
	if outcome.ResultRef != "" {
		updated.ResultRef = outcome.ResultRef
	}
	return updated, nil
}

// GetStatus returns a snapshot of the job record.
func (m *Manager) GetStatus(ctx context.Context, id string) (models.Job, error) {
	fields, err := m.client.HGetAll(ctx, m.jobKey(id)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return models.Job{}, &NotFoundError{ID: id}
	}
	return models.FromHash(fields)
}

// ListByStatus returns jobs in a status: queued jobs in claim order, all
// others most recently updated first.
func (m *Manager) ListByStatus(ctx context.Context, status models.Status) ([]models.Job, error) {
	if !status.Valid() {
		return nil, &ValidationError{Fields: map[string]string{"status": fmt.Sprintf("unknown status %q", status)}}
	}

	var ids []string
	var err error
	if status == models.StatusQueued {
		ids, err = m.client.LRange(ctx, m.queueKey(), 0, -1).Result()
	} else {
		ids, err = m.client.ZRevRange(ctx, m.indexKey(status), 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", status, err)
	}

	jobs, err := m.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, job := range jobs {
		if job.Status == status {
			out = append(out, job)
		}
	}
	return out, nil
}

// DeleteJob removes the record and any index entries. Deleting an unknown id
// is not an error.
func (m *Manager) DeleteJob(ctx context.Context, id string) error {
	_, err := m.runDelete(ctx, id, "", "")
	return err
}

// DeleteIfUnchanged removes a job only if its status and updated_at still
// match snapshot. It reports whether a record was removed.
func (m *Manager) DeleteIfUnchanged(ctx context.Context, snapshot models.Job) (bool, error) {
	n, err := m.runDelete(ctx, snapshot.ID, string(snapshot.Status), fmt.Sprint(snapshot.UpdatedAt.UnixMilli()))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (m *Manager) runDelete(ctx context.Context, id, guardStatus, guardUpdated string) (int64, error) {
	keys := append([]string{m.jobKey(id), m.queueKey()}, m.indexKeys()...)
	n, err := deleteScript.Run(ctx, m.client, keys, id, m.idemKey(""), guardStatus, guardUpdated).Int64()
	if err != nil {
		return 0, fmt.Errorf("delete job %s: %w", id, err)
	}
	return n, nil
}

// ClearAll deletes every key under the manager's prefix and returns how many
// were removed.
func (m *Manager) ClearAll(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := m.client.Scan(ctx, cursor, m.prefix+"*", 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan keys: %w", err)
		}
		if len(keys) > 0 {
			n, err := m.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("delete keys: %w", err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// Stats returns the number of jobs per status.
func (m *Manager) Stats(ctx context.Context) (map[models.Status]int64, error) {
	pipe := m.client.Pipeline()
	cmds := make(map[models.Status]*redis.IntCmd, len(models.AllStatuses))
	for _, s := range models.AllStatuses {
		cmds[s] = pipe.ZCard(ctx, m.indexKey(s))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	out := make(map[models.Status]int64, len(cmds))
	for s, c := range cmds {
		out[s] = c.Val()
	}
	return out, nil
}

// Depth returns the length of the pending index.
func (m *Manager) Depth(ctx context.Context) (int64, error) {
	return m.client.LLen(ctx, m.queueKey()).Result()
}

// StaleCandidates returns processing jobs claimed strictly before cutoff,
// oldest claim first.
func (m *Manager) StaleCandidates(ctx context.Context, cutoff time.Time, limit int64) ([]models.Job, error) {
	jobs, err := m.indexedBefore(ctx, models.StatusProcessing, cutoff, limit)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, job := range jobs {
		if job.ClaimedAt != nil && job.ClaimedAt.Before(cutoff) {
			out = append(out, job)
		}
	}
	return out, nil
}

// TerminalBefore returns jobs in a terminal status last updated strictly
// before cutoff.
func (m *Manager) TerminalBefore(ctx context.Context, status models.Status, cutoff time.Time, limit int64) ([]models.Job, error) {
	if !status.Terminal() {
		return nil, &ValidationError{Fields: map[string]string{"status": "must be terminal"}}
	}
	jobs, err := m.indexedBefore(ctx, status, cutoff, limit)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, job := range jobs {
		if job.UpdatedAt.Before(cutoff) {
			out = append(out, job)
		}
	}
	return out, nil
}

func (m *Manager) indexedBefore(ctx context.Context, status models.Status, cutoff time.Time, limit int64) ([]models.Job, error) {
	ids, err := m.client.ZRangeByScore(ctx, m.indexKey(status), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("(%d", cutoff.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan %s index: %w", status, err)
	}
	jobs, err := m.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, job := range jobs {
		if job.Status == status {
			out = append(out, job)
		}
	}
	return out, nil
}

// loadJobs fetches records for ids in order, skipping ids whose record is
// gone or unreadable.
func (m *Manager) loadJobs(ctx context.Context, ids []string) ([]models.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := m.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, m.jobKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	jobs := make([]models.Job, 0, len(ids))
	for _, c := range cmds {
		fields := c.Val()
		if len(fields) == 0 {
			continue
		}
		job, err := models.FromHash(fields)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func pairsToMap(values []any) map[string]string {
	out := make(map[string]string, len(values)/2)
	for i := 0; i+1 < len(values); i += 2 {
		out[fmt.Sprint(values[i])] = fmt.Sprint(values[i+1])
	}
	return out
}
