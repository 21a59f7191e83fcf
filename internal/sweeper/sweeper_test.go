package sweeper

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"portal-scrape-queue/internal/logging"
	"portal-scrape-queue/internal/models"
	"portal-scrape-queue/internal/queue"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setup(t *testing.T, maxAttempts int) (*Sweeper, *queue.Manager, *clock) {
	t.Helper()
	s, m, c, _ := setupWithLog(t, maxAttempts, logging.Discard())
	return s, m, c
}

func setupWithLog(t *testing.T, maxAttempts int, log logrus.FieldLogger) (*Sweeper, *queue.Manager, *clock, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	c := &clock{now: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)}
	m := queue.New(client, queue.Options{Prefix: "test:", Policy: queue.Policy{MaxAttempts: maxAttempts}, Now: c.Now})
	s := New(m, Options{
		StaleThreshold: 30 * time.Minute,
		Retention:      24 * time.Hour,
		BatchSize:      2,
		Now:            c.Now,
	}, log)
	return s, m, c, mr
}

func enqueueAndClaim(t *testing.T, m *queue.Manager, worker string) models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := m.Enqueue(ctx, models.Submission{Payload: map[string]any{"entity": worker}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := m.Claim(ctx, worker)
	if err != nil || claimed == nil || claimed.ID != job.ID {
		t.Fatalf("claim: %v, %v", claimed, err)
	}
	return *claimed
}

func TestReclaimStaleRequeuesOnlyOldClaims(t *testing.T) {
	ctx := context.Background()
	s, m, c := setup(t, 3)

	stale := enqueueAndClaim(t, m, "w1")
	c.Advance(20 * time.Minute)
	fresh := enqueueAndClaim(t, m, "w2")
	c.Advance(11 * time.Minute)

	rep, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Reclaimed != 1 || rep.Exhausted != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}

	got, _ := m.GetStatus(ctx, stale.ID)
	if got.Status != models.StatusQueued || got.AttemptCount != 1 || got.WorkerID != "" {
		t.Fatalf("stale job not requeued: %+v", got)
	}
	if !strings.Contains(got.Message, queue.ReclaimReason) {
		t.Fatalf("reclaim reason missing: %q", got.Message)
	}
	if got, _ := m.GetStatus(ctx, fresh.ID); got.Status != models.StatusProcessing {
		t.Fatalf("fresh claim must be left alone, got %s", got.Status)
	}

	// The original worker comes back late.
	if _, err := m.ReportFor(ctx, stale, models.Success("late")); !errors.Is(err, queue.ErrInvalidTransition) {
		t.Fatalf("late report should be rejected, got %v", err)
	}
	if got, _ := m.GetStatus(ctx, stale.ID); got.Status != models.StatusQueued {
		t.Fatalf("late report changed status to %s", got.Status)
	}
}

func TestReclaimExhaustedFails(t *testing.T) {
	ctx := context.Background()
	s, m, c := setup(t, 1)

	job := enqueueAndClaim(t, m, "w1")
	c.Advance(time.Hour)

	rep, err := s.ReclaimStale(ctx, c.Now())
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if rep.Exhausted != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	got, _ := m.GetStatus(ctx, job.ID)
	if got.Status != models.StatusFailed || got.Message != "failed after 1/1 attempts: worker timeout or crash" {
		t.Fatalf("unexpected job %+v", got)
	}
}

func TestReclaimWalksEveryBatch(t *testing.T) {
	ctx := context.Background()
	s, m, c := setup(t, 3)

	for i := 0; i < 5; i++ {
		enqueueAndClaim(t, m, "w1")
	}
	c.Advance(time.Hour)

	rep, err := s.ReclaimStale(ctx, c.Now())
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if rep.Reclaimed != 5 {
		t.Fatalf("expected 5 reclaimed across batches, got %+v", rep)
	}
}

type fakeArchiver struct {
	fail map[string]bool
	ids  []string
}

func (f *fakeArchiver) ArchiveJob(_ context.Context, job models.Job) error {
	if f.fail[job.ID] {
		return errors.New("postgres down")
	}
	f.ids = append(f.ids, job.ID)
	return nil
}

func TestPruneOnlyOldTerminalJobs(t *testing.T) {
	ctx := context.Background()
	s, m, c := setup(t, 1)
	archive := &fakeArchiver{fail: map[string]bool{}}
	s.SetArchiver(archive)

	done := enqueueAndClaim(t, m, "w1")
	if _, err := m.ReportFor(ctx, done, models.Success("ok")); err != nil {
		t.Fatalf("report: %v", err)
	}
	failed := enqueueAndClaim(t, m, "w1")
	if _, err := m.ReportFor(ctx, failed, models.Failure("boom")); err != nil {
		t.Fatalf("report: %v", err)
	}
	oldActive := enqueueAndClaim(t, m, "w3")

	c.Advance(23 * time.Hour)
	recent := enqueueAndClaim(t, m, "w2")
	if _, err := m.ReportFor(ctx, recent, models.Success("ok")); err != nil {
		t.Fatalf("report: %v", err)
	}
	c.Advance(2 * time.Hour)

	rep, err := s.PruneTerminal(ctx, c.Now())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if rep.Pruned != 2 {
		t.Fatalf("expected 2 pruned, got %+v", rep)
	}
	for _, id := range []string{done.ID, failed.ID} {
		if _, err := m.GetStatus(ctx, id); !errors.Is(err, queue.ErrNotFound) {
			t.Fatalf("job %s should be pruned, got %v", id, err)
		}
	}
	for _, id := range []string{oldActive.ID, recent.ID} {
		if _, err := m.GetStatus(ctx, id); err != nil {
			t.Fatalf("job %s should survive: %v", id, err)
		}
	}
	if len(archive.ids) != 2 {
		t.Fatalf("expected 2 archived jobs, got %v", archive.ids)
	}
}

func TestPruneKeepsJobWhenArchiveFails(t *testing.T) {
	ctx := context.Background()
	s, m, c := setup(t, 1)

	job := enqueueAndClaim(t, m, "w1")
	_, _ = m.ReportFor(ctx, job, models.Success("ok"))
	s.SetArchiver(&fakeArchiver{fail: map[string]bool{job.ID: true}})
	c.Advance(48 * time.Hour)

	rep, err := s.PruneTerminal(ctx, c.Now())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if rep.Pruned != 0 || rep.Errors != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if _, err := m.GetStatus(ctx, job.ID); err != nil {
		t.Fatalf("job must be kept when archiving fails: %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, m, c := setup(t, 3)
	job := enqueueAndClaim(t, m, "w1")
	c.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 10*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := m.GetStatus(context.Background(), job.ID)
		if got.Status == models.StatusQueued {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got, _ := m.GetStatus(context.Background(), job.ID); got.Status != models.StatusQueued {
		t.Fatalf("loop did not reclaim, status %s", got.Status)
	}
}

func TestReclaimLosesToOwnerReport(t *testing.T) {
	ctx := context.Background()
	s, m, c := setup(t, 3)

	job := enqueueAndClaim(t, m, "w1")
	c.Advance(time.Hour)

	batch, err := m.StaleCandidates(ctx, c.Now().Add(-30*time.Minute), 10)
	if err != nil || len(batch) != 1 || batch[0].ID != job.ID {
		t.Fatalf("stale scan: %v, %v", batch, err)
	}

	// The owner finishes between the scan and the reclaim.
	if _, err := m.ReportFor(ctx, job, models.Success("done")); err != nil {
		t.Fatalf("owner report: %v", err)
	}

	var rep Report
	if progress := s.reclaimBatch(ctx, batch, &rep); progress != 1 {
		t.Fatalf("expected the moved-on job to count as progress, got %d", progress)
	}
	if rep.Reclaimed != 0 || rep.Exhausted != 0 || rep.Errors != 0 {
		t.Fatalf("reclaim must be a no-op, got %+v", rep)
	}
	got, _ := m.GetStatus(ctx, job.ID)
	if got.Status != models.StatusCompleted || got.Message != "done" {
		t.Fatalf("owner result overwritten: %+v", got)
	}

	rep, err = s.ReclaimStale(ctx, c.Now())
	if err != nil || rep != (Report{}) {
		t.Fatalf("full pass should find nothing, got %+v, %v", rep, err)
	}
}

func waitForEntry(t *testing.T, hook *logtest.Hook, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range hook.AllEntries() {
			if e.Message == msg {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %q log entry", msg)
}

func TestRunSurvivesStoreOutage(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	s, m, c, mr := setupWithLog(t, 3, logger)
	job := enqueueAndClaim(t, m, "w1")
	c.Advance(time.Hour)
	mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 10*time.Millisecond) }()

	waitForEntry(t, hook, "sweep incomplete")
	if err := mr.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var got models.Job
	for time.Now().Before(deadline) {
		got, _ = m.GetStatus(context.Background(), job.ID)
		if got.Status == models.StatusQueued {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got.Status != models.StatusQueued {
		t.Fatalf("job not reclaimed after the store came back: %s", got.Status)
	}
}
