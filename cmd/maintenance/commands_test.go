package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"portal-scrape-queue/internal/config"
	"portal-scrape-queue/internal/logging"
	"portal-scrape-queue/internal/models"
	"portal-scrape-queue/internal/queue"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		KeyPrefix:      "test:",
		MaxAttempts:    3,
		StaleThreshold: 30 * time.Minute,
		Retention:      24 * time.Hour,
		SweepBatchSize: 100,
	}
	return &app{
		cfg:     cfg,
		manager: queue.New(client, queue.Options{Prefix: cfg.KeyPrefix, Policy: queue.Policy{MaxAttempts: 1}}),
		log:     logging.Discard(),
	}
}

func run(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestListStatusAndStats(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	job, err := a.manager.Enqueue(ctx, models.Submission{Type: "pwmr", Payload: map[string]any{"email": "a@b.com"}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	out, err := run(t, a, "list", "--status", "queued")
	if err != nil || !strings.Contains(out, job.ID) {
		t.Fatalf("list missing job: %v\n%s", err, out)
	}

	out, err = run(t, a, "status", job.ID)
	if err != nil || !strings.Contains(out, "queued, waiting for worker") {
		t.Fatalf("status output wrong: %v\n%s", err, out)
	}

	if _, err := run(t, a, "status", "missing"); err == nil {
		t.Fatalf("expected error for unknown job")
	}

	out, err = run(t, a, "stats")
	if err != nil || !strings.Contains(out, "pending index") {
		t.Fatalf("stats output wrong: %v\n%s", err, out)
	}

	if _, err := run(t, a, "list", "--status", "bogus"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestSweepAndCleanFailed(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	stale, _ := a.manager.Enqueue(ctx, models.Submission{Payload: map[string]any{"n": 1}})
	if _, err := a.manager.Claim(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	out, err := run(t, a, "sweep", "--stale-age", "10ms")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(out, "failed 1") {
		t.Fatalf("expected the stale job to fail out:\n%s", out)
	}
	got, _ := a.manager.GetStatus(ctx, stale.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}

	time.Sleep(5 * time.Millisecond)
	out, err = run(t, a, "clean-failed", "--age", "0s")
	if err != nil || !strings.Contains(out, "Removed 1 failed jobs") {
		t.Fatalf("clean-failed: %v\n%s", err, out)
	}
}

func TestClearAllNeedsConfirmation(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	_, _ = a.manager.Enqueue(ctx, models.Submission{Payload: map[string]any{"n": 1}})

	if _, err := run(t, a, "clear-all"); err == nil {
		t.Fatalf("clear-all without --yes must fail")
	}
	if depth, _ := a.manager.Depth(ctx); depth != 1 {
		t.Fatalf("queue changed without confirmation")
	}

	out, err := run(t, a, "clear-all", "--yes")
	if err != nil || !strings.Contains(out, "Deleted") {
		t.Fatalf("clear-all: %v\n%s", err, out)
	}
	if depth, _ := a.manager.Depth(ctx); depth != 0 {
		t.Fatalf("queue not cleared")
	}
}

func TestPurgeArchiveNeedsPostgres(t *testing.T) {
	a := newTestApp(t)
	_, err := run(t, a, "purge-archive", "--age", "720h")
	if err == nil || !strings.Contains(err.Error(), "POSTGRES_DSN") {
		t.Fatalf("expected missing archive error, got %v", err)
	}
}

type fakeArchive struct {
	cutoff time.Time
}

func (f *fakeArchive) ArchiveJob(context.Context, models.Job) error { return nil }
func (f *fakeArchive) GetArchived(context.Context, string) (models.Job, error) {
	return models.Job{}, errors.New("not archived")
}
func (f *fakeArchive) AppendAudit(context.Context, string, string, string) error { return nil }
func (f *fakeArchive) ListAudit(context.Context, string) ([]models.AuditLog, error) {
	return nil, nil
}
func (f *fakeArchive) PurgeArchive(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 7, nil
}

func TestPurgeArchive(t *testing.T) {
	a := newTestApp(t)
	archive := &fakeArchive{}
	a.archive = archive

	before := time.Now()
	out, err := run(t, a, "purge-archive", "--age", "48h")
	if err != nil || !strings.Contains(out, "Purged 7 archived jobs") {
		t.Fatalf("purge-archive: %v\n%s", err, out)
	}
	want := before.Add(-48 * time.Hour)
	if archive.cutoff.Before(want.Add(-time.Second)) || archive.cutoff.After(want.Add(time.Second)) {
		t.Fatalf("unexpected cutoff %s, want about %s", archive.cutoff, want)
	}

	if _, err := run(t, a, "purge-archive", "--age", "0s"); err == nil {
		t.Fatalf("expected error for zero age")
	}
}
