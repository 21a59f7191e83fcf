// Package sweeper repairs and trims the queue: it reclaims jobs whose worker
// went silent and prunes terminal jobs past retention.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"portal-scrape-queue/internal/config"
	"portal-scrape-queue/internal/models"
	"portal-scrape-queue/internal/queue"
	"portal-scrape-queue/internal/telemetry"
)

// Archiver keeps a copy of a terminal job before it is pruned.
type Archiver interface {
	ArchiveJob(ctx context.Context, job models.Job) error
}

// Auditor records sweeper actions.
type Auditor interface {
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Options tunes a sweeper. Zero values fall back to defaults.
type Options struct {
	StaleThreshold time.Duration
	Retention      time.Duration
	BatchSize      int64
	Now            func() time.Time
}

// Report counts what one sweep did.
type Report struct {
	Reclaimed int `json:"reclaimed"`
	Exhausted int `json:"exhausted"`
	Pruned    int `json:"pruned"`
	Errors    int `json:"errors"`
}

// Sweeper reclaims stale claims and prunes old terminal jobs.
type Sweeper struct {
	manager  *queue.Manager
	opts     Options
	archiver Archiver
	auditor  Auditor
	log      logrus.FieldLogger
}

// New builds a sweeper over m.
func New(m *queue.Manager, opts Options, log logrus.FieldLogger) *Sweeper {
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = 30 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{manager: m, opts: opts, log: log}
}

// FromConfig builds a sweeper with thresholds from cfg.
func FromConfig(m *queue.Manager, cfg config.Config, log logrus.FieldLogger) *Sweeper {
	return New(m, Options{
		StaleThreshold: cfg.StaleThreshold,
		Retention:      cfg.Retention,
		BatchSize:      int64(cfg.SweepBatchSize),
	}, log)
}

// SetArchiver makes pruning copy jobs to a before deleting them.
func (s *Sweeper) SetArchiver(a Archiver) { s.archiver = a }

// SetAuditor records reclaims and prunes through a.
func (s *Sweeper) SetAuditor(a Auditor) { s.auditor = a }

// ReclaimStale reports a timeout failure for every processing job claimed
// more than the stale threshold before now. Jobs with attempts left go back
// to the queue; the rest fail.
func (s *Sweeper) ReclaimStale(ctx context.Context, now time.Time) (Report, error) {
	var rep Report
	cutoff := now.Add(-s.opts.StaleThreshold)
	for {
		batch, err := s.manager.StaleCandidates(ctx, cutoff, s.opts.BatchSize)
		if err != nil {
			return rep, fmt.Errorf("scan stale jobs: %w", err)
		}
		progress := s.reclaimBatch(ctx, batch, &rep)
		if int64(len(batch)) < s.opts.BatchSize || progress == 0 {
			return rep, nil
		}
	}
}

// reclaimBatch fails every scanned snapshot and returns how many left
// processing, either by this reclaim or by their owner reporting first.
func (s *Sweeper) reclaimBatch(ctx context.Context, batch []models.Job, rep *Report) int {
	progress := 0
	for _, job := range batch {
		updated, err := s.manager.ReportFor(ctx, job, models.Failure(queue.ReclaimReason))
		if err != nil {
			if errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrNotFound) {
				// The owner reported first.
				s.log.WithField("job_id", job.ID).Debug("stale candidate already moved on")
				progress++
				continue
			}
			rep.Errors++
			s.log.WithError(err).WithField("job_id", job.ID).Warn("reclaim failed")
			continue
		}
		progress++
		telemetry.ReclaimCounter.Inc()
		fields := logrus.Fields{
			"job_id":    job.ID,
			"worker_id": job.WorkerID,
			"attempt":   job.AttemptCount,
			"status":    updated.Status,
		}
		if updated.Status == models.StatusFailed {
			rep.Exhausted++
			telemetry.WorkerFailures.Inc()
			s.log.WithFields(fields).Warn("stale job failed, attempts exhausted")
		} else {
			rep.Reclaimed++
			s.log.WithFields(fields).Info("stale job requeued")
		}
		s.audit(ctx, job.ID, "reclaimed", updated.Message)
	}
	return progress
}

// PruneTerminal removes completed and failed jobs last updated more than the
// retention period before now.
func (s *Sweeper) PruneTerminal(ctx context.Context, now time.Time) (Report, error) {
	var rep Report
	var errs []error
	for _, status := range []models.Status{models.StatusCompleted, models.StatusFailed} {
		r, err := s.PruneStatus(ctx, status, now.Add(-s.opts.Retention))
		rep.Pruned += r.Pruned
		rep.Errors += r.Errors
		if err != nil {
			errs = append(errs, err)
		}
	}
	return rep, errors.Join(errs...)
}

// PruneStatus removes jobs in a terminal status last updated before cutoff.
// A job that fails to archive is kept for the next sweep.
func (s *Sweeper) PruneStatus(ctx context.Context, status models.Status, cutoff time.Time) (Report, error) {
	var rep Report
	for {
		batch, err := s.manager.TerminalBefore(ctx, status, cutoff, s.opts.BatchSize)
		if err != nil {
			return rep, fmt.Errorf("scan %s jobs: %w", status, err)
		}
		progress := 0
		for _, job := range batch {
			if s.archiver != nil {
				if err := s.archiver.ArchiveJob(ctx, job); err != nil {
					rep.Errors++
					s.log.WithError(err).WithField("job_id", job.ID).Warn("archive failed, keeping job")
					continue
				}
			}
			removed, err := s.manager.DeleteIfUnchanged(ctx, job)
			if err != nil {
				rep.Errors++
				s.log.WithError(err).WithField("job_id", job.ID).Warn("prune failed")
				continue
			}
			progress++
			if !removed {
				continue
			}
			rep.Pruned++
			telemetry.PruneCounter.Inc()
			s.audit(ctx, job.ID, "pruned", string(job.Status))
		}
		if int64(len(batch)) < s.opts.BatchSize || progress == 0 {
			return rep, nil
		}
	}
}

// Sweep runs one reclaim pass followed by one prune pass. Prune errors never
// prevent reclaim.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	now := s.opts.Now()
	reclaim, rerr := s.ReclaimStale(ctx, now)
	prune, perr := s.PruneTerminal(ctx, now)

	rep := Report{
		Reclaimed: reclaim.Reclaimed,
		Exhausted: reclaim.Exhausted,
		Pruned:    prune.Pruned,
		Errors:    reclaim.Errors + prune.Errors,
	}
	if depth, err := s.manager.Depth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	return rep, errors.Join(rerr, perr)
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.WithField("interval", interval.String()).Info("sweeper started")
	for {
		rep, err := s.Sweep(ctx)
		entry := s.log.WithFields(logrus.Fields{
			"reclaimed": rep.Reclaimed,
			"exhausted": rep.Exhausted,
			"pruned":    rep.Pruned,
			"errors":    rep.Errors,
		})
		if err != nil && ctx.Err() == nil {
			entry.WithError(err).Warn("sweep incomplete")
		} else if rep.Reclaimed+rep.Exhausted+rep.Pruned > 0 {
			entry.Info("sweep finished")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ClearAll wipes every queue key.
func (s *Sweeper) ClearAll(ctx context.Context) (int, error) {
	n, err := s.manager.ClearAll(ctx)
	if err != nil {
		return n, err
	}
	s.log.WithField("keys", n).Warn("queue cleared")
	return n, nil
}

func (s *Sweeper) audit(ctx context.Context, jobID, event, detail string) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.AppendAudit(ctx, jobID, event, detail); err != nil {
		s.log.WithError(err).WithField("job_id", jobID).Warn("append audit")
	}
}
