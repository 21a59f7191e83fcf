package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"portal-scrape-queue/internal/config"
	"portal-scrape-queue/internal/engine"
	"portal-scrape-queue/internal/models"
	"portal-scrape-queue/internal/queue"
	"portal-scrape-queue/internal/telemetry"
)

// ArtifactStore persists the result document of a successful attempt and
// returns where it went.
type ArtifactStore interface {
	Save(ctx context.Context, job models.Job, res models.JobResult) (string, error)
}

// ResultSink receives scraped data for downstream consumers.
type ResultSink interface {
	Save(ctx context.Context, job models.Job, res models.JobResult) (bool, error)
}

// Auditor records lifecycle events outside the queue store.
type Auditor interface {
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Processor drives the worker execution loop: claim, execute, report.
type Processor struct {
	cfg             config.Config
	manager         *queue.Manager
	executors       map[string]engine.Executor
	defaultExecutor engine.Executor
	workerID        string
	log             logrus.FieldLogger

	artifacts ArtifactStore
	sink      ResultSink
	auditor   Auditor
}

// NewProcessor creates a processor that claims jobs as workerID.
func NewProcessor(cfg config.Config, m *queue.Manager, workerID string, log logrus.FieldLogger) *Processor {
	return &Processor{
		cfg:             cfg,
		manager:         m,
		executors:       make(map[string]engine.Executor),
		defaultExecutor: engine.Simulated{},
		workerID:        workerID,
		log:             log.WithField("worker_id", workerID),
	}
}

// RegisterExecutor binds an executor to a scrape type.
func (p *Processor) RegisterExecutor(jobType string, exec engine.Executor) {
	if jobType == "" || exec == nil {
		return
	}
	p.executors[jobType] = exec
}

// SetDefaultExecutor replaces the executor used for unregistered types.
func (p *Processor) SetDefaultExecutor(exec engine.Executor) {
	if exec != nil {
		p.defaultExecutor = exec
	}
}

func (p *Processor) SetArtifactStore(a ArtifactStore) { p.artifacts = a }
func (p *Processor) SetResultSink(s ResultSink)       { p.sink = s }
func (p *Processor) SetAuditor(a Auditor)             { p.auditor = a }

// Run starts the main worker loop until context cancellation. Store errors
// never stop the loop; they only slow it down.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("worker started")
	storeFailures := 0
	for {
		if err := ctx.Err(); err != nil {
			p.log.Info("worker stopping")
			return err
		}

		processed, err := p.ProcessOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			storeFailures++
			wait := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, storeFailures)
			p.log.WithError(err).WithField("retry_in", wait.String()).Warn("queue store unavailable")
			sleepCtx(ctx, wait)
			continue
		}
		storeFailures = 0

		if !processed {
			if depth, err := p.manager.Depth(ctx); err == nil {
				telemetry.QueueDepthGauge.Set(float64(depth))
			}
			sleepCtx(ctx, idleWait(p.cfg.WorkerPollInterval))
		}
	}
}

// ProcessOne claims and handles at most one job. It reports whether a job
// was claimed; an error means the claim itself failed.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	job, err := p.manager.Claim(ctx, p.workerID)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if job == nil {
		return false, nil
	}

	telemetry.ClaimCounter.Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log := p.log.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"type":    job.Type,
		"attempt": job.AttemptCount,
	})
	log.Info("job claimed")

	start := time.Now()
	outcome := p.execute(ctx, *job, log)
	telemetry.JobDuration.Observe(time.Since(start).Seconds())

	if ctx.Err() != nil {
		log.Warn("shutdown during execution, leaving job for the sweeper")
		return true, nil
	}

	// A finished attempt is worth reporting even if shutdown starts now.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	p.report(reportCtx, *job, outcome, log)
	return true, nil
}

func (p *Processor) execute(ctx context.Context, job models.Job, log logrus.FieldLogger) models.Outcome {
	res, err := p.runExecutor(ctx, job)
	if err != nil {
		reason := err.Error()
		var execErr *engine.ExecutionError
		if errors.As(err, &execErr) {
			reason = execErr.Reason
		}
		log.WithError(err).Warn("job attempt failed")
		return models.Failure(reason)
	}

	outcome := models.Success(res.Message)
	if p.artifacts != nil {
		ref, err := p.artifacts.Save(ctx, job, res)
		if err != nil {
			log.WithError(err).Error("store artifacts")
			return models.Failure("store artifacts: " + err.Error())
		}
		outcome.ResultRef = ref
	}
	if p.sink != nil {
		saved, err := p.sink.Save(ctx, job, res)
		if err != nil {
			log.WithError(err).Error("save results")
			return models.Failure("save results: " + err.Error())
		}
		if !saved {
			log.Debug("no requester on job, results not saved to sink")
		}
	}
	return outcome
}

func (p *Processor) runExecutor(ctx context.Context, job models.Job) (res models.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	exec, ok := p.executors[job.Type]
	if !ok {
		if p.defaultExecutor == nil {
			return models.JobResult{}, fmt.Errorf("no executor registered for type %q", job.Type)
		}
		exec = p.defaultExecutor
	}
	return exec.Execute(ctx, job)
}

// report delivers the outcome for the claimed snapshot, retrying on store
// errors. A rejected report means the claim is gone and is only logged.
func (p *Processor) report(ctx context.Context, job models.Job, outcome models.Outcome, log logrus.FieldLogger) {
	tries := p.cfg.ReportRetries
	if tries <= 0 {
		tries = 1
	}
	for attempt := 1; attempt <= tries; attempt++ {
		updated, err := p.manager.ReportFor(ctx, job, outcome)
		if err == nil {
			p.recordTransition(ctx, updated, log)
			return
		}
		if errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrNotFound) {
			telemetry.StaleReports.Inc()
			log.WithError(err).Warn("stale report ignored")
			return
		}
		if attempt == tries {
			log.WithError(err).Error("report lost, sweeper will reclaim the job")
			return
		}
		wait := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempt)
		log.WithError(err).WithField("retry_in", wait.String()).Warn("report failed")
		if !sleepCtx(ctx, wait) {
			log.Error("report abandoned on shutdown")
			return
		}
	}
}

func (p *Processor) recordTransition(ctx context.Context, job models.Job, log logrus.FieldLogger) {
	var event string
	switch job.Status {
	case models.StatusCompleted:
		telemetry.WorkerSuccess.Inc()
		event = "completed"
		log.WithField("result_ref", job.ResultRef).Info("job completed")
	case models.StatusQueued:
		telemetry.WorkerRetries.Inc()
		event = "requeued"
		log.WithField("message", job.Message).Warn("job requeued")
	case models.StatusFailed:
		telemetry.WorkerFailures.Inc()
		event = "failed"
		log.WithField("message", job.Message).Error("job failed")
	default:
		return
	}
	if p.auditor != nil {
		if err := p.auditor.AppendAudit(ctx, job.ID, event, job.Message); err != nil {
			log.WithError(err).Warn("append audit")
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

// idleWait spreads idle polls of many workers so they do not hit the store
// in lockstep.
func idleWait(poll time.Duration) time.Duration {
	if poll <= 0 {
		poll = time.Second
	}
	return poll + time.Duration(rand.Int63n(int64(poll/2)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
