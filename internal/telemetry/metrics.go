package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_jobs_enqueued_total", Help: "Total enqueued scrape jobs"})
	DuplicateRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_jobs_duplicate_total", Help: "Submissions rejected by idempotency key"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	ClaimCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_jobs_claimed_total", Help: "Jobs claimed by workers"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_jobs_completed_total", Help: "Jobs completed successfully"})
	WorkerRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_jobs_retried_total", Help: "Failed attempts that were requeued"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_jobs_failed_total", Help: "Jobs that exhausted their attempts"})
	StaleReports     = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_stale_reports_total", Help: "Reports discarded because the claim was no longer held"})
	ReclaimCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_jobs_reclaimed_total", Help: "Stale processing jobs reclaimed by the sweeper"})
	PruneCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_jobs_pruned_total", Help: "Terminal jobs removed by retention"})
	JobDuration      = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scrape_job_duration_seconds",
		Help:    "Wall time of a single scrape attempt",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scrape_queue_depth", Help: "Pending index length"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scrape_jobs_inflight", Help: "Jobs currently processed by this process"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DuplicateRejects,
			RateLimitRejects,
			ClaimCounter,
			WorkerSuccess,
			WorkerRetries,
			WorkerFailures,
			StaleReports,
			ReclaimCounter,
			PruneCounter,
			JobDuration,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
