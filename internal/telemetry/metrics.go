package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	CreditsDebited      = prometheus.NewCounter(prometheus.CounterOpts{Name: "credits_debited_total", Help: "Credits removed from balances"})
	CreditsGranted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "credits_granted_total", Help: "Credits added to balances"})
	CreditsInsufficient = prometheus.NewCounter(prometheus.CounterOpts{Name: "credits_insufficient_total", Help: "Debits rejected for insufficient balance"})
	RefundFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "credits_refund_failures_total", Help: "Compensating refunds that failed to land"})
	AnalysesSubmitted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "analyses_submitted_total", Help: "Analysis jobs accepted for processing"})
	AnalysesCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "analyses_completed_total", Help: "Analysis jobs completed successfully"})
	AnalysesFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "analyses_failed_total", Help: "Analysis jobs terminally failed"})
	RetriesScheduled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "retries_scheduled_total", Help: "Failed jobs re-armed for retry"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "submissions_rate_limited_total", Help: "Submissions rejected by the rate limiter"})
	SweepRuns           = prometheus.NewCounter(prometheus.CounterOpts{Name: "sweep_runs_total", Help: "Completed sweep ticks"})
	SweepOverlapSkips   = prometheus.NewCounter(prometheus.CounterOpts{Name: "sweep_overlap_skips_total", Help: "Sweep ticks skipped because one was already running"})
	SweepJobsProcessed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "sweep_jobs_processed_total", Help: "Jobs picked up by sweeps"})
	SweepDuration       = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "sweep_duration_seconds", Help: "Duration of one sweep tick", Buckets: prometheus.DefBuckets})
	JobsReadyGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_ready_for_retry", Help: "Jobs currently due for retry"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			CreditsDebited,
			CreditsGranted,
			CreditsInsufficient,
			RefundFailures,
			AnalysesSubmitted,
			AnalysesCompleted,
			AnalysesFailed,
			RetriesScheduled,
			RateLimitRejects,
			SweepRuns,
			SweepOverlapSkips,
			SweepJobsProcessed,
			SweepDuration,
			JobsReadyGauge,
		)
	})
	return promhttp.Handler()
}
