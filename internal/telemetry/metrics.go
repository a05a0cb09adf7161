package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	DispatchAttempts  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_attempts_total", Help: "HTTP attempts made by the dispatcher"})
	DispatchRetries   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_retries_total", Help: "Attempts that failed and were retried"})
	DispatchExhausted = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_exhausted_total", Help: "Requests that failed after every retry"})
	DispatchLatency   = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "dispatch_attempt_seconds", Help: "Latency of single dispatch attempts", Buckets: prometheus.ExponentialBuckets(0.05, 2, 10)})
	CacheLookups      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "result_cache_lookups_total", Help: "Result cache lookups by outcome"}, []string{"outcome"})
	RunsStarted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "assessment_runs_started_total", Help: "Assessment runs scheduled"})
	RunsFinished      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "assessment_runs_finished_total", Help: "Assessment runs by terminal state"}, []string{"state"})
	LockContention    = prometheus.NewCounter(prometheus.CounterOpts{Name: "run_lock_contention_total", Help: "Runs refused because another run held the lock"})
	PairFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "assessment_pair_failures_total", Help: "Student-task pairs left without an assessment"})
	ScheduledFired    = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduled_jobs_fired_total", Help: "Deferred jobs claimed and executed"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	PendingJobsGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scheduled_jobs_pending", Help: "Deferred jobs waiting to fire"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			DispatchAttempts,
			DispatchRetries,
			DispatchExhausted,
			DispatchLatency,
			CacheLookups,
			RunsStarted,
			RunsFinished,
			LockContention,
			PairFailures,
			ScheduledFired,
			RateLimitRejects,
			PendingJobsGauge,
		)
	})
	return promhttp.Handler()
}
