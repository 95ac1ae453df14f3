package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "tsdr_jobs_submitted_total", Help: "Batch jobs submitted"})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "tsdr_jobs_completed_total", Help: "Batch jobs that reached completed"})
	JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{Name: "tsdr_jobs_cancelled_total", Help: "Batch jobs cancelled"})
	JobsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "tsdr_jobs_failed_total", Help: "Batch jobs aborted by a fatal error"})

	Fetches = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tsdr_fetches_total", Help: "Status-document fetches by outcome"}, []string{"outcome"})
	Results = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tsdr_results_total", Help: "Committed extraction results by status"}, []string{"status"})
	Retries = prometheus.NewCounter(prometheus.CounterOpts{Name: "tsdr_retries_total", Help: "Transient failures scheduled for retry"})

	RateLimitWaits = prometheus.NewCounter(prometheus.CounterOpts{Name: "tsdr_rate_limit_waits_total", Help: "Times a worker blocked on the rate limiter"})
	PendingGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tsdr_pending_items", Help: "Items waiting to be claimed"})
	InFlightGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tsdr_inflight_items", Help: "Items currently leased by workers"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsCancelled,
			JobsFailed,
			Fetches,
			Results,
			Retries,
			RateLimitWaits,
			PendingGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
