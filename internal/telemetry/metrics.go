package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ItemsGenerated    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pdg_items_generated_total", Help: "Work items that produced text"})
	ItemsSkipped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pdg_items_skipped_total", Help: "Work items skipped at execution time"})
	ItemsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "pdg_items_failed_total", Help: "Work items recorded as failed"})
	ItemsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pdg_items_retried_total", Help: "Work items rescheduled after a generation error"})
	RateLimitDeferred = prometheus.NewCounter(prometheus.CounterOpts{Name: "pdg_rate_limit_deferred_total", Help: "Item executions deferred by the generation rate limiter"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pdg_rate_limit_rejects_total", Help: "API requests rejected by rate limiter"})
	BatchTicks        = prometheus.NewCounter(prometheus.CounterOpts{Name: "pdg_batch_ticks_total", Help: "Batch ticks that dispatched work"})
	QueueEvents       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pdg_queue_events_total", Help: "Queue lifecycle events"}, []string{"event"})
	JobsDispatched    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pdg_jobs_dispatched_total", Help: "Scheduled jobs handed to a handler"})
	JobFailures       = prometheus.NewCounter(prometheus.CounterOpts{Name: "pdg_job_failures_total", Help: "Scheduled jobs whose handler returned an error and will retry"})
	JobDeadLetter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pdg_job_dead_letter_total", Help: "Scheduled jobs moved to DLQ"})
	GenerationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "pdg_generation_seconds", Help: "Latency of generation calls", Buckets: prometheus.ExponentialBuckets(0.25, 2, 8)})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pdg_ready_depth", Help: "Ready scheduled jobs across priorities"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pdg_jobs_inflight", Help: "Scheduled jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ItemsGenerated,
			ItemsSkipped,
			ItemsFailed,
			ItemsRetried,
			RateLimitDeferred,
			RateLimitRejects,
			BatchTicks,
			QueueEvents,
			JobsDispatched,
			JobFailures,
			JobDeadLetter,
			GenerationLatency,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
