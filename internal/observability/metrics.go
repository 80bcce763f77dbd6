// Package observability exposes prometheus metrics for the render service.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsStarted counts render job attempts picked up by a worker.
	JobsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tvb_render_jobs_started_total",
		Help: "Total render job attempts started",
	})
	// JobsCompleted counts successfully completed render jobs.
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tvb_render_jobs_completed_total",
		Help: "Total render jobs completed",
	})
	// JobsFailed counts terminally failed render jobs.
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tvb_render_jobs_failed_total",
		Help: "Total render jobs terminally failed",
	})
	// JobsRetried counts attempts rescheduled with backoff.
	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tvb_render_jobs_retried_total",
		Help: "Total render job attempts rescheduled for retry",
	})
	// LockContention counts attempts that found the render lease held.
	LockContention = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tvb_render_lock_contention_total",
		Help: "Total render attempts rejected because the lease was held",
	})
	// RenderDuration observes wall-clock time of successful renders.
	RenderDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tvb_render_duration_seconds",
		Help:    "Duration of successful render attempts",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	// QueueWaiting and QueueDelayed report queue depth.
	QueueWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tvb_render_queue_waiting",
		Help: "Render jobs waiting for a worker slot",
	})
	QueueDelayed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tvb_render_queue_delayed",
		Help: "Render jobs scheduled for a backoff retry",
	})
)

// NewRegistry returns a registry with all service metrics registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(JobsStarted, JobsCompleted, JobsFailed, JobsRetried,
		LockContention, RenderDuration, QueueWaiting, QueueDelayed)
	return reg
}

// Handler returns the /metrics HTTP handler for a registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
