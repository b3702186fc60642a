// Package metrics exposes Prometheus collectors for the conversion pipeline
// and the job manager.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "markdrop_jobs_submitted_total",
		Help: "The total number of submitted jobs",
	})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "markdrop_jobs_finished_total",
		Help: "Jobs that reached a terminal state",
	}, []string{"status", "error_code"})

	JobsReused = promauto.NewCounter(prometheus.CounterOpts{
		Name: "markdrop_jobs_reused_total",
		Help: "Jobs satisfied from a previous result",
	})

	JobDefects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "markdrop_job_defects_total",
		Help: "Jobs that failed with an unexpected error or panic",
	})

	JobsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "markdrop_jobs_expired_total",
		Help: "Jobs expired by the retention sweep",
	})

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "markdrop_job_duration_seconds",
		Help:    "Wall-clock time from job start to terminal state.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "markdrop_queue_depth",
		Help: "Jobs waiting for a worker",
	})

	Conversions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "markdrop_conversions_total",
		Help: "Pipeline runs by outcome",
	}, []string{"result"}) // result: success or an error code

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "markdrop_pipeline_stage_seconds",
		Help:    "Duration of individual pipeline stages.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"stage"})
)

// ObserveStage records a stage duration.
func ObserveStage(stage string, d time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
