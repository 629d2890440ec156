package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_submitted_total", Help: "Total submitted ingestion jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_succeeded_total", Help: "Jobs that reached succeeded"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_failed_total", Help: "Jobs that reached failed"})
	StageRetries     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_stage_retries_total", Help: "Recoverable stage failures retried with backoff"})
	DegradedWrites   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_artifact_degraded_writes_total", Help: "Artifact writes redirected to the fallback store"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_inflight", Help: "Jobs currently leased by workers"})
	WorkerGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_workers", Help: "Active workers in the pool"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			RateLimitRejects,
			JobsSucceeded,
			JobsFailed,
			StageRetries,
			DegradedWrites,
			QueueDepthGauge,
			InFlightGauge,
			WorkerGauge,
		)
	})
	return promhttp.Handler()
}
