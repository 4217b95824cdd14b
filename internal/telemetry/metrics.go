package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsAttempted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "mover_jobs_attempted_total", Help: "Jobs dispatched to a pipeline worker"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "mover_jobs_succeeded_total", Help: "Jobs that finished every stage"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "mover_jobs_failed_total", Help: "Jobs that failed a stage"})
	JobsSkipped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "mover_jobs_skipped_total", Help: "Jobs dropped by the restore subset filter or a held lease"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "mover_jobs_inflight", Help: "Jobs currently running a pipeline"})
	BytesUploaded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "mover_bytes_uploaded_total", Help: "Archive bytes uploaded to the object store"})
	ToolErrorMarkers = prometheus.NewCounter(prometheus.CounterOpts{Name: "mover_tool_error_markers_total", Help: "Error markers counted in dump/restore tool output"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsAttempted,
			JobsSucceeded,
			JobsFailed,
			JobsSkipped,
			InFlightGauge,
			BytesUploaded,
			ToolErrorMarkers,
		)
	})
	return promhttp.Handler()
}
