// Package metrics exposes Prometheus instrumentation for runs, scans and
// downloads.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "nfgrab"

// Metrics bundles every collector so wiring stays in one place and tests
// can use a private registry.
type Metrics struct {
	RunsTotal      *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	DownloadsTotal *prometheus.CounterVec
	RowsScanned    prometheus.Counter
	RowFailures    prometheus.Counter
	QueueDepth     prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "runs_total",
			Help:      "Completed runs partitioned by terminal status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "run_duration_seconds",
			Help:      "Wall time of completed runs.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
		}),
		DownloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "downloads_total",
			Help:      "Artifact downloads partitioned by direction and result.",
		}, []string{"direction", "result"}),
		RowsScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "rows_scanned_total",
			Help:      "Table rows inspected across all scans.",
		}),
		RowFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "row_failures_total",
			Help:      "Row-level failures accumulated across all scans.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Runs waiting for a worker.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.DownloadsTotal,
		m.RowsScanned,
		m.RowFailures,
		m.QueueDepth,
	)
	return m
}
