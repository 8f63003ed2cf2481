package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/pkgload/pkg/loader"
	"github.com/marmos91/pkgload/pkg/metrics"
)

// loaderMetrics is the Prometheus implementation of loader.Metrics.
type loaderMetrics struct {
	packages     *prometheus.CounterVec
	loadDuration *prometheus.HistogramVec
	nodes        *prometheus.CounterVec
	jobs         prometheus.Gauge
}

var _ loader.Metrics = (*loaderMetrics)(nil)

// NewLoaderMetrics creates Prometheus-backed loader metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewLoaderMetrics() *loaderMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &loaderMetrics{
		packages: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loader_packages_total",
				Help:      "Finished package loads by result",
			},
			[]string{"result"}, // "succeeded", "failed", "canceled"
		),
		loadDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "loader_package_duration_seconds",
				Help:      "Time from job creation to completion",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 9), // 0.5ms .. ~33s
			},
			[]string{"result"},
		),
		nodes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loader_nodes_total",
				Help:      "Scheduler nodes executed by kind",
			},
			[]string{"kind"},
		),
		jobs: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "loader_jobs_in_flight",
				Help:      "Package jobs created and not yet finalized",
			},
		),
	}
}

func (m *loaderMetrics) ObservePackage(result string, seconds float64) {
	if m == nil {
		return
	}
	m.packages.WithLabelValues(result).Inc()
	m.loadDuration.WithLabelValues(result).Observe(seconds)
}

func (m *loaderMetrics) ObserveNode(kind string) {
	if m == nil {
		return
	}
	m.nodes.WithLabelValues(kind).Inc()
}

func (m *loaderMetrics) SetJobsInFlight(n int) {
	if m == nil {
		return
	}
	m.jobs.Set(float64(n))
}
