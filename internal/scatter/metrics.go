package scatter

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the ray engine.
type Metrics struct {
	RaysStartedTotal  prometheus.Counter
	RaysFinishedTotal *prometheus.CounterVec
	DeltasTotal       prometheus.Counter
}

// NewMetrics creates and registers ray engine metrics. Registration
// happens once globally to avoid duplicate collector panics.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RaysStartedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "beamd_rays_started_total",
					Help: "Total number of ray generation streams started",
				},
			),
			RaysFinishedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "beamd_rays_finished_total",
					Help: "Total number of ray streams finished, by terminal status",
				},
				[]string{"status"}, // "success", "stopped", "error"
			),
			DeltasTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "beamd_ray_deltas_total",
					Help: "Total number of streaming deltas applied to ray messages",
				},
			),
		}
	})
	return globalMetrics
}

// RecordRayStarted records a ray stream start.
func (m *Metrics) RecordRayStarted() {
	m.RaysStartedTotal.Inc()
}

// RecordRayFinished records a ray stream reaching a terminal status.
func (m *Metrics) RecordRayFinished(status string) {
	m.RaysFinishedTotal.WithLabelValues(status).Inc()
}

// RecordDelta records one applied streaming delta.
func (m *Metrics) RecordDelta() {
	m.DeltasTotal.Inc()
}
