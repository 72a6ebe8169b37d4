package fuse

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fuseMetricsOnce sync.Once
	fuseMetrics     *Metrics
)

// Metrics tracks fusion pipeline activity.
type Metrics struct {
	fusionsStarted  *prometheus.CounterVec
	fusionsFinished *prometheus.CounterVec
}

// NewMetrics returns the process-wide fusion metrics, registering them on
// first use.
func NewMetrics() *Metrics {
	fuseMetricsOnce.Do(func() {
		fuseMetrics = &Metrics{
			fusionsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "beamd_fusions_started_total",
				Help: "Total fusion pipelines started, by factory.",
			}, []string{"factory"}),
			fusionsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "beamd_fusions_finished_total",
				Help: "Total fusion pipelines finished, by terminal stage.",
			}, []string{"stage"}),
		}
	})
	return fuseMetrics
}

func (m *Metrics) RecordFusionStarted(factory string) {
	m.fusionsStarted.WithLabelValues(factory).Inc()
}

func (m *Metrics) RecordFusionFinished(stage string) {
	m.fusionsFinished.WithLabelValues(stage).Inc()
}
