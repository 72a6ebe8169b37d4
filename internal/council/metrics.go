package council

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	councilMetricsOnce sync.Once
	councilMetrics     *Metrics
)

// Metrics tracks council workflow activity.
type Metrics struct {
	runsStarted    prometheus.Counter
	runsFinished   *prometheus.CounterVec
	rankingsParsed *prometheus.CounterVec
}

// NewMetrics returns the process-wide council metrics, registering them
// on first use.
func NewMetrics() *Metrics {
	councilMetricsOnce.Do(func() {
		councilMetrics = &Metrics{
			runsStarted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "beamd_council_runs_started_total",
				Help: "Total council runs started.",
			}),
			runsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "beamd_council_runs_finished_total",
				Help: "Total council runs finished, by terminal status.",
			}, []string{"status"}),
			rankingsParsed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "beamd_council_rankings_parsed_total",
				Help: "Total peer rankings parsed, by result.",
			}, []string{"result"}),
		}
	})
	return councilMetrics
}

func (m *Metrics) RecordRunStarted() {
	m.runsStarted.Inc()
}

func (m *Metrics) RecordRunFinished(status string) {
	m.runsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordRankingParsed(result string) {
	m.rankingsParsed.WithLabelValues(result).Inc()
}
