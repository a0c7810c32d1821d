package schedule

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "notifyq"

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Definition executions by result",
		},
		[]string{"result"},
	)

	runLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "lag_seconds",
			Help:      "Delay between planned and actual execution",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600},
		},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one scheduler tick",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func recordRun(result string, planned *time.Time, now time.Time) {
	runsTotal.WithLabelValues(result).Inc()
	if planned != nil {
		runLag.Observe(now.Sub(*planned).Seconds())
	}
}

func recordTick(d time.Duration) {
	tickDuration.Observe(d.Seconds())
}
