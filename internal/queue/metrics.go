package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "notifyq"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "items",
			Help:      "Number of queue items by status",
		},
		[]string{"status"},
	)

	itemsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total queue items enqueued",
		},
	)

	itemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "processed_total",
			Help:      "Total processing attempts by outcome",
		},
		[]string{"outcome"},
	)

	claimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "claim_conflicts_total",
			Help:      "Claims lost to another processor",
		},
	)

	itemDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "item_duration_seconds",
			Help:      "Time to process one claimed item",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	recipientsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "recipients_total",
			Help:      "Recipient outcomes",
		},
		[]string{"status"},
	)

	itemsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "purged_total",
			Help:      "Terminal items removed by retention",
		},
	)

	itemsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "recovered_total",
			Help:      "Items returned to pending after being stuck in processing",
		},
	)

	processorPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "paused",
			Help:      "1 when the processor is paused",
		},
	)
)

func recordQueueSize(counts map[Status]int64) {
	for _, s := range AllStatuses {
		queueSize.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func recordEnqueued(n int) {
	itemsEnqueued.Add(float64(n))
}

func recordProcessed(outcome string, d time.Duration) {
	itemsProcessed.WithLabelValues(outcome).Inc()
	itemDuration.Observe(d.Seconds())
}

func recordClaimConflict() {
	claimConflicts.Inc()
}

func recordRecipient(s RecipientStatus) {
	recipientsTotal.WithLabelValues(string(s)).Inc()
}

func recordPurged(n int64) {
	itemsPurged.Add(float64(n))
}

func recordRecovered(n int64) {
	itemsRecovered.Add(float64(n))
}

func recordPaused(paused bool) {
	if paused {
		processorPaused.Set(1)
		return
	}
	processorPaused.Set(0)
}
