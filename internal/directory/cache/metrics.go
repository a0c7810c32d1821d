package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var lookupsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "notifyq",
		Subsystem: "directory_cache",
		Name:      "lookups_total",
		Help:      "Recipient cache lookups by result",
	},
	[]string{"result"},
)

func recordLookup(hits, misses int) {
	if hits > 0 {
		lookupsTotal.WithLabelValues("hit").Add(float64(hits))
	}
	if misses > 0 {
		lookupsTotal.WithLabelValues("miss").Add(float64(misses))
	}
}
