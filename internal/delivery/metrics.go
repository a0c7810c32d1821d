package delivery

import (
	"time"

	"github.com/bissquit/notifyq/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "notifyq"

var (
	providerSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "provider_sends_total",
			Help:      "Adapter send calls by channel, provider and result",
		},
		[]string{"channel", "provider", "result"},
	)

	providerSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "provider_send_duration_seconds",
			Help:      "Time spent in a single adapter send call",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel", "provider"},
	)

	routerFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "fallbacks_total",
			Help:      "Messages delivered by a provider other than the first available one",
		},
		[]string{"channel"},
	)

	channelUnavailable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "channel_unavailable_total",
			Help:      "Messages a channel could not deliver, by reason",
		},
		[]string{"channel", "reason"},
	)

	degradations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "degradations_total",
			Help:      "Deliveries completed on a secondary channel or the in-app floor",
		},
		[]string{"to"},
	)
)

func recordProviderSend(ch domain.Channel, provider, result string, d time.Duration) {
	providerSends.WithLabelValues(string(ch), provider, result).Inc()
	providerSendDuration.WithLabelValues(string(ch), provider).Observe(d.Seconds())
}

func recordFallback(ch domain.Channel) {
	routerFallbacks.WithLabelValues(string(ch)).Inc()
}

func recordChannelUnavailable(ch domain.Channel, reason string) {
	channelUnavailable.WithLabelValues(string(ch), reason).Inc()
}

func recordDegradation(to string) {
	degradations.WithLabelValues(to).Inc()
}
