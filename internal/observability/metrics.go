// Package observability owns logging and metrics plumbing.
//
// Ownership boundary:
// - root/test logger construction
// - prometheus metric registration and recorders
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	relayPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletwire",
			Subsystem: "relay",
			Name:      "publishes_total",
			Help:      "Messages published to the relay.",
		},
		[]string{"outcome"},
	)
	relayMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletwire",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Inbound relay subscription deliveries.",
		},
		[]string{"outcome"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "walletwire",
			Subsystem: "sign",
			Name:      "sessions_active",
			Help:      "Settled sessions currently held.",
		},
	)
	expiredTargets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletwire",
			Subsystem: "expirer",
			Name:      "expired_total",
			Help:      "TTL targets that elapsed and fired.",
		},
		[]string{"kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(relayPublishes, relayMessages, sessionsActive, expiredTargets)
	})
}

func RecordRelayPublish(outcome string) {
	RegisterMetrics()
	relayPublishes.WithLabelValues(outcome).Inc()
}

// RecordRelayMessage counts one inbound delivery; outcome is one of
// "delivered", "duplicate" or "invalid".
func RecordRelayMessage(outcome string) {
	RegisterMetrics()
	relayMessages.WithLabelValues(outcome).Inc()
}

func SetActiveSessions(n int) {
	RegisterMetrics()
	sessionsActive.Set(float64(n))
}

func RecordExpiredTarget(kind string) {
	RegisterMetrics()
	expiredTargets.WithLabelValues(kind).Inc()
}
