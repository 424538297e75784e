package push

import "github.com/prometheus/client_golang/prometheus"

var (
	connects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "push",
		Name:      "connects_total",
		Help:      "Sessions established by the push channel.",
	})
	disconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "push",
		Name:      "disconnects_total",
		Help:      "Sessions dropped before the channel was closed.",
	})
	eventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "push",
		Name:      "events_received_total",
		Help:      "Decoded push events delivered to the subscriber.",
	}, []string{"event"})
	decodeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "push",
		Name:      "decode_failures_total",
		Help:      "Inbound frames dropped because they did not decode.",
	})
)

func init() {
	prometheus.MustRegister(connects, disconnects, eventsReceived, decodeFailures)
}
