package routes

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routes_requests_total",
			Help: "API requests handled, by method and status code.",
		},
		[]string{"method", "code"},
	)

	eventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routes_events_emitted_total",
			Help: "Push events produced by API mutations.",
		},
		[]string{"event"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, eventsEmitted)
}
