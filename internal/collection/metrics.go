package collection

import "github.com/prometheus/client_golang/prometheus"

var (
	refreshLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collection",
		Name:      "refresh_seconds",
		Help:      "Latency of snapshot refresh fetches per collection.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"collection"})

	staleDiscards = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collection",
		Name:      "stale_responses_discarded_total",
		Help:      "Refresh responses discarded because a newer refresh completed first.",
	}, []string{"collection"})

	fetchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collection",
		Name:      "refresh_failures_total",
		Help:      "Refreshes that failed and retained the previous snapshot.",
	}, []string{"collection"})
)

func init() {
	prometheus.MustRegister(refreshLatency, staleDiscards, fetchFailures)
}
