package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	queryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "board",
		Name:      "query_seconds",
		Help:      "Latency of board store operations.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"op"})

	eventBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "board",
		Name:      "event_backlog",
		Help:      "Events logged since the last export per board.",
	}, []string{"board"})

	tracer = otel.Tracer("github.com/example/pipeline-board/storage")
)

func init() {
	prometheus.MustRegister(queryLatency, eventBacklog)
}
