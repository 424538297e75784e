package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/example/pipeline-board/gateway")

var (
	gatewayConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_connections",
			Help: "Live WebSocket subscribers per board.",
		},
		[]string{"board"},
	)

	upgradeLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_upgrade_seconds",
			Help:    "Time from request arrival to completed WebSocket handshake.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 10),
		},
	)

	sendQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_send_queue_depth",
			Help: "Outbound frames buffered per board, sampled on enqueue and dequeue.",
		},
		[]string{"board"},
	)

	broadcastsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_broadcasts_sent_total",
			Help: "Push event deliveries fanned out to subscribers.",
		},
		[]string{"board"},
	)
)

func init() {
	prometheus.MustRegister(gatewayConnections, upgradeLatency, sendQueueDepth, broadcastsSent)
}
