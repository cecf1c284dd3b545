// Package metrics holds the process-wide Prometheus collectors for the
// tunnelbroker core. Every collector is registered via promauto's default
// registry, so cmd/* only needs to mount promhttp.Handler().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StoreOpDuration measures latency of store operations, labeled by the
// logical operation name ("persist_message", "claim_token", ...) and the
// backing engine ("redis" or "postgres").
var StoreOpDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "tunnelbroker_store_op_duration_seconds",
		Help:    "Duration of persistence-store operations in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	},
	[]string{"operation", "engine"},
)

// AMQPPublishTotal counts publish attempts by device-vs-service origin and
// outcome.
var AMQPPublishTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tunnelbroker_amqp_publish_total",
		Help: "Count of AMQP basic_publish calls",
	},
	[]string{"priority", "outcome"},
)

// ActiveSessions is the number of currently authenticated device sessions
// on this instance.
var ActiveSessions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "tunnelbroker_active_sessions",
		Help: "Currently authenticated device WebSocket sessions",
	},
)

// PushSendTotal counts push-provider send attempts by platform and outcome
// ("ok" or "error").
var PushSendTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tunnelbroker_push_send_total",
		Help: "Count of push-notification provider send attempts",
	},
	[]string{"platform", "outcome"},
)

// DistributorActiveConnections is the count of external-token WebSocket
// connections currently owned by this distributor instance.
var DistributorActiveConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "tunnelbroker_distributor_active_connections",
		Help: "External-token connections currently owned by this instance",
	},
)

// DistributorTotalTokens mirrors get_total_tokens_count(), sampled once per
// metrics_interval.
var DistributorTotalTokens = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "tunnelbroker_distributor_total_tokens",
		Help: "Total external-token rows across all instances",
	},
)

// DistributorClaimTotal counts successful claims under outcome "ok";
// contended or failed claims are not counted.
var DistributorClaimTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tunnelbroker_distributor_claim_total",
		Help: "Count of external-token claim attempts",
	},
	[]string{"outcome"},
)
