// Package metrics defines the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPC surface
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agw",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Total RPC calls by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	RPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agw",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "RPC call duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"method"},
	)

	// Authentication
	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agw",
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Authentication failures by scheme and reason",
		},
		[]string{"scheme", "reason"},
	)

	// Quota
	QuotaRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agw",
			Subsystem: "quota",
			Name:      "rejections_total",
			Help:      "Requests rejected for quota exhaustion, by quota type",
		},
		[]string{"quota_type"},
	)

	// Risk
	AlertsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agw",
			Subsystem: "risk",
			Name:      "alerts_dispatched_total",
			Help:      "Risk alerts dispatched, by level",
		},
		[]string{"level"},
	)

	// Confirmations
	ConfirmationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agw",
			Subsystem: "confirm",
			Name:      "resolutions_total",
			Help:      "Confirmation outcomes: approved, rejected, timeout",
		},
		[]string{"outcome"},
	)

	// Connections
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agw",
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Live WebSocket connections",
		},
	)
)
