// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ReasonRateLimited is the SendsRejected label for sends refused by a rate limiter.
const ReasonRateLimited = "rate_limited"

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Chat metrics
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_messages_sent_total",
			Help: "Messages persisted and published",
		},
	)

	SendsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_sends_rejected_total",
			Help: "Send requests rejected before or during persistence",
		},
		[]string{"reason"}, // "validation", "not_found", "persistence", "rate_limited"
	)

	UnreadDegraded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_unread_degraded_total",
			Help: "Room unread counts reported as 0 because the count query failed",
		},
	)

	// Hub metrics
	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomchat_hub_subscribers",
			Help: "Currently registered hub subscribers",
		},
	)

	Published = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_hub_published_total",
			Help: "Messages fanned out by the hub",
		},
	)

	Overruns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_hub_overruns_total",
			Help: "Messages dropped for a subscriber whose buffer was full",
		},
	)

	// Relay metrics
	RelayReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_relay_received_total",
			Help: "Messages received from other instances over NATS",
		},
	)
)
