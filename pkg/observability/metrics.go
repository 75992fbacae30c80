package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Client metrics
	ClientPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ensync",
			Subsystem: "client",
			Name:      "publish_total",
			Help:      "Total number of publish calls by outcome",
		},
		[]string{"transport", "result"},
	)

	ClientPublishLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ensync",
			Subsystem: "client",
			Name:      "publish_latency_seconds",
			Help:      "Publish round-trip latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"transport"},
	)

	ClientEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ensync",
			Subsystem: "client",
			Name:      "events_received_total",
			Help:      "Total number of events received by outcome",
		},
		[]string{"transport", "result"}, // "dispatched", "duplicate", "dropped", "decrypt_failed", "handler_failed", "ack_failed"
	)

	ClientReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ensync",
			Subsystem: "client",
			Name:      "reconnects_total",
			Help:      "Total number of reconnect attempts by outcome",
		},
		[]string{"transport", "result"},
	)

	ClientsConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ensync",
			Subsystem: "client",
			Name:      "connected",
			Help:      "Number of connected SDK clients in this process",
		},
		[]string{"transport"},
	)

	// Node metrics
	NodeSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ensync",
			Subsystem: "node",
			Name:      "sessions",
			Help:      "Number of authenticated client sessions",
		},
		[]string{"transport"},
	)

	NodeEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ensync",
			Subsystem: "node",
			Name:      "events_published_total",
			Help:      "Total number of events accepted for delivery",
		},
		[]string{"persisted"},
	)

	NodeDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ensync",
			Subsystem: "node",
			Name:      "deliveries_total",
			Help:      "Total number of event deliveries to subscribers",
		},
		[]string{"transport"},
	)

	NodeSettlements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ensync",
			Subsystem: "node",
			Name:      "settlements_total",
			Help:      "Total number of ack, defer and discard calls",
		},
		[]string{"action"},
	)

	NodeBusDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ensync",
			Subsystem: "node",
			Name:      "bus_dropped_total",
			Help:      "Total number of bus messages shed because a subscriber fell behind",
		},
	)

	NodeAuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ensync",
			Subsystem: "node",
			Name:      "auth_failures_total",
			Help:      "Total number of rejected connect attempts and tokens",
		},
	)
)
