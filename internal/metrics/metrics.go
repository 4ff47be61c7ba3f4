// Package metrics holds the prometheus collectors of the delivery subsystem.
// Collectors register on the default registry and are served by the ops server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "letterbox"

var (
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "enqueued_total",
			Help:      "Jobs accepted by the durable queue.",
		},
		[]string{"kind"},
	)

	// JobsProcessed counts handler outcomes: completed, retry, failed.
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Job executions by outcome.",
		},
		[]string{"kind", "outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Duration of job handler executions.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "queue_depth",
			Help:      "Jobs per state, refreshed by the consumer.",
		},
		[]string{"kind", "state"},
	)

	// Deliveries counts letter delivery outcomes: delivered, skipped, failed.
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "letters_total",
			Help:      "Letter delivery attempts by outcome.",
		},
		[]string{"outcome"},
	)

	DeliveryLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "lag_seconds",
			Help:      "Time between the scheduled instant and the successful send.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600},
		},
	)

	BroadcastSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "sends_total",
			Help:      "Broadcast recipient sends by outcome.",
		},
		[]string{"type", "outcome"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "notifications_total",
			Help:      "Owner notifications by outcome (stored, duplicate, dropped, error).",
		},
		[]string{"outcome"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ops",
			Name:      "http_requests_total",
			Help:      "Ops HTTP requests by route and status code.",
		},
		[]string{"method", "route", "code"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ops",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of ops HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
