package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campushub_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "campushub_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Engine metrics
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campushub_events_total",
			Help: "Inbound events by final stage",
		},
		[]string{"event", "stage"}, // stage: acknowledged, rejected
	)

	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campushub_messages_persisted_total",
			Help: "Messages written to the store",
		},
		[]string{"scope"}, // "community" or "direct"
	)

	MessagesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "campushub_messages_deleted_total",
			Help: "Messages hard deleted by their senders",
		},
	)

	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campushub_notifications_created_total",
			Help: "Notifications persisted",
		},
		[]string{"type"},
	)

	PushFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campushub_push_failures_total",
			Help: "Events that could not be queued on a live session",
		},
		[]string{"event"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "campushub_rate_limit_hits_total",
			Help: "Inbound events rejected by the per-user rate limiter",
		},
	)

	TypingSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "campushub_typing_suppressed_total",
			Help: "Typing signals dropped by the burst throttle",
		},
	)

	// Presence metrics
	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "campushub_online_users",
			Help: "Users with at least one live session",
		},
	)

	LiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "campushub_live_sessions",
			Help: "Open realtime sessions",
		},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "campushub_store_latency_seconds",
			Help:    "Store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"driver", "op"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campushub_store_errors_total",
			Help: "Store operations that failed for reasons other than not found",
		},
		[]string{"driver", "op"},
	)
)
