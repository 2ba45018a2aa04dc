package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	ConnectThrottled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_connect_throttled_total",
			Help: "Requests rejected by the connect throttle",
		},
		[]string{"route"},
	)

	// Room metrics
	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomchat_rooms_active",
			Help: "Rooms with a running coordinator",
		},
	)

	RoomsMinted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_rooms_minted_total",
			Help: "Room keys minted through the API",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomchat_sessions_active",
			Help: "Sessions currently attached to a room",
		},
	)

	MessagesBroadcast = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_messages_broadcast_total",
			Help: "Chat messages accepted and broadcast",
		},
	)

	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_messages_rejected_total",
			Help: "Inbound frames rejected by the room",
		},
		[]string{"reason"}, // "too_long", "rate_limited", "malformed", "expected_handshake"
	)

	SessionsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_sessions_evicted_total",
			Help: "Sessions removed by the room for a reason other than a clean close",
		},
		[]string{"reason"}, // "send_failed", "backlog_overflow", "name_too_long", "limiter_failed"
	)

	// Rate limiter metrics
	LimiterRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_limiter_requests_total",
			Help: "Charge requests issued by session limiter clients",
		},
		[]string{"result"}, // "ok", "retried", "failed"
	)

	LimiterCooldown = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roomchat_limiter_cooldown_seconds",
			Help:    "Cooldown returned by the rate limiter service",
			Buckets: []float64{0, .5, 1, 2, 5, 10, 30, 60},
		},
	)
)
