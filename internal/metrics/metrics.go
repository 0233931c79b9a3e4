package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supportchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	ChatsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportchat_chats_created_total",
			Help: "Total chat sessions created",
		},
		[]string{"priority"},
	)

	MessagesStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportchat_messages_stored_total",
			Help: "Total messages stored",
		},
		[]string{"path"}, // "socket" or "rest"
	)

	AcceptAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportchat_accept_attempts_total",
			Help: "Total chat accept attempts",
		},
		[]string{"outcome"}, // "won" or "lost"
	)

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportchat_status_transitions_total",
			Help: "Total session status transitions",
		},
		[]string{"to"},
	)

	TypingEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportchat_typing_events_total",
			Help: "Total typing events relayed",
		},
	)

	// Socket metrics
	SocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "supportchat_socket_connections",
			Help: "Currently open socket connections",
		},
	)

	SocketEventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportchat_socket_events_sent_total",
			Help: "Total events fanned out over sockets",
		},
		[]string{"event"},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "supportchat_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)
)
