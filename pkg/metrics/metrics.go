// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks REST request duration against the chat API.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_request_duration_seconds",
			Help:    "Chat REST request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total REST requests issued.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_requests_total",
			Help: "Total chat REST requests",
		},
		[]string{"method", "path", "status"},
	)

	// FramesSentTotal tracks outbound websocket frames by name.
	FramesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_frames_sent_total",
			Help: "Total websocket frames sent",
		},
		[]string{"name"},
	)

	// FramesReceivedTotal tracks inbound websocket frames by name.
	FramesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_frames_received_total",
			Help: "Total websocket frames received",
		},
		[]string{"name"},
	)

	// AwaiterTimeoutsTotal tracks frame waits that expired.
	AwaiterTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_frame_await_timeouts_total",
			Help: "Frame awaiters that timed out before a match arrived",
		},
	)

	// HeartbeatFailuresTotal tracks missed ping responses.
	HeartbeatFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_heartbeat_failures_total",
			Help: "Ping requests that timed out",
		},
	)

	// DisconnectsTotal tracks connection breaks.
	DisconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_disconnects_total",
			Help: "Socket sessions that broke after being connected",
		},
	)

	// ReconnectsTotal tracks successful reconnections.
	ReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_reconnects_total",
			Help: "Successful reconnections after a break",
		},
	)

	// PeopleCached tracks the in-memory person directory size.
	PeopleCached = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_people_cached",
			Help: "People held in the entity cache",
		},
	)

	// RoomsCached tracks the in-memory room count.
	RoomsCached = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_rooms_cached",
			Help: "Rooms held in the entity cache",
		},
	)

	// BotCompletionsTotal tracks LLM replies produced by the bot scaffold.
	BotCompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_bot_completions_total",
			Help: "LLM completions produced by the bot",
		},
		[]string{"provider", "status"},
	)
)

// RecordRequest records metrics for a REST request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}
