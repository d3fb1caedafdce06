package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stream engine metrics. They are registered with the default Prometheus
// registry and served from /metrics.
var (
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "replay_active_sessions",
			Help: "Number of stream sessions currently registered",
		},
	)

	SessionsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replay_sessions_opened_total",
			Help: "Total number of stream sessions opened",
		},
	)

	SessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replay_sessions_closed_total",
			Help: "Total number of stream sessions stopped, by reason",
		},
		[]string{"reason"}, // "exhausted", "user-initiated", "disconnect", "shutdown"
	)

	Ticks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replay_ticks_total",
			Help: "Cadence ticks handled by sessions, by outcome",
		},
		[]string{"outcome"}, // "pushed", "paused", "catch_up", "failed", "superseded", "exhausted"
	)

	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "replay_fetch_duration_seconds",
			Help:    "Duration of window fetches in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FetchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replay_fetch_failures_total",
			Help: "Total number of window fetches that returned an error",
		},
	)

	PushedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replay_pushed_events_total",
			Help: "Events pushed to stream clients, by event name",
		},
		[]string{"event"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replay_store_breaker_state",
			Help: "Store circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)
