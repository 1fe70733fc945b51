// Package metrics provides Prometheus instrumentation for the matchmaking
// and relay engine: connection and room gauges, per-partition queue depth,
// message and moderation counters, and match latency histograms.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anygle_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts chat messages by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anygle_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"}) // outcome = "relayed", "warned", "blocked", "dropped"

	// SignalsTotal counts relayed signaling and indicator events by type.
	SignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anygle_signals_total",
		Help: "Total number of relayed signaling and indicator events",
	}, []string{"type"})

	// ModerationDecisions counts moderation decisions by action.
	ModerationDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anygle_moderation_decisions_total",
		Help: "Moderation decisions by action",
	}, []string{"action"}) // action = "allow", "warn", "block", "ban"

	// MessageLatency records moderation + relay latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "anygle_message_latency_seconds",
		Help:    "Message moderation and relay latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// MatchWait records the time an entry spent queued before pairing.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "anygle_match_wait_seconds",
		Help:    "Time from enqueue to pairing",
		Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30, 60, 300},
	})

	// MatchesTotal counts pairings by trigger: "join" or "sweep".
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anygle_matches_total",
		Help: "Total number of rooms created by the matching engine",
	}, []string{"trigger"})

	// QueueRaces counts lost pairing compare-and-swaps.
	QueueRaces = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anygle_queue_races_total",
		Help: "Pairing attempts that lost a compare-and-swap",
	})

	// StaleEvictions counts entries removed by the stale sweep.
	StaleEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anygle_queue_stale_evictions_total",
		Help: "Queue entries evicted for exceeding the stale TTL",
	})

	// ActiveRooms tracks the current number of active rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anygle_active_rooms",
		Help: "Current number of active rooms",
	})

	// QueueSize tracks queue depth per partition.
	QueueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "anygle_queue_size",
		Help: "Current number of waiting entries per partition",
	}, []string{"age", "mode", "queue_type"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		SignalsTotal,
		ModerationDecisions,
		MessageLatency,
		MatchWait,
		MatchesTotal,
		QueueRaces,
		StaleEvictions,
		ActiveRooms,
		QueueSize,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
