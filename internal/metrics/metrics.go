// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SeatLocks counts lock requests by outcome (locked, conflict, invalid, error).
	SeatLocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reservation",
			Name:      "seat_locks_total",
			Help:      "Seat lock requests by outcome",
		},
		[]string{"outcome"},
	)

	// SeatsReleased counts seats returned to available, by reason
	// (unlock, expired, cancelled).
	SeatsReleased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reservation",
			Name:      "seats_released_total",
			Help:      "Seats returned to available",
		},
		[]string{"reason"},
	)

	// Tickets counts ticket transitions by resulting status.
	Tickets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reservation",
			Name:      "tickets_total",
			Help:      "Ticket transitions by resulting status",
		},
		[]string{"status"},
	)

	// RealtimeConnections is the number of open websocket connections.
	RealtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "realtime",
			Name:      "connections",
			Help:      "Open websocket connections",
		},
	)

	// RealtimeBroadcasts counts frames broadcast by message type.
	RealtimeBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "broadcasts_total",
			Help:      "Frames broadcast by message type",
		},
		[]string{"type"},
	)
)
