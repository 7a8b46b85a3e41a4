// Package metrics exposes Prometheus instruments for connections, sessions
// and transfers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "filerelay_connections_open",
		Help: "Number of open peer connections",
	})

	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filerelay_connections_total",
		Help: "Connections established, by direction",
	}, []string{"direction"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "filerelay_sessions_active",
		Help: "Number of live session channels",
	})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filerelay_frames_dropped_total",
		Help: "Inbound frames dropped, by reason",
	}, []string{"reason"})

	Blocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filerelay_blocks_total",
		Help: "Durably applied blocks, by direction",
	}, []string{"direction"})

	Bytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filerelay_bytes_total",
		Help: "Block payload bytes, by direction",
	}, []string{"direction"})

	Outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filerelay_transfer_outcomes_total",
		Help: "Final session outcomes, by error code",
	}, []string{"code"})

	Restarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filerelay_restart_decisions_total",
		Help: "Retry coordinator decisions, by kind",
	}, []string{"decision"})
)

// Direction labels.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
