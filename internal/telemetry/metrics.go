package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

/*
LEARNING: METRICS NEXT TO TRACES

Traces answer "what happened to this request". Metrics answer "how much and
how often" across all of them: how many ops the replicas apply, how often a
peer falls out of the history window and needs a resync, how many peers are
connected. Prometheus scrapes them from /metrics.
*/

// Op sources for OpsApplied
const (
	SourceLocal  = "local"  // edits made through the HTTP API on the hub
	SourceRemote = "remote" // ops sent by a connected peer
	SourceRelay  = "relay"  // ops relayed from another hub instance
)

var (
	OpsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otp2p_ops_applied_total",
		Help: "Ops applied by hub replicas by source",
	}, []string{"source"})

	OpsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otp2p_ops_rejected_total",
		Help: "Ops a hub replica could not apply by reason",
	}, []string{"reason"})

	Resyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otp2p_resyncs_total",
		Help: "Snapshots sent to peers so they can resynchronize, by trigger",
	}, []string{"trigger"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "otp2p_active_sessions",
		Help: "Connected websocket sessions",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "otp2p_active_rooms",
		Help: "Documents with a loaded replica",
	})

	OpApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "otp2p_op_apply_duration_seconds",
		Help:    "Time a replica spends reconciling and applying one op",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	})

	SnapshotsSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otp2p_snapshots_saved_total",
		Help: "Replica snapshots written to the database",
	})

	PersistQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "otp2p_persist_queue_length",
		Help: "Persistence jobs waiting for a worker",
	})
)

// MetricsHandler serves the default registry
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
