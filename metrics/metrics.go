// Package metrics holds the Prometheus collectors shared by the sync core
// and the sync server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PendingEdits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collabboard_pending_edits",
		Help: "Optimistic local edits not yet acknowledged by the remote store",
	})

	ReconcilePruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabboard_reconcile_pruned_total",
		Help: "Pending edits pruned because the remote caught up or superseded them",
	})

	SkippedDocs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabboard_snapshot_skipped_docs_total",
		Help: "Malformed documents left out of the effective set",
	})

	Writes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabboard_writes_total",
		Help: "Writes issued to the remote store",
	}, []string{"mode"})

	WriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabboard_write_failures_total",
		Help: "Writes rejected by the remote store",
	}, []string{"mode"})

	Flushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabboard_flushes_total",
		Help: "Throttler flushes by trigger",
	}, []string{"reason"})

	HistoryDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collabboard_history_depth",
		Help: "Snapshots held by the undo history",
	})

	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collabboard_server_connections",
		Help: "Open websocket connections on the sync server",
	})

	Frames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabboard_server_frames_total",
		Help: "Frames handled by the sync server",
	}, []string{"type"})
)
