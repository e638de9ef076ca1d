// Package metrics exposes the node's prometheus collectors and the optional
// metrics listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HeadSlot = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beacon_head_slot",
		Help: "Slot of the current fork-choice head.",
	})
	FinalizedEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beacon_finalized_epoch",
		Help: "Epoch of the latest finalized checkpoint.",
	})
	ConnectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "p2p_peer_count",
		Help: "Number of connected peers.",
	})
	SyncWindowSlot = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_window_slot",
		Help: "Next slot the sync window is waiting on.",
	})
	GossipRejects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gossip_rejected_total",
		Help: "Gossip messages rejected by topic validators.",
	})
	BlocksImported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beacon_blocks_imported_total",
		Help: "Blocks admitted to the DAG.",
	})
)

// Serve starts the metrics listener. Blocks; run in its own goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
