package reorg

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "erc20indexer_reorg_events_total",
			Help: "Total number of discrete block-hash mismatches detected by the finality reconciler",
		},
	)

	EventDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "erc20indexer_reorg_event_depth_blocks",
			Help:    "Depth of each detected reorg event, in blocks whose stored hash changed",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
	)

	LastDetected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "erc20indexer_reorg_last_detected_timestamp",
			Help: "Unix timestamp of the last detected reorg event",
		},
	)

	EventFromBlock = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "erc20indexer_reorg_event_from_block",
			Help: "Block numbers at which detected reorg events started",
		},
	)
)

// EventDetectedLog records a single reorg event: `depth` blocks, not
// necessarily contiguous, whose chain hash no longer matches what was
// stored, the lowest of which is fromBlock.
func EventDetectedLog(depth, fromBlock uint64) {
	EventsDetected.Inc()
	EventDepth.Observe(float64(depth))
	LastDetected.Set(float64(time.Now().UTC().Unix()))
	EventFromBlock.Observe(float64(fromBlock))
}
