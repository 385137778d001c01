// Package metrics exposes the indexer's Prometheus registries and the
// /metrics + /health HTTP server.
package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dbQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erc20indexer_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation"},
	)

	dbQueryTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "erc20indexer_db_query_duration_seconds",
			Help:    "Duration of database queries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	dbErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erc20indexer_db_errors_total",
			Help: "Total number of database errors",
		},
		[]string{"operation"},
	)

	RPCRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erc20indexer_rpc_retries_total",
			Help: "Total number of RPC retry attempts",
		},
		[]string{"method"},
	)

	RPCRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erc20indexer_rpc_rotations_total",
			Help: "Total number of RPC endpoint rotations",
		},
		[]string{"reason"},
	)

	RPCMethodCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erc20indexer_rpc_calls_total",
			Help: "Total number of RPC calls by method",
		},
		[]string{"method"},
	)

	RPCMethodDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "erc20indexer_rpc_call_duration_seconds",
			Help:    "Duration of RPC calls by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	RPCMethodErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erc20indexer_rpc_call_errors_total",
			Help: "Total number of RPC call errors by method",
		},
		[]string{"method"},
	)

	RPCRangeSplits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "erc20indexer_rpc_range_splits_total",
			Help: "Total number of adaptive log-range splits",
		},
	)

	ScannerLastProcessedBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "erc20indexer_scanner_last_processed_block",
			Help: "The last block number the forward scanner has fully processed",
		},
	)

	ScannerPendingFetches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "erc20indexer_scanner_pending_fetches",
			Help: "Current depth of the forward scanner's in-flight fetch queue",
		},
	)

	TransfersInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "erc20indexer_transfers_inserted_total",
			Help: "Total number of transfer rows actually inserted (post INSERT OR IGNORE)",
		},
	)

	InsertionBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "erc20indexer_insertion_batch_duration_seconds",
			Help:    "Duration of insertion-worker batch commits",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcilerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erc20indexer_reconciler_ticks_total",
			Help: "Total number of finality reconciler ticks by outcome",
		},
		[]string{"outcome"},
	)

	ReconcilerLastFinalizedBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "erc20indexer_reconciler_last_finalized_block",
			Help: "The last_processed_finalized_block watermark",
		},
	)

	ReorgsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "erc20indexer_reorgs_detected_total",
			Help: "Total number of blockchain reorganizations detected",
		},
	)

	ReorgBlocksAffected = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "erc20indexer_reorg_blocks_affected",
			Help:    "Number of blocks affected per detected reorg",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
	)

	BalanceApplyOps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "erc20indexer_balance_apply_ops_total",
			Help: "Total number of balance-ledger apply operations",
		},
	)

	BalanceAddressesTouched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "erc20indexer_balance_addresses_touched_total",
			Help: "Total number of distinct addresses updated by balance apply operations",
		},
	)

	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "erc20indexer_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)

	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erc20indexer_errors_total",
			Help: "Total number of errors by component and severity",
		},
		[]string{"component", "severity"},
	)

	ComponentHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "erc20indexer_component_health",
			Help: "Component health status (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)

	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "erc20indexer_goroutines",
			Help: "Number of active goroutines",
		},
	)

	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "erc20indexer_memory_usage_bytes",
			Help: "Memory usage statistics",
		},
		[]string{"type"},
	)

	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erc20indexer_maintenance_runs_total",
			Help: "Total number of database maintenance runs by outcome",
		},
		[]string{"outcome"},
	)

	MaintenanceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "erc20indexer_maintenance_duration_seconds",
			Help:    "Duration of database maintenance runs",
			Buckets: prometheus.DefBuckets,
		},
	)

	MaintenanceSpaceReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "erc20indexer_maintenance_space_reclaimed_bytes_total",
			Help: "Total bytes reclaimed by database maintenance VACUUM/checkpoint operations",
		},
	)

	DBSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "erc20indexer_db_size_bytes",
			Help: "Combined size of the SQLite main file, WAL, and SHM",
		},
	)

	startTime = time.Now()
)

func MaintenanceRunInc(outcome string) {
	MaintenanceRuns.WithLabelValues(outcome).Inc()
}

func MaintenanceDurationLog(d time.Duration) {
	MaintenanceDuration.Observe(d.Seconds())
}

func MaintenanceSpaceReclaimedLog(bytes int64) {
	if bytes > 0 {
		MaintenanceSpaceReclaimed.Add(float64(bytes))
	}
}

func DBSizeLog(bytes int64) {
	DBSize.Set(float64(bytes))
}

func DBQueryInc(operation string) {
	dbQueries.WithLabelValues(operation).Inc()
}

func DBQueryDuration(operation string, duration time.Duration) {
	dbQueryTime.WithLabelValues(operation).Observe(duration.Seconds())
}

func DBErrorsInc(operation string) {
	dbErrors.WithLabelValues(operation).Inc()
}

func RPCRetryInc(method string) {
	RPCRetries.WithLabelValues(method).Inc()
}

func RPCRotationInc(reason string) {
	RPCRotations.WithLabelValues(reason).Inc()
}

func RPCMethodInc(method string) {
	RPCMethodCalls.WithLabelValues(method).Inc()
}

func RPCMethodDurationLog(method string, d time.Duration) {
	RPCMethodDuration.WithLabelValues(method).Observe(d.Seconds())
}

func RPCMethodErrorInc(method string) {
	RPCMethodErrors.WithLabelValues(method).Inc()
}

func ReconcilerTickInc(outcome string) {
	ReconcilerTicks.WithLabelValues(outcome).Inc()
}

func ComponentHealthSet(component string, healthy bool) {
	v := float64(1)
	if !healthy {
		v = 0
	}
	ComponentHealth.WithLabelValues(component).Set(v)
}

func ErrorsInc(component, severity string) {
	Errors.WithLabelValues(component, severity).Inc()
}

// UpdateSystemMetrics updates runtime system metrics. Called periodically
// (e.g. every 15 seconds) by the metrics server.
func UpdateSystemMetrics() {
	Uptime.Set(time.Since(startTime).Seconds())
	Goroutines.Set(float64(runtime.NumGoroutine()))

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("total_alloc").Set(float64(m.TotalAlloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}
