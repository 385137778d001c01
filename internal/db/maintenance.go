package db

import (
	"context"
	"sync"
	"time"

	"database/sql"

	"github.com/ethindex/erc20indexer/internal/common"
	"github.com/ethindex/erc20indexer/internal/config"
	"github.com/ethindex/erc20indexer/internal/logger"
	"github.com/ethindex/erc20indexer/internal/metrics"
)

// Maintenance runs periodic VACUUM/WAL-checkpoint passes against the
// indexed database without blocking the scanner or reconciler.
type Maintenance interface {
	Start(ctx context.Context) error
	Stop()
	RunOnce(ctx context.Context) error
	Metrics() MaintenanceMetrics
}

// NoOpMaintenance satisfies Maintenance when background maintenance is
// disabled, so callers never need a nil check.
type NoOpMaintenance struct{}

func (NoOpMaintenance) Start(ctx context.Context) error   { return nil }
func (NoOpMaintenance) Stop()                             {}
func (NoOpMaintenance) RunOnce(ctx context.Context) error { return nil }
func (NoOpMaintenance) Metrics() MaintenanceMetrics       { return MaintenanceMetrics{} }

// MaintenanceCoordinator owns the periodic vacuum/checkpoint worker for one
// database handle.
type MaintenanceCoordinator struct {
	db     *sql.DB
	dbPath string
	cfg    config.MaintenanceConfig
	log    *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	metricsLock sync.Mutex
	lastRun     time.Time
	runCount    uint64
	lastErr     error
}

// MaintenanceMetrics reports the coordinator's own run history, independent
// of the Prometheus counters it also feeds.
type MaintenanceMetrics struct {
	LastRun  time.Time
	RunCount uint64
	LastErr  error
}

// NewMaintenanceCoordinator returns a worker that runs RunOnce on
// cfg.CheckInterval, or a no-op if cfg.Enabled is false.
func NewMaintenanceCoordinator(dbPath string, sqlDB *sql.DB, cfg config.MaintenanceConfig, log *logger.Logger) Maintenance {
	if !cfg.Enabled {
		return NoOpMaintenance{}
	}
	return &MaintenanceCoordinator{
		db:     sqlDB,
		dbPath: dbPath,
		cfg:    cfg,
		log:    log.WithComponent("db-maintenance"),
	}
}

// Start runs an optional startup pass, then the periodic worker, until ctx
// is cancelled or Stop is called.
func (m *MaintenanceCoordinator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if m.cfg.VacuumOnStartup {
		if err := m.RunOnce(runCtx); err != nil {
			m.log.Warnw("startup maintenance failed", "error", err)
		}
	}

	m.wg.Add(1)
	go m.worker(runCtx)

	m.log.Infow("background maintenance started",
		"interval", m.cfg.CheckInterval.Duration, "checkpoint_mode", m.cfg.WALCheckpointMode)
	return nil
}

// Stop cancels the worker and waits for it to exit.
func (m *MaintenanceCoordinator) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
}

func (m *MaintenanceCoordinator) worker(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				m.log.Warnw("periodic maintenance failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single maintenance pass: in WAL mode a checkpoint in
// cfg.WALCheckpointMode, then Vacuum (which in WAL mode only runs a TRUNCATE
// checkpoint and otherwise runs VACUUM), tracking size reclaimed and
// duration in Prometheus. Exported so an operator command can
// also trigger it outside the periodic loop.
func (m *MaintenanceCoordinator) RunOnce(ctx context.Context) (err error) {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	start := time.Now()
	initialSize, sizeErr := DBTotalSize(m.dbPath)
	if sizeErr != nil {
		m.log.Warnw("failed to read db size before maintenance", "error", sizeErr)
	}

	defer func() {
		duration := time.Since(start)
		metrics.MaintenanceDurationLog(duration)

		m.metricsLock.Lock()
		m.lastRun = time.Now()
		m.runCount++
		m.lastErr = err
		m.metricsLock.Unlock()

		if err != nil {
			metrics.MaintenanceRunInc("error")
			m.log.Warnw("maintenance completed with errors", "duration", duration, "error", err)
			return
		}
		metrics.MaintenanceRunInc("success")
		m.log.Infow("maintenance completed", "duration", duration)
	}()

	wal, err := isWALMode(m.db)
	if err != nil {
		return err
	}
	if wal {
		var busy, logFrames, checkpointed int
		if scanErr := m.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint("+m.cfg.WALCheckpointMode+")").
			Scan(&busy, &logFrames, &checkpointed); scanErr != nil {
			return scanErr
		}
		if busy > 0 {
			m.log.Warnw("wal checkpoint left busy pages", "busy", busy, "log_frames", logFrames, "checkpointed", checkpointed)
		}
	}

	if vacErr := Vacuum(m.db); vacErr != nil {
		err = vacErr
		return err
	}

	finalSize, sizeErr := DBTotalSize(m.dbPath)
	if sizeErr != nil {
		m.log.Warnw("failed to read db size after maintenance", "error", sizeErr)
		return nil
	}
	if initialSize > finalSize {
		reclaimed := initialSize - finalSize
		metrics.MaintenanceSpaceReclaimedLog(reclaimed)
		m.log.Infow("maintenance reclaimed space", "mb", common.BytesToMB(uint64(reclaimed)))
	}
	metrics.DBSizeLog(finalSize)
	return nil
}

// Metrics reports the coordinator's run history.
func (m *MaintenanceCoordinator) Metrics() MaintenanceMetrics {
	m.metricsLock.Lock()
	defer m.metricsLock.Unlock()
	return MaintenanceMetrics{LastRun: m.lastRun, RunCount: m.runCount, LastErr: m.lastErr}
}
