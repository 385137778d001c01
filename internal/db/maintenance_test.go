package db

import (
	"context"
	"os"
	"path"
	"testing"
	"time"

	"github.com/ethindex/erc20indexer/internal/common"
	"github.com/ethindex/erc20indexer/internal/config"
	"github.com/ethindex/erc20indexer/internal/logger"
	"github.com/stretchr/testify/require"
)

func setupMaintenanceTestDB(t *testing.T) (*MaintenanceCoordinator, string) {
	t.Helper()

	dbPath := path.Join(t.TempDir(), "maintenance.sqlite")

	dbCfg := config.DatabaseConfig{Path: dbPath, JournalMode: "WAL", Synchronous: "NORMAL", BusyTimeout: 5000, CacheSize: 10000}
	dbCfg.ApplyDefaults()

	sqlDB, err := NewSQLiteDBFromConfig(dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	_, err = sqlDB.Exec(`CREATE TABLE IF NOT EXISTS test_data (id INTEGER PRIMARY KEY, data TEXT)`)
	require.NoError(t, err)

	log := logger.NewNopLogger()
	cfg := config.MaintenanceConfig{Enabled: true, WALCheckpointMode: "TRUNCATE", CheckInterval: common.NewDuration(time.Hour)}
	coord, ok := NewMaintenanceCoordinator(dbPath, sqlDB, cfg, log).(*MaintenanceCoordinator)
	require.True(t, ok)
	return coord, dbPath
}

func TestNewMaintenanceCoordinator_DisabledIsNoOp(t *testing.T) {
	t.Parallel()

	m := NewMaintenanceCoordinator("unused.sqlite", nil, config.MaintenanceConfig{Enabled: false}, logger.NewNopLogger())
	_, isNoOp := m.(NoOpMaintenance)
	require.True(t, isNoOp)
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.RunOnce(context.Background()))
	m.Stop()
}

func TestMaintenanceCoordinator_RunOnceReclaimsWAL(t *testing.T) {
	t.Parallel()

	coord, dbPath := setupMaintenanceTestDB(t)

	for i := 0; i < 1000; i++ {
		_, err := coord.db.Exec("INSERT INTO test_data (data) VALUES (?)", "payload")
		require.NoError(t, err)
	}

	walInfo, err := os.Stat(dbPath + "-wal")
	require.NoError(t, err)
	require.Greater(t, walInfo.Size(), int64(0))

	require.NoError(t, coord.RunOnce(context.Background()))

	m := coord.Metrics()
	require.Equal(t, uint64(1), m.RunCount)
	require.False(t, m.LastRun.IsZero())
	require.NoError(t, m.LastErr)
}

func TestMaintenanceCoordinator_RunOnceRespectsCancellation(t *testing.T) {
	t.Parallel()

	coord, _ := setupMaintenanceTestDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := coord.RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestMaintenanceCoordinator_StartRunsStartupVacuum(t *testing.T) {
	t.Parallel()

	coord, _ := setupMaintenanceTestDB(t)
	coord.cfg.VacuumOnStartup = true
	coord.cfg.CheckInterval = common.NewDuration(time.Hour)

	require.NoError(t, coord.Start(context.Background()))
	defer coord.Stop()

	m := coord.Metrics()
	require.Equal(t, uint64(1), m.RunCount)
}

func TestMaintenanceCoordinator_BackgroundWorkerTicks(t *testing.T) {
	t.Parallel()

	coord, _ := setupMaintenanceTestDB(t)
	coord.cfg.CheckInterval = common.NewDuration(20 * time.Millisecond)

	require.NoError(t, coord.Start(context.Background()))
	time.Sleep(120 * time.Millisecond)
	coord.Stop()

	m := coord.Metrics()
	require.Greater(t, m.RunCount, uint64(0))
}
