package store

import (
	"database/sql"
	"os"
	"testing"

	"github.com/ethindex/erc20indexer/internal/config"
	erc20db "github.com/ethindex/erc20indexer/internal/db"
	"github.com/ethindex/erc20indexer/internal/store/migrations"
	"github.com/stretchr/testify/require"

	"github.com/ethindex/erc20indexer/internal/logger"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "store_test_*.db")
	require.NoError(t, err)
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	dbConfig := config.DatabaseConfig{Path: tmpFile.Name(), JournalMode: "WAL"}
	dbConfig.ApplyDefaults()

	sqlDB, err := erc20db.NewSQLiteDBFromConfig(dbConfig)
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, migrations.Run(logger.NewNopLogger(), sqlDB))
	return sqlDB
}
