package api

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethindex/erc20indexer/internal/config"
	erc20db "github.com/ethindex/erc20indexer/internal/db"
	"github.com/ethindex/erc20indexer/internal/logger"
	"github.com/ethindex/erc20indexer/internal/query"
	"github.com/ethindex/erc20indexer/internal/store"
	"github.com/ethindex/erc20indexer/internal/store/migrations"
	"github.com/stretchr/testify/require"
)

func setupAPITestDB(t *testing.T) *sql.DB {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "api_test_*.db")
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

func TestHandler_HealthAndBalance(t *testing.T) {
	sqlDB := setupAPITestDB(t)
	tokenAddr := common.HexToAddress("0xABCDEF0000000000000000000000000000000004")
	alice := common.HexToAddress("0x01")

	tokenRepo := store.NewTokenRepository(sqlDB)
	_, err := tokenRepo.GetOrCreate(tokenAddr, 1)
	require.NoError(t, err)
	require.NoError(t, tokenRepo.SetLastProcessedBlock(tokenAddr, 10))

	transferRepo := store.NewTransferRepository(sqlDB)
	balanceRepo := store.NewBalanceRepository(sqlDB)
	svc := query.NewService(tokenRepo, transferRepo, balanceRepo, tokenAddr)

	handler := NewHandler(svc, tokenRepo, tokenAddr, logger.NewNopLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handler.Health)
	mux.HandleFunc("GET /api/v1/balance/{address}", handler.Balance)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/balance/"+alice.Hex()+"?format=json", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"balance"`)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/balance/not-an-address", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
