package insertion

import (
	"context"
	"database/sql"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethindex/erc20indexer/internal/config"
	erc20db "github.com/ethindex/erc20indexer/internal/db"
	"github.com/ethindex/erc20indexer/internal/logger"
	"github.com/ethindex/erc20indexer/internal/store"
	"github.com/ethindex/erc20indexer/internal/store/migrations"
	"github.com/stretchr/testify/require"
)

func setupWorkerTestDB(t *testing.T) *sql.DB {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "insertion_test_*.db")
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

func TestWorker_ProcessesBatchAndAdvancesWatermark(t *testing.T) {
	sqlDB := setupWorkerTestDB(t)
	tokenAddr := common.HexToAddress("0xABCDEF0000000000000000000000000000000001")

	tokenRepo := store.NewTokenRepository(sqlDB)
	_, err := tokenRepo.GetOrCreate(tokenAddr, 100)
	require.NoError(t, err)

	transferRepo := store.NewTransferRepository(sqlDB)

	w := NewWorker(tokenRepo, transferRepo, tokenAddr, 4, logger.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	batch := Batch{
		Transfers: []*store.Transfer{
			{
				TxHash:       common.HexToHash("0x01"),
				LogIndex:     0,
				TokenAddress: tokenAddr,
				From:         common.HexToAddress("0x01"),
				To:           common.HexToAddress("0x02"),
				Value:        big.NewInt(100),
				BlockNumber:  150,
				BlockHash:    common.HexToHash("0xBB"),
			},
		},
		EndBlock:    150,
		IsFinalized: false,
	}

	require.NoError(t, w.Submit(ctx, batch))

	require.Eventually(t, func() bool {
		token, err := tokenRepo.Get(tokenAddr)
		require.NoError(t, err)
		return token.LastProcessedBlock.Valid && token.LastProcessedBlock.Int64 == 150
	}, time.Second, 10*time.Millisecond)

	transfers, err := transferRepo.ByAddress(common.HexToAddress("0x02"), 10, 0)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
}

func TestWorker_ProcessSplitsRowsAtFinalizedThrough(t *testing.T) {
	sqlDB := setupWorkerTestDB(t)
	tokenAddr := common.HexToAddress("0xABCDEF0000000000000000000000000000000005")

	tokenRepo := store.NewTokenRepository(sqlDB)
	_, err := tokenRepo.GetOrCreate(tokenAddr, 100)
	require.NoError(t, err)

	transferRepo := store.NewTransferRepository(sqlDB)

	w := NewWorker(tokenRepo, transferRepo, tokenAddr, 4, logger.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	to := common.HexToAddress("0x02")
	batch := Batch{
		Transfers: []*store.Transfer{
			{
				TxHash: common.HexToHash("0x01"), LogIndex: 0, TokenAddress: tokenAddr,
				From: common.HexToAddress("0x01"), To: to, Value: big.NewInt(100),
				BlockNumber: 150, BlockHash: common.HexToHash("0xBB"),
			},
			{
				TxHash: common.HexToHash("0x02"), LogIndex: 0, TokenAddress: tokenAddr,
				From: common.HexToAddress("0x01"), To: to, Value: big.NewInt(200),
				BlockNumber: 151, BlockHash: common.HexToHash("0xCC"),
			},
		},
		EndBlock:         151,
		IsFinalized:      false,
		FinalizedThrough: 150,
	}

	require.NoError(t, w.Submit(ctx, batch))

	require.Eventually(t, func() bool {
		token, err := tokenRepo.Get(tokenAddr)
		require.NoError(t, err)
		return token.LastProcessedBlock.Valid && token.LastProcessedBlock.Int64 == 151
	}, time.Second, 10*time.Millisecond)

	transfers, err := transferRepo.ByAddress(to, 10, 0)
	require.NoError(t, err)
	require.Len(t, transfers, 2)

	byBlock := map[uint64]bool{}
	for _, tr := range transfers {
		byBlock[tr.BlockNumber] = tr.IsFinalized
	}
	require.True(t, byBlock[150], "block at or below the finalized watermark should be tagged finalized")
	require.False(t, byBlock[151], "block above the finalized watermark should not be tagged finalized")
}
