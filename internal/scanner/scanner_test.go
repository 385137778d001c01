package scanner

import (
	"context"
	"database/sql"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	erc20common "github.com/ethindex/erc20indexer/internal/common"
	"github.com/ethindex/erc20indexer/internal/config"
	erc20db "github.com/ethindex/erc20indexer/internal/db"
	"github.com/ethindex/erc20indexer/internal/events"
	"github.com/ethindex/erc20indexer/internal/insertion"
	"github.com/ethindex/erc20indexer/internal/logger"
	"github.com/ethindex/erc20indexer/internal/store"
	"github.com/ethindex/erc20indexer/internal/store/migrations"
	"github.com/stretchr/testify/require"
)

type fakeRPC struct {
	mu     sync.Mutex
	latest uint64
	logs   map[[2]uint64][]types.Log
}

func (f *fakeRPC) LatestBlock(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, nil
}

func (f *fakeRPC) Logs(_ context.Context, from, to uint64, _ common.Address, _ common.Hash) ([]types.Log, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs[[2]uint64{from, to}], to, nil
}

func testScannerConfig() *config.Config {
	return &config.Config{
		BatchSize:          10,
		RateLimitDelay:     erc20common.NewDuration(5 * time.Millisecond),
		MaxPendingRequests: 4,
		BlockTime:          erc20common.NewDuration(20 * time.Millisecond),
	}
}

func makeTransferLog(blockNum uint64, from, to common.Address, value int64, logIndex uint) types.Log {
	return types.Log{
		Topics: []common.Hash{
			events.Topic0,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
		BlockNumber: blockNum,
		BlockHash:   common.BigToHash(big.NewInt(int64(blockNum))),
		TxHash:      common.BigToHash(big.NewInt(int64(blockNum)*1000 + int64(logIndex))),
		Index:       logIndex,
	}
}

func setupScannerTestDB(t *testing.T) *sql.DB {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "scanner_test_*.db")
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

func TestScanner_Run_ProcessesInOrderAndAdvancesWatermark(t *testing.T) {
	sqlDB := setupScannerTestDB(t)
	tokenAddr := common.HexToAddress("0xABCDEF0000000000000000000000000000000002")

	tokenRepo := store.NewTokenRepository(sqlDB)
	_, err := tokenRepo.GetOrCreate(tokenAddr, 1)
	require.NoError(t, err)

	transferRepo := store.NewTransferRepository(sqlDB)
	worker := insertion.NewWorker(tokenRepo, transferRepo, tokenAddr, 8, logger.NewNopLogger())

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	worker.Start(workerCtx)
	defer worker.Stop()

	from1, to1 := common.HexToAddress("0x01"), common.HexToAddress("0x02")
	rpc := &fakeRPC{
		latest: 20,
		logs: map[[2]uint64][]types.Log{
			{1, 10}:  {makeTransferLog(5, from1, to1, 100, 0)},
			{11, 20}: {makeTransferLog(15, from1, to1, 200, 0)},
		},
	}

	sc := New(rpc, worker, tokenRepo, tokenAddr, events.Topic0, testScannerConfig(), logger.NewNopLogger())

	runCtx, runCancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer runCancel()

	err = sc.Run(runCtx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		token, gerr := tokenRepo.Get(tokenAddr)
		require.NoError(t, gerr)
		return token.LastProcessedBlock.Valid && token.LastProcessedBlock.Int64 == 20
	}, time.Second, 10*time.Millisecond)

	transfers, err := transferRepo.ByAddress(to1, 10, 0)
	require.NoError(t, err)
	require.Len(t, transfers, 2)
}

// TestScanner_TagsTransfersAlreadyCoveredByFinalityWatermark covers the
// case where a startup reconciliation pass has already advanced
// last_processed_finalized_block past blocks the forward scanner has not
// yet ingested: once the scanner reaches those blocks, their rows must be
// inserted as already finalized instead of getting stuck pending forever.
func TestScanner_TagsTransfersAlreadyCoveredByFinalityWatermark(t *testing.T) {
	sqlDB := setupScannerTestDB(t)
	tokenAddr := common.HexToAddress("0xABCDEF0000000000000000000000000000000003")

	tokenRepo := store.NewTokenRepository(sqlDB)
	_, err := tokenRepo.GetOrCreate(tokenAddr, 1)
	require.NoError(t, err)
	require.NoError(t, tokenRepo.SetLastProcessedFinalizedBlock(tokenAddr, 12))

	transferRepo := store.NewTransferRepository(sqlDB)
	worker := insertion.NewWorker(tokenRepo, transferRepo, tokenAddr, 8, logger.NewNopLogger())

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	worker.Start(workerCtx)
	defer worker.Stop()

	from1, to1 := common.HexToAddress("0x01"), common.HexToAddress("0x02")
	rpc := &fakeRPC{
		latest: 20,
		logs: map[[2]uint64][]types.Log{
			{1, 10}:  {makeTransferLog(5, from1, to1, 100, 0)},
			{11, 20}: {makeTransferLog(15, from1, to1, 200, 0)},
		},
	}

	sc := New(rpc, worker, tokenRepo, tokenAddr, events.Topic0, testScannerConfig(), logger.NewNopLogger())

	runCtx, runCancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer runCancel()

	err = sc.Run(runCtx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		token, gerr := tokenRepo.Get(tokenAddr)
		require.NoError(t, gerr)
		return token.LastProcessedBlock.Valid && token.LastProcessedBlock.Int64 == 20
	}, time.Second, 10*time.Millisecond)

	transfers, err := transferRepo.ByAddress(to1, 10, 0)
	require.NoError(t, err)
	require.Len(t, transfers, 2)

	byBlock := map[uint64]bool{}
	for _, tr := range transfers {
		byBlock[tr.BlockNumber] = tr.IsFinalized
	}
	require.True(t, byBlock[5], "block 5 is below the finalized watermark of 12 and must be tagged finalized")
	require.False(t, byBlock[15], "block 15 is above the finalized watermark of 12 and must not be tagged finalized")
}
