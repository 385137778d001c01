package indexer

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
	"github.com/ethindex/erc20indexer/internal/logger"
	"github.com/ethindex/erc20indexer/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeRPC struct {
	mu        sync.Mutex
	latest    uint64
	finalized uint64
	code      map[common.Address][]byte
	allLogs   []types.Log
}

func (f *fakeRPC) LatestBlock(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, nil
}

func (f *fakeRPC) FinalizedBlock(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalized, nil
}

func (f *fakeRPC) Logs(_ context.Context, from, to uint64, _ common.Address, _ common.Hash) ([]types.Log, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []types.Log
	for _, l := range f.allLogs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			matched = append(matched, l)
		}
	}
	return matched, to, nil
}

func (f *fakeRPC) CodeAt(_ context.Context, address common.Address, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code[address], nil
}

func (f *fakeRPC) Call(context.Context, common.Address, []byte, *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeRPC) Close() {}

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

func setupIndexerTestDB(t *testing.T) *sql.DB {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "indexer_test_*.db")
	require.NoError(t, err)
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	dbConfig := config.DatabaseConfig{Path: tmpFile.Name(), JournalMode: "WAL"}
	dbConfig.ApplyDefaults()

	sqlDB, err := erc20db.NewSQLiteDBFromConfig(dbConfig)
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return sqlDB
}

func TestIndexer_Run_BootstrapsTokenAndProcessesForward(t *testing.T) {
	sqlDB := setupIndexerTestDB(t)
	tokenAddr := common.HexToAddress("0xABCDEF0000000000000000000000000000000099")
	from, to := common.HexToAddress("0x01"), common.HexToAddress("0x02")

	client := &fakeRPC{
		latest:    10,
		finalized: 5,
		code:      map[common.Address][]byte{tokenAddr: {0x60, 0x80}},
		allLogs:   []types.Log{makeTransferLog(3, from, to, 100, 0)},
	}

	cfg := &config.Config{
		ContractAddress:    tokenAddr,
		BatchSize:          10,
		RateLimitDelay:     erc20common.NewDuration(5 * time.Millisecond),
		MaxPendingRequests: 4,
		BlockTime:          erc20common.NewDuration(20 * time.Millisecond),
		FinalityInterval:   erc20common.NewDuration(30 * time.Millisecond),
	}

	idx, err := newFromDeps(client, sqlDB, cfg, logger.NewNopLogger())
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err = idx.Run(runCtx)
	require.NoError(t, err)

	token, err := store.NewTokenRepository(sqlDB).Get(tokenAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(0), token.DeploymentBlock)
	require.True(t, token.LastProcessedBlock.Valid)
	require.Equal(t, int64(10), token.LastProcessedBlock.Int64)

	transfers, err := store.NewTransferRepository(sqlDB).ByAddress(to, 10, 0)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
}
