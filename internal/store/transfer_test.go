package store

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestTransferRepository_InsertBatch_Idempotent(t *testing.T) {
	sqlDB := setupTestDB(t)
	tokens := NewTokenRepository(sqlDB)
	transfers := NewTransferRepository(sqlDB)

	token := common.HexToAddress("0xAAAA000000000000000000000000000000AAAA")
	_, err := tokens.GetOrCreate(token, 100)
	require.NoError(t, err)

	row := &Transfer{
		TxHash:       common.HexToHash("0x01"),
		LogIndex:     0,
		TokenAddress: token,
		From:         common.HexToAddress("0xA1"),
		To:           common.HexToAddress("0xB1"),
		Value:        big.NewInt(1000),
		BlockNumber:  150,
		BlockHash:    common.HexToHash("0xblock150"),
	}

	n, err := transfers.InsertBatch([]*Transfer{row}, true)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Replaying the same log twice yields the same row set.
	n, err = transfers.InsertBatch([]*Transfer{row}, true)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	got, err := transfers.ByAddress(common.HexToAddress("0xB1"), 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, big.NewInt(1000), got[0].Value)
}

func TestTransferRepository_BlockHashesInRange_DetectsCorruption(t *testing.T) {
	sqlDB := setupTestDB(t)
	tokens := NewTokenRepository(sqlDB)
	transfers := NewTransferRepository(sqlDB)

	token := common.HexToAddress("0xAAAA000000000000000000000000000000AAAA")
	_, err := tokens.GetOrCreate(token, 100)
	require.NoError(t, err)

	rows := []*Transfer{
		{
			TxHash: common.HexToHash("0x01"), LogIndex: 0, TokenAddress: token,
			From: common.HexToAddress("0xA1"), To: common.HexToAddress("0xB1"),
			Value: big.NewInt(1), BlockNumber: 200, BlockHash: common.HexToHash("0x1111"),
		},
		{
			TxHash: common.HexToHash("0x02"), LogIndex: 0, TokenAddress: token,
			From: common.HexToAddress("0xA1"), To: common.HexToAddress("0xB1"),
			Value: big.NewInt(1), BlockNumber: 200, BlockHash: common.HexToHash("0x2222"),
		},
	}
	_, err = transfers.InsertBatch(rows, false)
	require.NoError(t, err)

	_, err = transfers.BlockHashesInRange(token, 200, 200)
	require.Error(t, err)
	var corruption *StoreCorruption
	require.ErrorAs(t, err, &corruption)
}

func TestTransferRepository_ProcessFinality_ReplacesReorgedBlock(t *testing.T) {
	sqlDB := setupTestDB(t)
	tokens := NewTokenRepository(sqlDB)
	transfers := NewTransferRepository(sqlDB)

	token := common.HexToAddress("0xAAAA000000000000000000000000000000AAAA")
	_, err := tokens.GetOrCreate(token, 100)
	require.NoError(t, err)

	original := &Transfer{
		TxHash: common.HexToHash("0xAA"), LogIndex: 0, TokenAddress: token,
		From: common.HexToAddress("0xA"), To: common.HexToAddress("0xB"),
		Value: big.NewInt(500), BlockNumber: 200, BlockHash: common.HexToHash("0x11"),
	}
	_, err = transfers.InsertBatch([]*Transfer{original}, false)
	require.NoError(t, err)

	replacement := &Transfer{
		TxHash: common.HexToHash("0xBB"), LogIndex: 0, TokenAddress: token,
		From: common.HexToAddress("0xA"), To: common.HexToAddress("0xC"),
		Value: big.NewInt(500), BlockNumber: 200, BlockHash: common.HexToHash("0x22"),
	}

	deleted, inserted, err := transfers.ProcessFinality(token, []uint64{200}, []*Transfer{replacement}, 200, 200)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)
	require.Equal(t, 1, inserted)

	got, err := transfers.FinalizedInRange(token, 200, 200)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, common.HexToHash("0xBB"), got[0].TxHash)
	require.True(t, got[0].IsFinalized)
}
