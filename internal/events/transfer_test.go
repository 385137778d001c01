package events

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestDecodeTransfer(t *testing.T) {
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	value := big.NewInt(1000)

	log := types.Log{
		Topics: []common.Hash{
			Topic0,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        common.LeftPadBytes(value.Bytes(), 32),
		BlockNumber: 150,
		BlockHash:   common.HexToHash("0xaaaa"),
		TxHash:      common.HexToHash("0xbbbb"),
		Index:       3,
	}

	transfer, err := DecodeTransfer(&log)
	require.NoError(t, err)
	require.Equal(t, from, transfer.From)
	require.Equal(t, to, transfer.To)
	require.Equal(t, value, transfer.Value)
	require.Equal(t, uint64(150), transfer.BlockNumber)
	require.Equal(t, uint(3), transfer.LogIndex)
}

func TestDecodeTransfer_WrongTopicCount(t *testing.T) {
	log := types.Log{
		Topics: []common.Hash{Topic0},
		Data:   make([]byte, 32),
	}
	_, err := DecodeTransfer(&log)
	require.Error(t, err)
}

func TestDecodeTransfer_WrongSignature(t *testing.T) {
	log := types.Log{
		Topics: []common.Hash{common.HexToHash("0xdead"), common.HexToHash("0x1"), common.HexToHash("0x2")},
		Data:   make([]byte, 32),
	}
	_, err := DecodeTransfer(&log)
	require.Error(t, err)
}

func TestDecodeTransfer_WrongDataSize(t *testing.T) {
	log := types.Log{
		Topics: []common.Hash{Topic0, common.HexToHash("0x1"), common.HexToHash("0x2")},
		Data:   make([]byte, 16),
	}
	_, err := DecodeTransfer(&log)
	require.Error(t, err)
}

func TestDecodeTransfers_SkipsInvalid(t *testing.T) {
	valid := types.Log{
		Topics: []common.Hash{Topic0, common.HexToHash("0x1"), common.HexToHash("0x2")},
		Data:   make([]byte, 32),
	}
	invalid := types.Log{
		Topics: []common.Hash{common.HexToHash("0xdead")},
		Data:   make([]byte, 32),
	}

	result := DecodeTransfers([]types.Log{valid, invalid})
	require.Len(t, result, 1)
}
