// Package events decodes the fixed ERC-20 Transfer log shape the indexer
// tracks. The event signature never varies across tokens, so decoding is a
// direct topic/data split rather than a generic ABI-driven dispatch.
package events

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	transferSignature = "Transfer(address,address,uint256)"

	expectedTopicsCount = 3  // signature + from + to
	expectedDataSize    = 32 // uint256 value
)

// Topic0 is the keccak256 hash of the Transfer event signature, used to
// filter eth_getLogs to exactly this event.
var Topic0 = crypto.Keccak256Hash([]byte(transferSignature))

// Transfer is a decoded ERC-20 Transfer log.
type Transfer struct {
	BlockNumber uint64
	BlockHash   common.Hash
	TxHash      common.Hash
	LogIndex    uint
	From        common.Address
	To          common.Address
	Value       *big.Int
}

// DecodeTransfer parses a raw log into a Transfer. It returns an error if
// the log does not match the fixed 3-topic/32-byte Transfer shape.
func DecodeTransfer(log *types.Log) (*Transfer, error) {
	if len(log.Topics) != expectedTopicsCount {
		return nil, fmt.Errorf("events: invalid transfer log: expected %d topics, got %d", expectedTopicsCount, len(log.Topics))
	}
	if log.Topics[0] != Topic0 {
		return nil, fmt.Errorf("events: invalid transfer log: topic0 %s is not the Transfer signature", log.Topics[0])
	}
	if len(log.Data) != expectedDataSize {
		return nil, fmt.Errorf("events: invalid transfer log: expected %d bytes of data, got %d", expectedDataSize, len(log.Data))
	}

	return &Transfer{
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
		From:        common.BytesToAddress(log.Topics[1].Bytes()),
		To:          common.BytesToAddress(log.Topics[2].Bytes()),
		Value:       new(big.Int).SetBytes(log.Data),
	}, nil
}

// DecodeTransfers decodes every log in logs that parses as a valid
// Transfer, skipping and discarding any that don't (logs for other events
// emitted by the same contract, if any).
func DecodeTransfers(logs []types.Log) []*Transfer {
	transfers := make([]*Transfer, 0, len(logs))
	for i := range logs {
		t, err := DecodeTransfer(&logs[i])
		if err != nil {
			continue
		}
		transfers = append(transfers, t)
	}
	return transfers
}
