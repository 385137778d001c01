// Package deployment locates the block at which a contract's bytecode
// first appeared on chain, via binary search over eth_getCode.
package deployment

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// codeFetcher is satisfied by rpc.Pool.
type codeFetcher interface {
	CodeAt(ctx context.Context, address common.Address, blockNum *big.Int) ([]byte, error)
}

// Find returns the lowest block number at or before latestBlock at which
// address has deployed bytecode. It returns an error if address has no
// code at latestBlock (i.e. is not a deployed contract).
func Find(ctx context.Context, client codeFetcher, address common.Address, latestBlock uint64) (uint64, error) {
	code, err := client.CodeAt(ctx, address, new(big.Int).SetUint64(latestBlock))
	if err != nil {
		return 0, fmt.Errorf("deployment: fetch code at latest block: %w", err)
	}
	if len(code) == 0 {
		return 0, fmt.Errorf("deployment: %s has no code at block %d", address.Hex(), latestBlock)
	}

	left, right := uint64(0), latestBlock
	for left < right {
		mid := left + (right-left)/2

		code, err := client.CodeAt(ctx, address, new(big.Int).SetUint64(mid))
		if err != nil {
			return 0, fmt.Errorf("deployment: fetch code at block %d: %w", mid, err)
		}

		if len(code) == 0 {
			left = mid + 1
		} else {
			right = mid
		}
	}

	return left, nil
}
