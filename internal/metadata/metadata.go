// Package metadata looks up the optional name/symbol/decimals fields of an
// ERC-20 contract via eth_call. Each field is independent: a revert or
// malformed return on one never blocks the others.
package metadata

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// caller is satisfied by rpc.Pool.
type caller interface {
	Call(ctx context.Context, to common.Address, data []byte, blockNum *big.Int) ([]byte, error)
}

var (
	nameSelector     = selector("name()")
	symbolSelector   = selector("symbol()")
	decimalsSelector = selector("decimals()")

	stringType, _  = abi.NewType("string", "", nil)
	uint8Type, _   = abi.NewType("uint8", "", nil)
	bytes32Type, _ = abi.NewType("bytes32", "", nil)
)

func selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

// Metadata is the subset of a token's descriptive fields that were
// successfully retrieved. A zero-value field means its eth_call failed or
// returned something this package could not decode.
type Metadata struct {
	Name        string
	Symbol      string
	Decimals    uint8
	HasName     bool
	HasSymbol   bool
	HasDecimals bool
}

// Fetch issues name()/symbol()/decimals() against address at blockNum,
// tolerating any subset failing independently.
func Fetch(ctx context.Context, client caller, address common.Address, blockNum *big.Int) Metadata {
	var m Metadata

	if name, ok := callString(ctx, client, address, blockNum, nameSelector); ok {
		m.Name = name
		m.HasName = true
	}
	if symbol, ok := callString(ctx, client, address, blockNum, symbolSelector); ok {
		m.Symbol = symbol
		m.HasSymbol = true
	}
	if decimals, ok := callDecimals(ctx, client, address, blockNum); ok {
		m.Decimals = decimals
		m.HasDecimals = true
	}

	return m
}

// callString issues a call expecting a single ABI `string` return, falling
// back to decoding a non-standard fixed bytes32 return (some legacy tokens,
// e.g. early MKR, encode name/symbol as bytes32 rather than string).
func callString(ctx context.Context, client caller, address common.Address, blockNum *big.Int, sel []byte) (string, bool) {
	out, err := client.Call(ctx, address, sel, blockNum)
	if err != nil || len(out) == 0 {
		return "", false
	}

	args := abi.Arguments{{Type: stringType}}
	if values, err := args.Unpack(out); err == nil && len(values) == 1 {
		if s, ok := values[0].(string); ok {
			return s, true
		}
	}

	args = abi.Arguments{{Type: bytes32Type}}
	if values, err := args.Unpack(out); err == nil && len(values) == 1 {
		if b, ok := values[0].([32]byte); ok {
			return trimNulls(b[:]), true
		}
	}

	return "", false
}

func callDecimals(ctx context.Context, client caller, address common.Address, blockNum *big.Int) (uint8, bool) {
	out, err := client.Call(ctx, address, decimalsSelector, blockNum)
	if err != nil || len(out) == 0 {
		return 0, false
	}

	args := abi.Arguments{{Type: uint8Type}}
	values, err := args.Unpack(out)
	if err != nil || len(values) != 1 {
		return 0, false
	}

	d, ok := values[0].(uint8)
	if !ok {
		return 0, false
	}
	return d, true
}

func trimNulls(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return string(b[:end])
}
