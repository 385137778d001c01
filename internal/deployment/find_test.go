package deployment

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

type fakeCodeFetcher struct {
	deployedAt uint64
}

func (f *fakeCodeFetcher) CodeAt(_ context.Context, _ common.Address, blockNum *big.Int) ([]byte, error) {
	if blockNum.Uint64() >= f.deployedAt {
		return []byte{0x60, 0x01}, nil
	}
	return nil, nil
}

func TestFind(t *testing.T) {
	fetcher := &fakeCodeFetcher{deployedAt: 12345}
	block, err := Find(context.Background(), fetcher, common.HexToAddress("0xAA"), 50000)
	require.NoError(t, err)
	require.Equal(t, uint64(12345), block)
}

func TestFind_NotAContract(t *testing.T) {
	fetcher := &fakeCodeFetcher{deployedAt: 999999999}
	_, err := Find(context.Background(), fetcher, common.HexToAddress("0xAA"), 50000)
	require.Error(t, err)
}

func TestFind_DeployedAtGenesis(t *testing.T) {
	fetcher := &fakeCodeFetcher{deployedAt: 0}
	block, err := Find(context.Background(), fetcher, common.HexToAddress("0xAA"), 50000)
	require.NoError(t, err)
	require.Equal(t, uint64(0), block)
}
