// Package query implements the read-only reporting surface over the
// indexed transfer and balance tables: address balances, top holders,
// filtered transfer history, and aggregate statistics, each renderable as
// a table, JSON, or CSV.
package query

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethindex/erc20indexer/internal/store"
)

// Service answers read-only queries against a single tracked token's
// indexed data.
type Service struct {
	token    *store.TokenRepository
	transfer *store.TransferRepository
	balance  *store.BalanceRepository
	address  common.Address
}

// NewService constructs a Service scoped to the given tracked token.
func NewService(token *store.TokenRepository, transfer *store.TransferRepository, balance *store.BalanceRepository, address common.Address) *Service {
	return &Service{token: token, transfer: transfer, balance: balance, address: address}
}

func (s *Service) decimals() *uint8 {
	token, err := s.token.Get(s.address)
	if err != nil || !token.Decimals.Valid {
		return nil
	}
	d := uint8(token.Decimals.Int64)
	return &d
}

// Balance reports address's current balance plus its lifetime incoming
// and outgoing totals.
func (s *Service) Balance(address common.Address, format OutputFormat) (string, error) {
	current, err := s.balance.Get(address)
	if err != nil {
		return "", fmt.Errorf("query: get balance: %w", err)
	}
	incoming, outgoing, err := s.transfer.AddressTotals(address)
	if err != nil {
		return "", fmt.Errorf("query: address totals: %w", err)
	}

	d := s.decimals()
	return FormatBalance(FormatUnits(current, decimalsOrDefault(d)), FormatUnits(incoming, decimalsOrDefault(d)), FormatUnits(outgoing, decimalsOrDefault(d)), format), nil
}

// TransferQuery narrows Transfers to a filtered subset. At least one of
// From, To, or a block bound must be set.
type TransferQuery struct {
	From       *common.Address
	To         *common.Address
	Block      *uint64
	BlockRange *[2]uint64
	Limit      int
	Offset     int
}

// Transfers returns transfers matching q.
func (s *Service) Transfers(q TransferQuery, format OutputFormat) (string, error) {
	blockRange := q.BlockRange
	if q.Block != nil {
		blockRange = &[2]uint64{*q.Block, *q.Block}
	}

	if q.From == nil && q.To == nil && blockRange == nil {
		return "", fmt.Errorf("query: specify at least one of from, to, block, or block range")
	}

	transfers, err := s.transfer.Query(store.TransferFilter{
		From: q.From, To: q.To, BlockRange: blockRange,
		Limit: q.Limit, Offset: q.Offset,
	})
	if err != nil {
		return "", fmt.Errorf("query: transfers: %w", err)
	}

	return FormatTransfers(transfers, s.decimals(), format), nil
}

// AddressHistory returns every transfer touching address, newest first.
func (s *Service) AddressHistory(address common.Address, limit, offset int, format OutputFormat) (string, error) {
	transfers, err := s.transfer.ByAddress(address, limit, offset)
	if err != nil {
		return "", fmt.Errorf("query: address history: %w", err)
	}
	return FormatTransfers(transfers, s.decimals(), format), nil
}

// TopHolders returns the count largest current balances.
func (s *Service) TopHolders(count int, format OutputFormat) (string, error) {
	holders, err := s.balance.TopHolders(count)
	if err != nil {
		return "", fmt.Errorf("query: top holders: %w", err)
	}
	return FormatTopHolders(holders, s.decimals(), format), nil
}

// Stats returns aggregate transfer counters for the tracked token.
func (s *Service) Stats(format OutputFormat) (string, error) {
	stats, err := s.transfer.Statistics(s.address)
	if err != nil {
		return "", fmt.Errorf("query: stats: %w", err)
	}
	return FormatStats(stats, format), nil
}
