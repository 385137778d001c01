// Package reconciler implements the finality reconciler: it periodically
// advances the finalized watermark, detecting and repairing reorganized
// blocks by comparing freshly fetched block hashes against what was stored.
package reconciler

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethindex/erc20indexer/internal/config"
	"github.com/ethindex/erc20indexer/internal/events"
	"github.com/ethindex/erc20indexer/internal/logger"
	"github.com/ethindex/erc20indexer/internal/metrics"
	"github.com/ethindex/erc20indexer/internal/reorg"
	"github.com/ethindex/erc20indexer/internal/store"
)

// rpcClient is satisfied by rpc.Pool.
type rpcClient interface {
	Logs(ctx context.Context, from, to uint64, address common.Address, topic0 common.Hash) (logs []types.Log, servedTo uint64, err error)
	FinalizedBlock(ctx context.Context) (uint64, error)
}

// Reconciler advances last_processed_finalized_block for a single tracked
// token, repairing reorgs as it goes.
type Reconciler struct {
	rpc      rpcClient
	token    *store.TokenRepository
	transfer *store.TransferRepository
	balance  *store.BalanceRepository
	address  common.Address
	topic0   common.Hash
	cfg      *config.Config
	log      *logger.Logger
}

// New constructs a Reconciler. cfg supplies BatchSize.
func New(rpcPool rpcClient, token *store.TokenRepository, transfer *store.TransferRepository, balance *store.BalanceRepository, address common.Address, topic0 common.Hash, cfg *config.Config, log *logger.Logger) *Reconciler {
	return &Reconciler{
		rpc:      rpcPool,
		token:    token,
		transfer: transfer,
		balance:  balance,
		address:  address,
		topic0:   topic0,
		cfg:      cfg,
		log:      log.WithComponent("reconciler"),
	}
}

// Tick runs one reconciliation pass. isInitial marks the startup-before-
// forward-loop invocation, which is allowed to advance the finalized
// watermark all the way to the chain's finalized tip (safe only because no
// concurrent scanner is yet producing unfinalized rows past that point).
// Any error is the caller's to log-and-retry-next-tick; reconciliation is
// fully idempotent because state is always recovered from RPC.
func (r *Reconciler) Tick(ctx context.Context, isInitial bool) error {
	token, err := r.token.Get(r.address)
	if err != nil {
		return fmt.Errorf("reconciler: get token: %w", err)
	}
	if !token.LastProcessedBlock.Valid {
		return nil
	}

	lastFinalized := uint64(0)
	if token.LastProcessedFinalizedBlock.Valid {
		lastFinalized = uint64(token.LastProcessedFinalizedBlock.Int64)
	}
	lastProcessed := uint64(token.LastProcessedBlock.Int64)

	chainFinalized, err := r.rpc.FinalizedBlock(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: chain finalized block: %w", err)
	}

	target := min(chainFinalized, lastProcessed)
	if target <= lastFinalized {
		return nil
	}

	from := lastFinalized + 1
	for from <= target {
		to := from + r.cfg.BatchSize - 1
		if to > target {
			to = target
		}

		if err := r.reconcileChunk(from, to); err != nil {
			return fmt.Errorf("reconciler: chunk [%d,%d]: %w", from, to, err)
		}

		from = to + 1
	}

	newFinalized := target
	if isInitial {
		newFinalized = chainFinalized
	}

	if err := r.token.SetLastProcessedFinalizedBlock(r.address, newFinalized); err != nil {
		return fmt.Errorf("reconciler: advance finalized watermark: %w", err)
	}

	r.log.Infow("finality reconciliation advanced", "from", lastFinalized, "to", newFinalized, "initial", isInitial)
	return nil
}

func (r *Reconciler) reconcileChunk(from, to uint64) error {
	ctx := context.Background()

	logs, err := r.fetchFullRange(ctx, from, to)
	if err != nil {
		return fmt.Errorf("fetch fresh logs: %w", err)
	}

	storedHashes, err := r.transfer.BlockHashesInRange(r.address, from, to)
	if err != nil {
		return fmt.Errorf("stored block hashes: %w", err)
	}

	alreadyFinalized, err := r.transfer.FinalizedBlockSet(r.address, from, to)
	if err != nil {
		return fmt.Errorf("finalized block set: %w", err)
	}

	chainTransfers := events.DecodeTransfers(logs)
	if len(chainTransfers) != len(logs) {
		return fmt.Errorf("decode failure in range [%d,%d]", from, to)
	}

	chainHashes := make(map[uint64]common.Hash, len(chainTransfers))
	for _, t := range chainTransfers {
		if existing, ok := chainHashes[t.BlockNumber]; ok && existing != t.BlockHash {
			return fmt.Errorf("chain returned conflicting hashes for block %d", t.BlockNumber)
		}
		chainHashes[t.BlockNumber] = t.BlockHash
	}

	reorgBlocks := diffBlocks(chainHashes, storedHashes)
	if len(reorgBlocks) > 0 {
		first := to
		for b := range reorgBlocks {
			if b < first {
				first = b
			}
		}
		reorg.EventDetectedLog(uint64(len(reorgBlocks)), first)
		reorgErr := reorg.NewReorgError(first, fmt.Sprintf("%d block(s) changed within [%d,%d]", len(reorgBlocks), from, to))
		r.log.Warnw(reorgErr.Error(), "blocks", reorgBlocks)
	}

	replacements := make([]*store.Transfer, 0)
	for _, t := range chainTransfers {
		if _, isReorged := reorgBlocks[t.BlockNumber]; isReorged {
			replacements = append(replacements, &store.Transfer{
				TxHash:       t.TxHash,
				LogIndex:     t.LogIndex,
				TokenAddress: r.address,
				From:         t.From,
				To:           t.To,
				Value:        t.Value,
				BlockNumber:  t.BlockNumber,
				BlockHash:    t.BlockHash,
			})
		}
	}

	deleteBlocks := make([]uint64, 0, len(reorgBlocks))
	for b := range reorgBlocks {
		deleteBlocks = append(deleteBlocks, b)
	}

	deleted, inserted, err := r.transfer.ProcessFinality(r.address, deleteBlocks, replacements, from, to)
	if err != nil {
		return fmt.Errorf("process finality: %w", err)
	}

	// Apply each block's balance delta exactly once: a block already
	// finalized in a prior tick (the common idempotent-rerun case) must not
	// contribute its value twice, but a reorged block always gets a fresh
	// delta since its previous contribution, if any, was never applied (it
	// was unfinalized until just now).
	newlyFinalized := make([]*events.Transfer, 0, len(chainTransfers))
	for _, t := range chainTransfers {
		_, reorged := reorgBlocks[t.BlockNumber]
		if reorged || !alreadyFinalized[t.BlockNumber] {
			newlyFinalized = append(newlyFinalized, t)
		}
	}

	if err := r.balance.Apply(newlyFinalized); err != nil {
		return fmt.Errorf("apply balance delta: %w", err)
	}

	metrics.DBQueryInc("reconciler_chunk")
	r.log.Debugw("reconciled chunk", "from", from, "to", to, "deleted", deleted, "inserted", inserted, "transfers", len(newlyFinalized))
	return nil
}

// fetchFullRange repeatedly calls rpc.Logs to cover [from, to] even when
// the adaptive splitter only serves a prefix of the requested range.
func (r *Reconciler) fetchFullRange(ctx context.Context, from, to uint64) ([]types.Log, error) {
	var all []types.Log

	cursor := from
	for cursor <= to {
		logs, servedTo, err := r.rpc.Logs(ctx, cursor, to, r.address, r.topic0)
		if err != nil {
			return nil, err
		}
		all = append(all, logs...)
		if servedTo >= to {
			break
		}
		cursor = servedTo + 1
	}

	return all, nil
}

// diffBlocks returns the set of block numbers whose chain-side hash
// disagrees with the stored hash, plus blocks present on only one side.
func diffBlocks(chainHashes, storedHashes map[uint64]common.Hash) map[uint64]struct{} {
	reorged := make(map[uint64]struct{})

	for b, chainHash := range chainHashes {
		if storedHash, ok := storedHashes[b]; !ok || storedHash != chainHash {
			reorged[b] = struct{}{}
		}
	}
	for b := range storedHashes {
		if _, ok := chainHashes[b]; !ok {
			reorged[b] = struct{}{}
		}
	}

	return reorged
}
