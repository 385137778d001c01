// Package scanner drives the head-chasing forward loop: it pipelines
// concurrent ranged log fetches against the RPC pool while preserving
// strict in-order delivery to the insertion worker.
package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethindex/erc20indexer/internal/config"
	"github.com/ethindex/erc20indexer/internal/events"
	"github.com/ethindex/erc20indexer/internal/insertion"
	"github.com/ethindex/erc20indexer/internal/logger"
	"github.com/ethindex/erc20indexer/internal/metrics"
	"github.com/ethindex/erc20indexer/internal/store"
	"golang.org/x/sync/semaphore"
)

// logFetcher is satisfied by rpc.Pool.
type logFetcher interface {
	Logs(ctx context.Context, from, to uint64, address common.Address, topic0 common.Hash) (logs []types.Log, servedTo uint64, err error)
	LatestBlock(ctx context.Context) (uint64, error)
}

// window is one submitted [from, to] fetch request, plus the channel its
// result lands on once the fetch completes.
type window struct {
	from, to uint64
	result   chan fetchResult
}

type fetchResult struct {
	logs     []types.Log
	servedTo uint64
	err      error
}

// Scanner owns the forward-scanning pipeline for a single tracked token.
type Scanner struct {
	rpc     logFetcher
	worker  *insertion.Worker
	token   *store.TokenRepository
	address common.Address
	topic0  common.Hash
	cfg     *config.Config
	log     *logger.Logger

	sem *semaphore.Weighted
}

// New constructs a Scanner. cfg supplies BatchSize, RateLimitDelay,
// MaxPendingRequests, and BlockTime. token is consulted on every processed
// range to tag transfers already covered by the finality watermark.
func New(rpcPool logFetcher, worker *insertion.Worker, token *store.TokenRepository, address common.Address, topic0 common.Hash, cfg *config.Config, log *logger.Logger) *Scanner {
	return &Scanner{
		rpc:     rpcPool,
		worker:  worker,
		token:   token,
		address: address,
		topic0:  topic0,
		cfg:     cfg,
		log:     log.WithComponent("scanner"),
		sem:     semaphore.NewWeighted(int64(cfg.MaxPendingRequests)),
	}
}

// Run drives the forward scan until ctx is cancelled or a fatal error
// occurs (decode failure or RPC retry exhaustion). startBlock is the block
// to resume fetching from (typically last_processed_block + 1).
func (s *Scanner) Run(ctx context.Context, startBlock uint64) error {
	nextToFetch := startBlock

	latest, err := s.rpc.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("scanner: initial latest block: %w", err)
	}

	pending := make(chan window, s.cfg.MaxPendingRequests)
	ticker := time.NewTicker(s.cfg.RateLimitDelay.Duration)
	defer ticker.Stop()

	idleTicker := time.NewTicker(s.cfg.BlockTime.Duration)
	defer idleTicker.Stop()

	inFlight := 0

	// remainders holds the uncovered tail of a window the adaptive splitter
	// only partially served. Its blocks always precede every window still
	// in pending (those were only ever enqueued for ranges starting after
	// the original, fully-assumed upper bound), so draining it first keeps
	// delivery in strict ascending order without rewinding nextToFetch past
	// windows already in flight.
	var remainders []window

	submit := func() {
		for inFlight < s.cfg.MaxPendingRequests && nextToFetch <= latest {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return
			}

			to := nextToFetch + s.cfg.BatchSize - 1
			if to > latest {
				to = latest
			}
			w := window{from: nextToFetch, to: to, result: make(chan fetchResult, 1)}

			go s.fetch(ctx, w)

			select {
			case pending <- w:
			case <-ctx.Done():
				s.sem.Release(1)
				return
			}

			inFlight++
			nextToFetch = to + 1
		}
	}

	for {
		if len(remainders) > 0 {
			rw := remainders[0]
			remainders = remainders[1:]

			logs, servedTo, err := s.rpc.Logs(ctx, rw.from, rw.to, s.address, s.topic0)
			if err != nil {
				return fmt.Errorf("scanner: fetch remainder [%d,%d]: %w", rw.from, rw.to, err)
			}
			if err := s.process(ctx, rw.from, servedTo, logs); err != nil {
				return err
			}
			if servedTo < rw.to {
				remainders = append([]window{{from: servedTo + 1, to: rw.to}}, remainders...)
			}
			continue
		}

		submit()

		if nextToFetch > latest && inFlight == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-idleTicker.C:
				latest, err = s.rpc.LatestBlock(ctx)
				if err != nil {
					s.log.Errorw("refresh latest block failed", "error", err)
				}
				continue
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case w := <-pending:
			res := <-w.result
			s.sem.Release(1)
			inFlight--

			if res.err != nil {
				return fmt.Errorf("scanner: fetch [%d,%d]: %w", w.from, w.to, res.err)
			}

			if err := s.process(ctx, w.from, res.servedTo, res.logs); err != nil {
				return err
			}

			if res.servedTo < w.to {
				remainders = append(remainders, window{from: res.servedTo + 1, to: w.to})
			}

		case <-ticker.C:
			// submission gate; re-enter the loop to call submit() again
		}
	}
}

func (s *Scanner) fetch(ctx context.Context, w window) {
	logs, servedTo, err := s.rpc.Logs(ctx, w.from, w.to, s.address, s.topic0)
	w.result <- fetchResult{logs: logs, servedTo: servedTo, err: err}
}

func (s *Scanner) process(ctx context.Context, from, to uint64, logs []types.Log) error {
	transfers := events.DecodeTransfers(logs)
	if len(transfers) != len(logs) {
		return fmt.Errorf("scanner: decode failure in range [%d,%d]", from, to)
	}

	storeTransfers := make([]*store.Transfer, 0, len(transfers))
	for _, t := range transfers {
		storeTransfers = append(storeTransfers, &store.Transfer{
			TxHash:       t.TxHash,
			LogIndex:     t.LogIndex,
			TokenAddress: s.address,
			From:         t.From,
			To:           t.To,
			Value:        t.Value,
			BlockNumber:  t.BlockNumber,
			BlockHash:    t.BlockHash,
		})
	}

	// The finality watermark can run ahead of what this scanner has
	// ingested (a startup reconciliation pass may finalize blocks before
	// the forward scan reaches them), so a range being processed now can
	// straddle the boundary and needs per-transfer tagging rather than one
	// flag for the whole batch.
	finalizedThrough, err := s.finalizedWatermark()
	if err != nil {
		return fmt.Errorf("scanner: read finality watermark: %w", err)
	}

	batch := insertion.Batch{
		Transfers:        storeTransfers,
		EndBlock:         to,
		IsFinalized:      false,
		FinalizedThrough: finalizedThrough,
	}

	metrics.RPCMethodInc("scanner_process_range")
	if err := s.worker.Submit(ctx, batch); err != nil {
		return fmt.Errorf("scanner: submit batch [%d,%d]: %w", from, to, err)
	}

	return nil
}

// finalizedWatermark returns the token's current last_processed_finalized_block,
// or 0 if the reconciler has not finalized anything yet.
func (s *Scanner) finalizedWatermark() (uint64, error) {
	token, err := s.token.Get(s.address)
	if err != nil {
		return 0, err
	}
	if !token.LastProcessedFinalizedBlock.Valid {
		return 0, nil
	}
	return uint64(token.LastProcessedFinalizedBlock.Int64), nil
}
