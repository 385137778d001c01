// Package insertion runs the single background worker that persists the
// forward scanner's transfer batches and watermark advances, decoupling
// database latency from the scanner's fetch pipeline. The reconciler writes
// its finality changes to the store directly, not through this worker.
package insertion

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethindex/erc20indexer/internal/logger"
	"github.com/ethindex/erc20indexer/internal/metrics"
	"github.com/ethindex/erc20indexer/internal/store"
)

// Batch is one unit of work submitted by the scanner: a
// (possibly empty) set of transfers to persist, plus the watermark to
// advance once they land. IsFinalized controls which watermark
// (last_processed_block or last_processed_finalized_block) this batch
// advances; FinalizedThrough is the separate, per-transfer threshold at or
// below which an individual transfer is already covered by finality and must be
// persisted with is_finalized=true regardless of IsFinalized.
type Batch struct {
	Transfers        []*store.Transfer
	EndBlock         uint64
	IsFinalized      bool
	FinalizedThrough uint64
}

// Worker drains a channel of Batches and writes them sequentially, so every
// submitted batch and its corresponding watermark advance are written from
// one goroutine, in submission order.
type Worker struct {
	token    *store.TokenRepository
	transfer *store.TransferRepository
	address  common.Address
	log      *logger.Logger

	queue  chan Batch
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWorker constructs a Worker for address with the given queue depth.
func NewWorker(token *store.TokenRepository, transfer *store.TransferRepository, address common.Address, queueDepth int, log *logger.Logger) *Worker {
	return &Worker{
		token:    token,
		transfer: transfer,
		address:  address,
		log:      log.WithComponent("insertion"),
		queue:    make(chan Batch, queueDepth),
	}
}

// Submit enqueues a batch, blocking if the queue is full. It returns
// ctx.Err() if ctx is cancelled before the batch is queued.
func (w *Worker) Submit(ctx context.Context, batch Batch) error {
	select {
	case w.queue <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the worker goroutine. Call Stop to drain and shut it down.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Stop signals the worker to exit once its queue drains and waits for it.
func (w *Worker) Stop() {
	close(w.queue)
	if w.cancel != nil {
		defer w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case batch, ok := <-w.queue:
			if !ok {
				return
			}
			w.process(batch)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) process(batch Batch) {
	start := time.Now()

	if len(batch.Transfers) > 0 {
		var finalized, pending []*store.Transfer
		for _, t := range batch.Transfers {
			if t.BlockNumber <= batch.FinalizedThrough {
				finalized = append(finalized, t)
			} else {
				pending = append(pending, t)
			}
		}

		inserted := 0
		for _, group := range []struct {
			rows        []*store.Transfer
			isFinalized bool
		}{
			{finalized, true},
			{pending, false},
		} {
			if len(group.rows) == 0 {
				continue
			}
			n, err := w.transfer.InsertBatch(group.rows, group.isFinalized)
			if err != nil {
				w.log.Errorw("insert transfer batch failed", "error", err, "count", len(group.rows))
				metrics.ErrorsInc("insertion", "batch")
				return
			}
			inserted += n
		}
		w.log.Debugw("inserted transfers", "inserted", inserted, "requested", len(batch.Transfers), "elapsed", time.Since(start))
	}

	var err error
	if batch.IsFinalized {
		err = w.token.SetLastProcessedFinalizedBlock(w.address, batch.EndBlock)
	} else {
		err = w.token.SetLastProcessedBlock(w.address, batch.EndBlock)
	}
	if err != nil {
		w.log.Errorw("advance watermark failed", "error", err, "end_block", batch.EndBlock, "finalized", batch.IsFinalized)
		metrics.ErrorsInc("insertion", "watermark")
		return
	}

	w.log.Debugw("advanced watermark", "end_block", batch.EndBlock, "finalized", batch.IsFinalized)
}
