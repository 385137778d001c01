// Package indexer wires the RPC pool, store, insertion worker, forward
// scanner, and finality reconciler into the running process for a single
// tracked contract.
package indexer

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethindex/erc20indexer/internal/api"
	"github.com/ethindex/erc20indexer/internal/config"
	"github.com/ethindex/erc20indexer/internal/db"
	"github.com/ethindex/erc20indexer/internal/deployment"
	"github.com/ethindex/erc20indexer/internal/events"
	"github.com/ethindex/erc20indexer/internal/insertion"
	"github.com/ethindex/erc20indexer/internal/logger"
	"github.com/ethindex/erc20indexer/internal/metadata"
	"github.com/ethindex/erc20indexer/internal/query"
	"github.com/ethindex/erc20indexer/internal/reconciler"
	"github.com/ethindex/erc20indexer/internal/rpc"
	"github.com/ethindex/erc20indexer/internal/scanner"
	"github.com/ethindex/erc20indexer/internal/store"
	"github.com/ethindex/erc20indexer/internal/store/migrations"
	"golang.org/x/sync/errgroup"
)

// insertionQueueDepth matches the bounded channel depth the insertion
// worker is specified to hold between the scanner and the store.
const insertionQueueDepth = 10

// rpcClient is the full surface Indexer itself needs from rpc.Pool, beyond
// what it hands down to the scanner and reconciler (which declare their
// own narrower interfaces).
type rpcClient interface {
	LatestBlock(ctx context.Context) (uint64, error)
	FinalizedBlock(ctx context.Context) (uint64, error)
	Logs(ctx context.Context, from, to uint64, address common.Address, topic0 common.Hash) ([]types.Log, uint64, error)
	CodeAt(ctx context.Context, address common.Address, blockNum *big.Int) ([]byte, error)
	Call(ctx context.Context, address common.Address, calldata []byte, blockNum *big.Int) ([]byte, error)
	Close()
}

// Indexer owns the full ingest pipeline for one contract address: it
// ensures the token row and metadata exist, then runs the forward scanner
// and finality reconciler concurrently until ctx is cancelled.
type Indexer struct {
	cfg *config.Config
	log *logger.Logger

	rpcClient rpcClient
	sqlDB     *sql.DB

	token    *store.TokenRepository
	transfer *store.TransferRepository
	balance  *store.BalanceRepository

	worker      *insertion.Worker
	scan        *scanner.Scanner
	recon       *reconciler.Reconciler
	apiSrv      *api.Server
	maintenance db.Maintenance
}

// New dials the RPC pool, opens and migrates the database, and constructs
// every collaborator. It does not yet touch the chain beyond dialing.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Indexer, error) {
	rpcPool, err := rpc.NewPool(ctx, cfg.RPCURLs, &cfg.Retry)
	if err != nil {
		return nil, fmt.Errorf("indexer: dial rpc pool: %w", err)
	}

	sqlDB, err := db.NewSQLiteDBFromConfig(cfg.Database)
	if err != nil {
		rpcPool.Close()
		return nil, fmt.Errorf("indexer: open database: %w", err)
	}

	idx, err := newFromDeps(rpcPool, sqlDB, cfg, log)
	if err != nil {
		sqlDB.Close()
		rpcPool.Close()
		return nil, err
	}
	return idx, nil
}

// newFromDeps wires an Indexer from already-constructed collaborators. New
// uses it with a real rpc.Pool; tests use it with a fake rpcClient.
func newFromDeps(client rpcClient, sqlDB *sql.DB, cfg *config.Config, log *logger.Logger) (*Indexer, error) {
	if err := migrations.Run(log, sqlDB); err != nil {
		return nil, fmt.Errorf("indexer: run migrations: %w", err)
	}

	tokenRepo := store.NewTokenRepository(sqlDB)
	transferRepo := store.NewTransferRepository(sqlDB)
	balanceRepo := store.NewBalanceRepository(sqlDB)

	worker := insertion.NewWorker(tokenRepo, transferRepo, cfg.ContractAddress, insertionQueueDepth, log)
	scan := scanner.New(client, worker, tokenRepo, cfg.ContractAddress, events.Topic0, cfg, log)
	recon := reconciler.New(client, tokenRepo, transferRepo, balanceRepo, cfg.ContractAddress, events.Topic0, cfg, log)

	querySvc := query.NewService(tokenRepo, transferRepo, balanceRepo, cfg.ContractAddress)
	apiSrv := api.NewServer(&cfg.API, querySvc, tokenRepo, cfg.ContractAddress, log)
	maintenance := db.NewMaintenanceCoordinator(cfg.Database.Path, sqlDB, cfg.Maintenance, log)

	return &Indexer{
		cfg:         cfg,
		log:         log.WithComponent("indexer"),
		rpcClient:   client,
		sqlDB:       sqlDB,
		token:       tokenRepo,
		transfer:    transferRepo,
		balance:     balanceRepo,
		worker:      worker,
		scan:        scan,
		recon:       recon,
		apiSrv:      apiSrv,
		maintenance: maintenance,
	}, nil
}

// Close releases the RPC pool and database handle. Call after Run returns.
func (idx *Indexer) Close() error {
	idx.rpcClient.Close()
	return idx.sqlDB.Close()
}

// Run ensures the token row and metadata exist, performs the startup
// reconciliation pass, then drives the forward scanner and periodic
// finality reconciler until ctx is cancelled or one of them fails fatally.
func (idx *Indexer) Run(ctx context.Context) error {
	token, err := idx.ensureToken(ctx)
	if err != nil {
		return fmt.Errorf("indexer: ensure token: %w", err)
	}

	if !token.Name.Valid && !token.Symbol.Valid && !token.Decimals.Valid {
		idx.fetchMetadata(ctx, token.DeploymentBlock)
	}

	idx.worker.Start(ctx)
	defer idx.worker.Stop()

	idx.log.Infow("running startup finality reconciliation")
	if err := idx.recon.Tick(ctx, true); err != nil {
		idx.log.Errorw("startup reconciliation failed", "error", err)
	}

	token, err = idx.token.Get(idx.cfg.ContractAddress)
	if err != nil {
		return fmt.Errorf("indexer: reload token after startup reconciliation: %w", err)
	}
	startBlock := token.DeploymentBlock
	if token.LastProcessedBlock.Valid {
		startBlock = uint64(token.LastProcessedBlock.Int64) + 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := idx.scan.Run(gctx, startBlock)
		if err == context.Canceled || err == context.DeadlineExceeded {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return idx.runReconcilerLoop(gctx)
	})
	g.Go(func() error {
		return idx.apiSrv.Start(gctx)
	})
	g.Go(func() error {
		if err := idx.maintenance.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		idx.maintenance.Stop()
		return nil
	})

	return g.Wait()
}

func (idx *Indexer) runReconcilerLoop(ctx context.Context) error {
	ticker := time.NewTicker(idx.cfg.FinalityInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := idx.recon.Tick(ctx, false); err != nil {
				idx.log.Errorw("reconciliation tick failed", "error", err)
			}
		}
	}
}

// ensureToken returns the tracked token's row, locating and persisting its
// deployment block via binary search the first time it is seen.
func (idx *Indexer) ensureToken(ctx context.Context) (*store.Token, error) {
	existing, err := idx.token.Get(idx.cfg.ContractAddress)
	if err == nil {
		return existing, nil
	}

	idx.log.Infow("locating deployment block", "address", idx.cfg.ContractAddress.Hex())
	latest, err := idx.rpcClient.LatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch latest block: %w", err)
	}

	deploymentBlock, err := deployment.Find(ctx, idx.rpcClient, idx.cfg.ContractAddress, latest)
	if err != nil {
		return nil, fmt.Errorf("locate deployment block: %w", err)
	}

	token, err := idx.token.GetOrCreate(idx.cfg.ContractAddress, deploymentBlock)
	if err != nil {
		return nil, fmt.Errorf("persist token: %w", err)
	}

	idx.log.Infow("deployment block located", "block", deploymentBlock)
	return token, nil
}

func (idx *Indexer) fetchMetadata(ctx context.Context, atBlock uint64) {
	md := metadata.Fetch(ctx, idx.rpcClient, idx.cfg.ContractAddress, new(big.Int).SetUint64(atBlock))

	if err := idx.token.SetMetadata(idx.cfg.ContractAddress, md.Name, md.Symbol, md.Decimals, md.HasName, md.HasSymbol, md.HasDecimals); err != nil {
		idx.log.Errorw("persist token metadata failed", "error", err)
		return
	}

	idx.log.Infow("token metadata resolved", "name", md.Name, "symbol", md.Symbol, "decimals", md.Decimals,
		"has_name", md.HasName, "has_symbol", md.HasSymbol, "has_decimals", md.HasDecimals)
}

// RebuildBalances recomputes the balance table from scratch by replaying
// every finalized transfer for the tracked contract. Intended for manual
// recovery after suspected ledger corruption, not for routine startup.
func (idx *Indexer) RebuildBalances(ctx context.Context) error {
	token, err := idx.token.Get(idx.cfg.ContractAddress)
	if err != nil {
		return fmt.Errorf("indexer: load token: %w", err)
	}
	if !token.LastProcessedFinalizedBlock.Valid {
		return nil
	}

	maxBlock := uint64(token.LastProcessedFinalizedBlock.Int64)
	if err := idx.balance.PopulateFromFinalized(idx.cfg.ContractAddress, idx.transfer, maxBlock); err != nil {
		return fmt.Errorf("indexer: rebuild balances: %w", err)
	}
	return nil
}
