package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	erc20config "github.com/ethindex/erc20indexer/internal/config"
	erc20db "github.com/ethindex/erc20indexer/internal/db"
	"github.com/ethindex/erc20indexer/internal/indexer"
	"github.com/ethindex/erc20indexer/internal/logger"
	"github.com/ethindex/erc20indexer/internal/metrics"
	"github.com/ethindex/erc20indexer/internal/query"
	"github.com/ethindex/erc20indexer/internal/store"
	"github.com/ethindex/erc20indexer/internal/store/migrations"
	"github.com/spf13/cobra"
)

const (
	version = "1.0.0"
	banner  = `
╔═══════════════════════════════════════════╗
║        ERC-20 Transfer Indexer v%s     ║
║   Crash-safe, reorg-aware chain indexing  ║
╚═══════════════════════════════════════════╝
`
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "indexer",
	Short:   "Crash-safe, reorg-aware ERC-20 Transfer event indexer",
	Version: version,
	RunE:    runIndexer,
}

func init() {
	rootCmd.AddCommand(migrateCmd, rebuildBalancesCmd, queryCmd)
}

func runIndexer(cmd *cobra.Command, args []string) error {
	fmt.Printf(banner, version)

	cfg, err := erc20config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infow("shutdown signal received")
		cancel()
	}()

	metricsSrv := metrics.NewServer(cfg.Metrics, log)
	if err := metricsSrv.Start(ctx); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	defer func() {
		if err := metricsSrv.Stop(context.Background()); err != nil {
			log.Warnw("metrics server stop failed", "error", err)
		}
	}()

	idx, err := indexer.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("construct indexer: %w", err)
	}
	defer idx.Close() //nolint:errcheck

	log.Infow("starting indexer", "contract", cfg.ContractAddress.Hex(), "rpc_urls", len(cfg.RPCURLs))
	if err := idx.Run(ctx); err != nil {
		return fmt.Errorf("indexer run: %w", err)
	}

	log.Infow("indexer stopped")
	return nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := erc20config.LoadFromEnv()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log, err := logger.NewLogger(cfg.LogLevel, cfg.LogDevelopment)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer log.Close() //nolint:errcheck

		sqlDB, err := erc20db.NewSQLiteDBFromConfig(cfg.Database)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer sqlDB.Close()

		if err := migrations.Run(log, sqlDB); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		fmt.Println("migrations applied")
		return nil
	},
}

var rebuildBalancesCmd = &cobra.Command{
	Use:   "rebuild-balances",
	Short: "Recompute the balances table from scratch by replaying finalized transfers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := erc20config.LoadFromEnv()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log, err := logger.NewLogger(cfg.LogLevel, cfg.LogDevelopment)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer log.Close() //nolint:errcheck

		ctx := context.Background()
		idx, err := indexer.New(ctx, cfg, log)
		if err != nil {
			return fmt.Errorf("construct indexer: %w", err)
		}
		defer idx.Close() //nolint:errcheck

		if err := idx.RebuildBalances(ctx); err != nil {
			return fmt.Errorf("rebuild balances: %w", err)
		}
		fmt.Println("balances rebuilt")
		return nil
	},
}

var queryFormat string

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query indexed transfer data",
}

func init() {
	queryCmd.PersistentFlags().StringVarP(&queryFormat, "format", "f", "table", "output format: table, json, or csv")
	queryCmd.AddCommand(balanceCmd, transfersCmd, topHoldersCmd, statsCmd, addressHistoryCmd)
}

func openQueryService() (*query.Service, *erc20config.Config, func(), error) {
	cfg, err := erc20config.LoadFromEnv()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	sqlDB, err := erc20db.NewSQLiteDBFromConfig(cfg.Database)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}

	tokenRepo := store.NewTokenRepository(sqlDB)
	transferRepo := store.NewTransferRepository(sqlDB)
	balanceRepo := store.NewBalanceRepository(sqlDB)
	svc := query.NewService(tokenRepo, transferRepo, balanceRepo, cfg.ContractAddress)

	return svc, cfg, func() { sqlDB.Close() }, nil
}

var balanceCmd = &cobra.Command{
	Use:   "balance [address]",
	Short: "Report an address's current balance and lifetime totals",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !common.IsHexAddress(args[0]) {
			return fmt.Errorf("invalid address: %s", args[0])
		}
		svc, _, closeFn, err := openQueryService()
		if err != nil {
			return err
		}
		defer closeFn()

		out, err := svc.Balance(common.HexToAddress(args[0]), query.ParseOutputFormat(queryFormat))
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var (
	transfersFrom       string
	transfersTo         string
	transfersBlock      int64
	transfersBlockRange []uint64
	transfersLimit      int
	transfersOffset     int
)

var transfersCmd = &cobra.Command{
	Use:   "transfers",
	Short: "Query transfers by sender, recipient, or block",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, closeFn, err := openQueryService()
		if err != nil {
			return err
		}
		defer closeFn()

		q := query.TransferQuery{Limit: transfersLimit, Offset: transfersOffset}
		if transfersFrom != "" {
			if !common.IsHexAddress(transfersFrom) {
				return fmt.Errorf("invalid --from address: %s", transfersFrom)
			}
			addr := common.HexToAddress(transfersFrom)
			q.From = &addr
		}
		if transfersTo != "" {
			if !common.IsHexAddress(transfersTo) {
				return fmt.Errorf("invalid --to address: %s", transfersTo)
			}
			addr := common.HexToAddress(transfersTo)
			q.To = &addr
		}
		if transfersBlock >= 0 {
			b := uint64(transfersBlock)
			q.Block = &b
		}
		if len(transfersBlockRange) == 2 {
			q.BlockRange = &[2]uint64{transfersBlockRange[0], transfersBlockRange[1]}
		}

		out, err := svc.Transfers(q, query.ParseOutputFormat(queryFormat))
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

func init() {
	transfersCmd.Flags().StringVar(&transfersFrom, "from", "", "filter by sender address")
	transfersCmd.Flags().StringVar(&transfersTo, "to", "", "filter by recipient address")
	transfersCmd.Flags().Int64Var(&transfersBlock, "block", -1, "filter by exact block number")
	transfersCmd.Flags().Uint64SliceVar(&transfersBlockRange, "block-range", nil, "filter by [start,end] block range")
	transfersCmd.Flags().IntVar(&transfersLimit, "limit", 100, "maximum rows to return")
	transfersCmd.Flags().IntVar(&transfersOffset, "offset", 0, "rows to skip")
}

var topHoldersCount int

var topHoldersCmd = &cobra.Command{
	Use:   "top-holders",
	Short: "List the largest current balances",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, closeFn, err := openQueryService()
		if err != nil {
			return err
		}
		defer closeFn()

		out, err := svc.TopHolders(topHoldersCount, query.ParseOutputFormat(queryFormat))
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

func init() {
	topHoldersCmd.Flags().IntVar(&topHoldersCount, "count", 10, "number of holders to list")
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Report aggregate transfer counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, closeFn, err := openQueryService()
		if err != nil {
			return err
		}
		defer closeFn()

		out, err := svc.Stats(query.ParseOutputFormat(queryFormat))
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var (
	addressHistoryLimit  int
	addressHistoryOffset int
)

var addressHistoryCmd = &cobra.Command{
	Use:   "address-history [address]",
	Short: "List every transfer touching an address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !common.IsHexAddress(args[0]) {
			return fmt.Errorf("invalid address: %s", args[0])
		}
		svc, _, closeFn, err := openQueryService()
		if err != nil {
			return err
		}
		defer closeFn()

		out, err := svc.AddressHistory(common.HexToAddress(args[0]), addressHistoryLimit, addressHistoryOffset, query.ParseOutputFormat(queryFormat))
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

func init() {
	addressHistoryCmd.Flags().IntVar(&addressHistoryLimit, "limit", 100, "maximum rows to return")
	addressHistoryCmd.Flags().IntVar(&addressHistoryOffset, "offset", 0, "rows to skip")
}
