package store

import (
	"database/sql"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethindex/erc20indexer/internal/db"
	"github.com/ethindex/erc20indexer/internal/metrics"
	"github.com/russross/meddler"
)

// Transfer is a persisted ERC-20 Transfer row.
type Transfer struct {
	TxHash       common.Hash    `meddler:"transaction_hash,hash"`
	LogIndex     uint           `meddler:"log_index"`
	TokenAddress common.Address `meddler:"token_address,address"`
	From         common.Address `meddler:"from_address,address"`
	To           common.Address `meddler:"to_address,address"`
	Value        *big.Int       `meddler:"value,u256"`
	BlockNumber  uint64         `meddler:"block_number"`
	BlockHash    common.Hash    `meddler:"block_hash,hash"`
	IsFinalized  bool           `meddler:"is_finalized"`
}

// TransferRepository persists the transfers table.
type TransferRepository struct {
	DB *sql.DB
}

// NewTransferRepository wraps an open database handle.
func NewTransferRepository(sqlDB *sql.DB) *TransferRepository {
	return &TransferRepository{DB: sqlDB}
}

// InsertBatch idempotently inserts transfers, keyed by
// (transaction_hash, log_index). isFinalized marks every inserted row's
// finality. Returns the number of rows actually inserted (as opposed to
// ignored because they already existed).
func (r *TransferRepository) InsertBatch(transfers []*Transfer, isFinalized bool) (int, error) {
	if len(transfers) == 0 {
		return 0, nil
	}

	tx, err := r.DB.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: begin insert batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	inserted := 0
	for _, t := range transfers {
		n, err := insertTransfer(tx, t, isFinalized)
		if err != nil {
			return 0, fmt.Errorf("store: insert transfer %s/%d: %w", t.TxHash.Hex(), t.LogIndex, err)
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit insert batch: %w", err)
	}

	metrics.DBQueryInc("transfer_insert_batch")
	metrics.TransfersInserted.Add(float64(inserted))
	return inserted, nil
}

func insertTransfer(execer sqlExecer, t *Transfer, isFinalized bool) (int, error) {
	res, err := execer.Exec(
		`INSERT OR IGNORE INTO transfers
			(transaction_hash, log_index, token_address, from_address, to_address, value, block_number, block_hash, is_finalized)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TxHash.Hex(), t.LogIndex, t.TokenAddress.Hex(), t.From.Hex(), t.To.Hex(),
		db.PadValue(t.Value), t.BlockNumber, t.BlockHash.Hex(), isFinalized,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// sqlExecer is satisfied by both *sql.DB and *sql.Tx.
type sqlExecer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// BlockHashesInRange returns the hash recorded for each block number with
// at least one transfer in [from, to] for tokenAddress. It returns a
// StoreCorruption if two transfers in the same block disagree on the
// block's hash, which should never happen for a single contiguous chain
// view.
func (r *TransferRepository) BlockHashesInRange(tokenAddress common.Address, from, to uint64) (map[uint64]common.Hash, error) {
	rows, err := r.DB.Query(
		`SELECT block_number, block_hash FROM transfers
		 WHERE token_address = ? AND block_number BETWEEN ? AND ?`,
		tokenAddress.Hex(), from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query block hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[uint64]common.Hash)
	for rows.Next() {
		var blockNum uint64
		var hashHex string
		if err := rows.Scan(&blockNum, &hashHex); err != nil {
			return nil, fmt.Errorf("store: scan block hash: %w", err)
		}

		h := common.HexToHash(hashHex)
		if existing, ok := hashes[blockNum]; ok && existing != h {
			return nil, newStoreCorruption("block %d has conflicting stored hashes %s and %s", blockNum, existing.Hex(), h.Hex())
		}
		hashes[blockNum] = h
	}

	metrics.DBQueryInc("transfer_block_hashes")
	return hashes, rows.Err()
}

// FinalizedBlockSet returns the set of block numbers in [from, to] for
// tokenAddress that already have at least one finalized transfer. Used by
// the reconciler to apply each block's balance delta exactly once: blocks
// absent from this set are being finalized for the first time this tick.
func (r *TransferRepository) FinalizedBlockSet(tokenAddress common.Address, from, to uint64) (map[uint64]bool, error) {
	rows, err := r.DB.Query(
		`SELECT DISTINCT block_number FROM transfers
		 WHERE token_address = ? AND is_finalized = TRUE AND block_number BETWEEN ? AND ?`,
		tokenAddress.Hex(), from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query finalized block set: %w", err)
	}
	defer rows.Close()

	set := make(map[uint64]bool)
	for rows.Next() {
		var blockNum uint64
		if err := rows.Scan(&blockNum); err != nil {
			return nil, fmt.Errorf("store: scan finalized block set: %w", err)
		}
		set[blockNum] = true
	}

	metrics.DBQueryInc("transfer_finalized_block_set")
	return set, rows.Err()
}

// ProcessFinality atomically deletes every transfer in deleteBlocks,
// inserts replacements, and flips is_finalized = true for every transfer
// of tokenAddress in [finalizeFrom, finalizeTo].
func (r *TransferRepository) ProcessFinality(tokenAddress common.Address, deleteBlocks []uint64, replacements []*Transfer, finalizeFrom, finalizeTo uint64) (deleted, inserted int, err error) {
	tx, err := r.DB.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("store: begin process_finality: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if len(deleteBlocks) > 0 {
		placeholders := make([]string, len(deleteBlocks))
		args := make([]any, 0, len(deleteBlocks)+1)
		args = append(args, tokenAddress.Hex())
		for i, b := range deleteBlocks {
			placeholders[i] = "?"
			args = append(args, b)
		}

		query := fmt.Sprintf(
			`DELETE FROM transfers WHERE token_address = ? AND block_number IN (%s)`,
			strings.Join(placeholders, ","),
		)
		res, err := tx.Exec(query, args...)
		if err != nil {
			return 0, 0, fmt.Errorf("store: delete reorged blocks: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, 0, fmt.Errorf("store: rows affected for delete: %w", err)
		}
		deleted = int(n)
	}

	for _, t := range replacements {
		n, err := insertTransfer(tx, t, true)
		if err != nil {
			return 0, 0, fmt.Errorf("store: insert replacement %s/%d: %w", t.TxHash.Hex(), t.LogIndex, err)
		}
		inserted += n
	}

	if _, err := tx.Exec(
		`UPDATE transfers SET is_finalized = TRUE
		 WHERE token_address = ? AND block_number BETWEEN ? AND ?`,
		tokenAddress.Hex(), finalizeFrom, finalizeTo,
	); err != nil {
		return 0, 0, fmt.Errorf("store: finalize window: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("store: commit process_finality: %w", err)
	}

	metrics.DBQueryInc("transfer_process_finality")
	metrics.ReorgBlocksAffected.Observe(float64(len(deleteBlocks)))
	if len(deleteBlocks) > 0 {
		metrics.ReorgsDetected.Inc()
	}

	return deleted, inserted, nil
}

// ByAddress returns the most recent transfers touching address (as sender
// or recipient), newest block first.
func (r *TransferRepository) ByAddress(address common.Address, limit, offset int) ([]*Transfer, error) {
	var transfers []*Transfer
	err := meddler.QueryAll(r.DB, &transfers,
		`SELECT * FROM transfers WHERE from_address = ? OR to_address = ?
		 ORDER BY block_number DESC, log_index DESC LIMIT ? OFFSET ?`,
		address.Hex(), address.Hex(), limit, offset,
	)
	metrics.DBQueryInc("transfer_by_address")
	if err != nil {
		return nil, fmt.Errorf("store: query transfers by address: %w", err)
	}
	return transfers, nil
}

// TransferFilter narrows Query to a subset of transfers. At least one of
// From, To, or BlockRange must be set; a zero-value filter matches no rows
// to avoid an accidental full-table scan from the query surface.
type TransferFilter struct {
	From       *common.Address
	To         *common.Address
	BlockRange *[2]uint64
	Limit      int
	Offset     int
}

// Query returns transfers matching filter, newest block first.
func (r *TransferRepository) Query(filter TransferFilter) ([]*Transfer, error) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if filter.From != nil {
		clauses = append(clauses, "from_address = ?")
		args = append(args, filter.From.Hex())
	}
	if filter.To != nil {
		clauses = append(clauses, "to_address = ?")
		args = append(args, filter.To.Hex())
	}
	if filter.BlockRange != nil {
		clauses = append(clauses, "block_number BETWEEN ? AND ?")
		args = append(args, filter.BlockRange[0], filter.BlockRange[1])
	}
	if len(clauses) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(
		`SELECT * FROM transfers WHERE %s ORDER BY block_number DESC, log_index DESC LIMIT ? OFFSET ?`,
		strings.Join(clauses, " AND "),
	)
	args = append(args, filter.Limit, filter.Offset)

	var transfers []*Transfer
	err := meddler.QueryAll(r.DB, &transfers, query, args...)
	metrics.DBQueryInc("transfer_query")
	if err != nil {
		return nil, fmt.Errorf("store: query transfers: %w", err)
	}
	return transfers, nil
}

// AddressTotals returns the sum of values received and sent by address
// across every recorded transfer (finalized or not), used to report a
// balance alongside its incoming/outgoing components.
func (r *TransferRepository) AddressTotals(address common.Address) (incoming, outgoing *big.Int, err error) {
	incoming, err = r.sumColumn("to_address", address)
	if err != nil {
		return nil, nil, fmt.Errorf("store: sum incoming: %w", err)
	}
	outgoing, err = r.sumColumn("from_address", address)
	if err != nil {
		return nil, nil, fmt.Errorf("store: sum outgoing: %w", err)
	}
	return incoming, outgoing, nil
}

func (r *TransferRepository) sumColumn(column string, address common.Address) (*big.Int, error) {
	rows, err := r.DB.Query(
		fmt.Sprintf(`SELECT value FROM transfers WHERE %s = ?`, column), //nolint:gosec
		address.Hex(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	total := new(big.Int)
	for rows.Next() {
		var padded string
		if err := rows.Scan(&padded); err != nil {
			return nil, err
		}
		total.Add(total, db.ParsePadded(padded))
	}
	return total, rows.Err()
}

// TransferStats summarizes the transfers table for a tracked token.
type TransferStats struct {
	TotalTransfers  int64
	UniqueAddresses int64
	EarliestBlock   sql.NullInt64
	LatestBlock     sql.NullInt64
}

// Statistics computes aggregate counters over every recorded transfer for
// tokenAddress.
func (r *TransferRepository) Statistics(tokenAddress common.Address) (*TransferStats, error) {
	stats := &TransferStats{}
	err := r.DB.QueryRow(
		`SELECT COUNT(*), MIN(block_number), MAX(block_number) FROM transfers WHERE token_address = ?`,
		tokenAddress.Hex(),
	).Scan(&stats.TotalTransfers, &stats.EarliestBlock, &stats.LatestBlock)
	if err != nil {
		return nil, fmt.Errorf("store: transfer counts: %w", err)
	}

	err = r.DB.QueryRow(
		`SELECT COUNT(DISTINCT addr) FROM (
			SELECT from_address AS addr FROM transfers WHERE token_address = ?
			UNION
			SELECT to_address AS addr FROM transfers WHERE token_address = ?
		)`,
		tokenAddress.Hex(), tokenAddress.Hex(),
	).Scan(&stats.UniqueAddresses)
	if err != nil {
		return nil, fmt.Errorf("store: unique addresses: %w", err)
	}

	metrics.DBQueryInc("transfer_statistics")
	return stats, nil
}

// FinalizedInRange returns every finalized transfer for tokenAddress
// within [from, to], used by the balance bootstrap and query surface.
func (r *TransferRepository) FinalizedInRange(tokenAddress common.Address, from, to uint64) ([]*Transfer, error) {
	var transfers []*Transfer
	err := meddler.QueryAll(r.DB, &transfers,
		`SELECT * FROM transfers
		 WHERE token_address = ? AND is_finalized = TRUE AND block_number BETWEEN ? AND ?
		 ORDER BY block_number, log_index`,
		tokenAddress.Hex(), from, to,
	)
	metrics.DBQueryInc("transfer_finalized_in_range")
	if err != nil {
		return nil, fmt.Errorf("store: query finalized transfers: %w", err)
	}
	return transfers, nil
}
