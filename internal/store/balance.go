package store

import (
	"database/sql"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethindex/erc20indexer/internal/db"
	"github.com/ethindex/erc20indexer/internal/events"
	"github.com/ethindex/erc20indexer/internal/metrics"
	"github.com/russross/meddler"
)

// bootstrapChunkSize is the batch size populate_from_finalized writes in.
const bootstrapChunkSize = 10_000

// twoPow256 is the modulus used for wrapping arithmetic during bootstrap
// replay, where balances may transiently go negative depending on replay
// order and must wrap the same way a 256-bit EVM integer would.
var twoPow256 = new(big.Int).Lsh(big.NewInt(1), 256)

// Balance is a persisted non-zero address balance.
type Balance struct {
	Address       common.Address `meddler:"address,address"`
	BalancePadded *big.Int       `meddler:"balance_padded,u256"`
}

// BalanceRepository persists the derived balances table.
type BalanceRepository struct {
	DB *sql.DB
}

// NewBalanceRepository wraps an open database handle.
func NewBalanceRepository(sqlDB *sql.DB) *BalanceRepository {
	return &BalanceRepository{DB: sqlDB}
}

// Get returns the current balance of address, or zero if it has no row
// (an absent row means a zero balance, per invariant).
func (r *BalanceRepository) Get(address common.Address) (*big.Int, error) {
	var padded string
	err := r.DB.QueryRow(`SELECT balance_padded FROM balances WHERE address = ?`, address.Hex()).Scan(&padded)
	metrics.DBQueryInc("balance_get")
	if err == sql.ErrNoRows {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get balance: %w", err)
	}
	return db.ParsePadded(padded), nil
}

// TopHolders returns up to limit addresses ordered by balance descending.
func (r *BalanceRepository) TopHolders(limit int) ([]*Balance, error) {
	var balances []*Balance
	err := meddler.QueryAll(r.DB, &balances,
		`SELECT * FROM balances ORDER BY balance_padded DESC LIMIT ?`, limit)
	metrics.DBQueryInc("balance_top_holders")
	if err != nil {
		return nil, fmt.Errorf("store: top holders: %w", err)
	}
	return balances, nil
}

// Apply aggregates credits and debits from a batch of newly-finalized
// transfers and applies them to the stored balances in a single
// transaction. The subtraction is saturating: a balance never goes below
// zero from this path, even if the recorded credits for an address are
// inconsistent with its debits.
func (r *BalanceRepository) Apply(transfers []*events.Transfer) error {
	if len(transfers) == 0 {
		return nil
	}

	credits := make(map[common.Address]*big.Int)
	debits := make(map[common.Address]*big.Int)

	addCredit := func(addr common.Address, v *big.Int) {
		cur, ok := credits[addr]
		if !ok {
			cur = new(big.Int)
		}
		credits[addr] = new(big.Int).Add(cur, v)
	}
	addDebit := func(addr common.Address, v *big.Int) {
		cur, ok := debits[addr]
		if !ok {
			cur = new(big.Int)
		}
		debits[addr] = new(big.Int).Add(cur, v)
	}

	for _, t := range transfers {
		addCredit(t.To, t.Value)
		addDebit(t.From, t.Value)
	}

	affected := make(map[common.Address]struct{}, len(credits)+len(debits))
	for addr := range credits {
		affected[addr] = struct{}{}
	}
	for addr := range debits {
		affected[addr] = struct{}{}
	}

	tx, err := r.DB.Begin()
	if err != nil {
		return fmt.Errorf("store: begin balance apply: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for addr := range affected {
		current, err := balanceInTx(tx, addr)
		if err != nil {
			return fmt.Errorf("store: read balance for %s: %w", addr.Hex(), err)
		}

		if credit, ok := credits[addr]; ok {
			current = new(big.Int).Add(current, credit)
		}
		if debit, ok := debits[addr]; ok {
			current = saturatingSub(current, debit)
		}

		if err := upsertOrDeleteBalance(tx, addr, current); err != nil {
			return fmt.Errorf("store: write balance for %s: %w", addr.Hex(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit balance apply: %w", err)
	}

	metrics.BalanceApplyOps.Inc()
	metrics.BalanceAddressesTouched.Add(float64(len(affected)))
	metrics.DBQueryInc("balance_apply")
	return nil
}

// PopulateFromFinalized recomputes every address's balance from scratch by
// replaying every finalized transfer for tokenAddress, in chunks. Bootstrap
// replay may process senders before their crediting transfer due to
// pagination order, so intermediate sums use wrapping arithmetic; the
// final total is only correct once the entire finalized stream has been
// replayed.
func (r *BalanceRepository) PopulateFromFinalized(tokenAddress common.Address, transfers *TransferRepository, maxBlock uint64) error {
	running := make(map[common.Address]*big.Int)

	var from uint64
	for from <= maxBlock {
		to := from + bootstrapChunkSize - 1
		if to > maxBlock {
			to = maxBlock
		}

		chunk, err := transfers.FinalizedInRange(tokenAddress, from, to)
		if err != nil {
			return fmt.Errorf("store: bootstrap fetch range [%d,%d]: %w", from, to, err)
		}

		for _, t := range chunk {
			creditTo(running, t.To, t.Value)
			debitFrom(running, t.From, t.Value)
		}

		if to == maxBlock {
			break
		}
		from = to + 1
	}

	return r.writeBootstrapResult(running)
}

func (r *BalanceRepository) writeBootstrapResult(balances map[common.Address]*big.Int) error {
	addrs := make([]common.Address, 0, len(balances))
	for addr := range balances {
		addrs = append(addrs, addr)
	}

	for i := 0; i < len(addrs); i += bootstrapChunkSize {
		end := i + bootstrapChunkSize
		if end > len(addrs) {
			end = len(addrs)
		}

		tx, err := r.DB.Begin()
		if err != nil {
			return fmt.Errorf("store: begin bootstrap write: %w", err)
		}

		for _, addr := range addrs[i:end] {
			if err := upsertOrDeleteBalance(tx, addr, balances[addr]); err != nil {
				tx.Rollback() //nolint:errcheck
				return fmt.Errorf("store: write bootstrap balance for %s: %w", addr.Hex(), err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit bootstrap write: %w", err)
		}
	}

	return nil
}

func balanceInTx(tx *sql.Tx, address common.Address) (*big.Int, error) {
	var padded string
	err := tx.QueryRow(`SELECT balance_padded FROM balances WHERE address = ?`, address.Hex()).Scan(&padded)
	if err == sql.ErrNoRows {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return db.ParsePadded(padded), nil
}

func upsertOrDeleteBalance(tx *sql.Tx, address common.Address, balance *big.Int) error {
	if balance.Sign() > 0 {
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO balances (address, balance_padded) VALUES (?, ?)`,
			address.Hex(), db.PadValue(balance),
		)
		return err
	}
	_, err := tx.Exec(`DELETE FROM balances WHERE address = ?`, address.Hex())
	return err
}

// saturatingSub returns max(a-b, 0).
func saturatingSub(a, b *big.Int) *big.Int {
	if a.Cmp(b) < 0 {
		return new(big.Int)
	}
	return new(big.Int).Sub(a, b)
}

// creditTo and debitFrom emulate 256-bit modular arithmetic so the
// bootstrap accumulator tolerates replay order where a debit is observed
// before its matching credit.
func creditTo(balances map[common.Address]*big.Int, addr common.Address, value *big.Int) {
	cur, ok := balances[addr]
	if !ok {
		cur = new(big.Int)
	}
	balances[addr] = wrapMod(new(big.Int).Add(cur, value))
}

func debitFrom(balances map[common.Address]*big.Int, addr common.Address, value *big.Int) {
	cur, ok := balances[addr]
	if !ok {
		cur = new(big.Int)
	}
	balances[addr] = wrapMod(new(big.Int).Sub(cur, value))
}

func wrapMod(v *big.Int) *big.Int {
	return new(big.Int).Mod(v, twoPow256)
}
