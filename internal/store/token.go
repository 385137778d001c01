package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethindex/erc20indexer/internal/metrics"
	"github.com/russross/meddler"
)

// Token tracks a single tracked contract's processing watermarks and
// optional metadata.
type Token struct {
	Address                     common.Address `meddler:"address,address"`
	DeploymentBlock             uint64         `meddler:"deployment_block"`
	LastProcessedBlock          sql.NullInt64  `meddler:"last_processed_block"`
	LastProcessedFinalizedBlock sql.NullInt64  `meddler:"last_processed_finalized_block"`
	Name                        sql.NullString `meddler:"name"`
	Symbol                      sql.NullString `meddler:"symbol"`
	Decimals                    sql.NullInt64  `meddler:"decimals"`
}

// TokenRepository persists the tokens table.
type TokenRepository struct {
	DB *sql.DB
}

// NewTokenRepository wraps an open database handle.
func NewTokenRepository(sqlDB *sql.DB) *TokenRepository {
	return &TokenRepository{DB: sqlDB}
}

// GetOrCreate returns the Token row for address, creating it with the
// given deployment block if it does not yet exist.
func (r *TokenRepository) GetOrCreate(address common.Address, deploymentBlock uint64) (*Token, error) {
	token, err := r.Get(address)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	token = &Token{Address: address, DeploymentBlock: deploymentBlock}
	if err := meddler.Insert(r.DB, "tokens", token); err != nil {
		return nil, fmt.Errorf("store: insert token: %w", err)
	}
	metrics.DBQueryInc("token_insert")
	return token, nil
}

// Get returns the Token row for address, or sql.ErrNoRows if it does not
// exist.
func (r *TokenRepository) Get(address common.Address) (*Token, error) {
	var token Token
	err := meddler.QueryRow(r.DB, &token, "SELECT * FROM tokens WHERE address = ?", address.Hex())
	metrics.DBQueryInc("token_get")
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// SetLastProcessedBlock advances the possibly-unfinalized watermark.
func (r *TokenRepository) SetLastProcessedBlock(address common.Address, block uint64) error {
	_, err := r.DB.Exec(`UPDATE tokens SET last_processed_block = ? WHERE address = ?`, block, address.Hex())
	metrics.DBQueryInc("token_set_last_processed")
	if err != nil {
		metrics.DBErrorsInc("token_set_last_processed")
		return fmt.Errorf("store: update last_processed_block: %w", err)
	}
	return nil
}

// SetLastProcessedFinalizedBlock advances the finalized watermark.
func (r *TokenRepository) SetLastProcessedFinalizedBlock(address common.Address, block uint64) error {
	_, err := r.DB.Exec(`UPDATE tokens SET last_processed_finalized_block = ? WHERE address = ?`, block, address.Hex())
	metrics.DBQueryInc("token_set_last_finalized")
	if err != nil {
		metrics.DBErrorsInc("token_set_last_finalized")
		return fmt.Errorf("store: update last_processed_finalized_block: %w", err)
	}
	return nil
}

// SetMetadata records the token's name/symbol/decimals. Any of them may be
// left unset (empty name/symbol, zero decimals) when the corresponding
// eth_call failed.
func (r *TokenRepository) SetMetadata(address common.Address, name, symbol string, decimals uint8, hasName, hasSymbol, hasDecimals bool) error {
	_, err := r.DB.Exec(
		`UPDATE tokens SET
			name = CASE WHEN ? THEN ? ELSE name END,
			symbol = CASE WHEN ? THEN ? ELSE symbol END,
			decimals = CASE WHEN ? THEN ? ELSE decimals END
		WHERE address = ?`,
		hasName, name, hasSymbol, symbol, hasDecimals, decimals, address.Hex(),
	)
	metrics.DBQueryInc("token_set_metadata")
	if err != nil {
		metrics.DBErrorsInc("token_set_metadata")
		return fmt.Errorf("store: update token metadata: %w", err)
	}
	return nil
}

// List returns every tracked token.
func (r *TokenRepository) List() ([]*Token, error) {
	var tokens []*Token
	err := meddler.QueryAll(r.DB, &tokens, "SELECT * FROM tokens ORDER BY address")
	metrics.DBQueryInc("token_list")
	if err != nil {
		return nil, fmt.Errorf("store: list tokens: %w", err)
	}
	return tokens, nil
}
