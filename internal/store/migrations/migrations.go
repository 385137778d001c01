// Package migrations embeds and runs the indexer's SQL schema migrations.
package migrations

import (
	"database/sql"
	_ "embed"

	"github.com/ethindex/erc20indexer/internal/db"
	"github.com/ethindex/erc20indexer/internal/logger"
)

//go:embed 001_initial.sql
var mig0001 string

func migrationSet() []db.Migration {
	return []db.Migration{
		{ID: "001_initial.sql", SQL: mig0001},
	}
}

// Run applies every pending migration against db.
func Run(log *logger.Logger, sqlDB *sql.DB) error {
	return db.RunMigrationsDB(log, sqlDB, migrationSet())
}
