package store

import (
	"fmt"

	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq"
)

var postgresDialect = dialect{
	driver: "postgres",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS market_ticks (
			id BIGSERIAL PRIMARY KEY,
			ts_us BIGINT NOT NULL,
			source_type TEXT NOT NULL,
			symbol TEXT NOT NULL,
			payload JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_source_symbol_ts ON market_ticks (source_type, symbol, ts_us)`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_symbol_ts ON market_ticks (symbol, ts_us)`,
		`CREATE TABLE IF NOT EXISTS iteration_log (
			id BIGSERIAL PRIMARY KEY,
			ts_us BIGINT NOT NULL,
			symbol TEXT NOT NULL,
			action TEXT NOT NULL,
			policy_action TEXT NOT NULL,
			position_amount DOUBLE PRECISION,
			balance DOUBLE PRECISION,
			unrealized_pnl DOUBLE PRECISION,
			latency_ms DOUBLE PRECISION,
			order_id BIGINT
		)`,
	},
	bind: func(n int) string { return fmt.Sprintf("$%d", n) },
}

// NewPostgresStore returns a store for the given lib/pq connection string.
// Call Initialize before use.
func NewPostgresStore(dsn string, logger *logrus.Logger) *SQLStore {
	return newSQLStore(postgresDialect, dsn, logger)
}
