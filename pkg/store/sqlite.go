package store

import (
	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	driver: "sqlite",
	pragmas: []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	},
	schema: []string{
		`CREATE TABLE IF NOT EXISTS market_ticks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_us INTEGER NOT NULL,
			source_type TEXT NOT NULL,
			symbol TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_source_symbol_ts ON market_ticks (source_type, symbol, ts_us)`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_symbol_ts ON market_ticks (symbol, ts_us)`,
		`CREATE TABLE IF NOT EXISTS iteration_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_us INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			action TEXT NOT NULL,
			policy_action TEXT NOT NULL,
			position_amount REAL,
			balance REAL,
			unrealized_pnl REAL,
			latency_ms REAL,
			order_id INTEGER
		)`,
	},
	// A single connection serializes writers and keeps ":memory:" databases shared.
	maxConns: 1,
	bind:     func(int) string { return "?" },
}

// NewSQLiteStore returns a store backed by the SQLite file at path (":memory:" for tests).
// Call Initialize before use.
func NewSQLiteStore(path string, logger *logrus.Logger) *SQLStore {
	return newSQLStore(sqliteDialect, path, logger)
}
