package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gregtusar/liqtrader/pkg/models"
	"github.com/sirupsen/logrus"
)

var errClosed = errors.New("database is closed")

type dialect struct {
	driver   string
	schema   []string
	pragmas  []string
	maxConns int
	bind     func(n int) string
}

// SQLStore implements TickStore and IterationLog over database/sql.
type SQLStore struct {
	dialect dialect
	dsn     string
	db      *sql.DB
	logger  *logrus.Logger
	closed  atomic.Bool
}

func newSQLStore(d dialect, dsn string, logger *logrus.Logger) *SQLStore {
	return &SQLStore{dialect: d, dsn: dsn, logger: logger}
}

// Initialize opens the connection pool, verifies it and creates the tables.
func (s *SQLStore) Initialize(ctx context.Context) error {
	db, err := sql.Open(s.dialect.driver, s.dsn)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.dialect.driver, err)
	}
	if s.dialect.maxConns > 0 {
		db.SetMaxOpenConns(s.dialect.maxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return &UnavailableError{Op: "ping", Err: err}
	}
	s.db = db

	for _, p := range s.dialect.pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			s.logger.WithError(err).WithField("pragma", p).Warn("Failed to apply pragma")
		}
	}
	for _, stmt := range s.dialect.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return wrapErr("create schema", err)
		}
	}

	s.logger.WithField("driver", s.dialect.driver).Info("Tick store initialized")
	return nil
}

func (s *SQLStore) conn() (*sql.DB, error) {
	if s.db == nil || s.closed.Load() {
		return nil, errClosed
	}
	return s.db, nil
}

func (s *SQLStore) fail(op string, err error) error {
	if errors.Is(err, errClosed) {
		return &UnavailableError{Op: op, Err: err}
	}
	return wrapErr(op, err)
}

func (s *SQLStore) placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = s.dialect.bind(from + i)
	}
	return strings.Join(parts, ", ")
}

func (s *SQLStore) insertTickQuery() string {
	return "INSERT INTO market_ticks (ts_us, source_type, symbol, payload) VALUES (" + s.placeholders(1, 4) + ")"
}

func encodeTick(t models.Tick) (int64, string, []byte, error) {
	if t.Payload == nil {
		return 0, "", nil, fmt.Errorf("tick without payload")
	}
	data, err := json.Marshal(t.Payload)
	if err != nil {
		return 0, "", nil, fmt.Errorf("encode payload: %w", err)
	}
	return t.Timestamp.UTC().UnixMicro(), string(t.Source()), data, nil
}

func (s *SQLStore) Insert(ctx context.Context, tick models.Tick) error {
	db, err := s.conn()
	if err != nil {
		return s.fail("insert tick", err)
	}
	ts, source, payload, err := encodeTick(tick)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, s.insertTickQuery(), ts, source, tick.Symbol, string(payload)); err != nil {
		return s.fail("insert tick", err)
	}
	return nil
}

func (s *SQLStore) InsertMany(ctx context.Context, ticks []models.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	db, err := s.conn()
	if err != nil {
		return s.fail("insert ticks", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.insertTickQuery())
	if err != nil {
		return s.fail("prepare insert", err)
	}
	defer stmt.Close()

	for _, t := range ticks {
		ts, source, payload, err := encodeTick(t)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, ts, source, t.Symbol, string(payload)); err != nil {
			return s.fail("insert ticks", err)
		}
	}
	return s.fail("commit", tx.Commit())
}

func (s *SQLStore) QueryRange(ctx context.Context, source models.SourceType, symbol string, start, end time.Time) ([]models.Tick, error) {
	db, err := s.conn()
	if err != nil {
		return nil, s.fail("query range", err)
	}
	q := fmt.Sprintf(
		"SELECT ts_us, payload FROM market_ticks WHERE source_type = %s AND symbol = %s AND ts_us >= %s AND ts_us < %s",
		s.dialect.bind(1), s.dialect.bind(2), s.dialect.bind(3), s.dialect.bind(4))

	rows, err := db.QueryContext(ctx, q, string(source), symbol, start.UTC().UnixMicro(), end.UTC().UnixMicro())
	if err != nil {
		return nil, s.fail("query range", err)
	}
	defer rows.Close()

	var ticks []models.Tick
	for rows.Next() {
		var ts int64
		var raw []byte
		if err := rows.Scan(&ts, &raw); err != nil {
			return nil, s.fail("scan tick", err)
		}
		payload, err := models.DecodePayload(source, raw)
		if err != nil {
			s.logger.WithError(err).WithField("source_type", source).Warn("Skipping undecodable tick")
			continue
		}
		ticks = append(ticks, models.NewTick(time.UnixMicro(ts), symbol, payload))
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("query range", err)
	}
	return ticks, nil
}

func (s *SQLStore) LatestTimestamp(ctx context.Context, symbol string) (time.Time, error) {
	db, err := s.conn()
	if err != nil {
		return time.Time{}, s.fail("latest tick", err)
	}
	var ts sql.NullInt64
	q := "SELECT MAX(ts_us) FROM market_ticks WHERE symbol = " + s.dialect.bind(1)
	if err := db.QueryRowContext(ctx, q, symbol).Scan(&ts); err != nil {
		return time.Time{}, s.fail("latest tick", err)
	}
	if !ts.Valid {
		return time.Time{}, ErrNoTicks
	}
	return time.UnixMicro(ts.Int64).UTC(), nil
}

func (s *SQLStore) RecordIteration(ctx context.Context, rec models.IterationRecord) error {
	db, err := s.conn()
	if err != nil {
		return s.fail("record iteration", err)
	}
	q := `INSERT INTO iteration_log (ts_us, symbol, action, policy_action, position_amount, balance, unrealized_pnl, latency_ms, order_id)
		VALUES (` + s.placeholders(1, 9) + `)`
	_, err = db.ExecContext(ctx, q,
		rec.Timestamp.UTC().UnixMicro(), rec.Symbol, rec.Action, rec.PolicyAction,
		rec.PositionAmount, rec.Balance, rec.UnrealizedPnL, rec.LatencyMs, rec.OrderID)
	return s.fail("record iteration", err)
}

func (s *SQLStore) RecentIterations(ctx context.Context, symbol string, limit int) ([]models.IterationRecord, error) {
	db, err := s.conn()
	if err != nil {
		return nil, s.fail("recent iterations", err)
	}
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`SELECT ts_us, symbol, action, policy_action, position_amount, balance, unrealized_pnl, latency_ms, order_id
		FROM iteration_log WHERE symbol = %s ORDER BY ts_us DESC LIMIT %s`, s.dialect.bind(1), s.dialect.bind(2))

	rows, err := db.QueryContext(ctx, q, symbol, limit)
	if err != nil {
		return nil, s.fail("recent iterations", err)
	}
	defer rows.Close()

	var out []models.IterationRecord
	for rows.Next() {
		var rec models.IterationRecord
		var ts int64
		if err := rows.Scan(&ts, &rec.Symbol, &rec.Action, &rec.PolicyAction, &rec.PositionAmount,
			&rec.Balance, &rec.UnrealizedPnL, &rec.LatencyMs, &rec.OrderID); err != nil {
			return nil, s.fail("scan iteration", err)
		}
		rec.Timestamp = time.UnixMicro(ts).UTC()
		out = append(out, rec)
	}
	return out, s.fail("recent iterations", rows.Err())
}

func (s *SQLStore) Ping(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return s.fail("ping", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return &UnavailableError{Op: "ping", Err: err}
	}
	return nil
}

func (s *SQLStore) Close() error {
	if s.db == nil || s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// Open builds and initializes the store for driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, dsn string, logger *logrus.Logger) (*SQLStore, error) {
	var s *SQLStore
	switch driver {
	case "sqlite":
		s = NewSQLiteStore(dsn, logger)
	case "postgres":
		s = NewPostgresStore(dsn, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
