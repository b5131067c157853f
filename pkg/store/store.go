// Package store persists normalized ticks and the decision loop's iteration log.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/gregtusar/liqtrader/pkg/models"
)

var (
	// ErrUnavailable means the store could not be reached.
	ErrUnavailable = errors.New("store unavailable")
	// ErrNoTicks means the store holds no ticks for the requested symbol.
	ErrNoTicks = errors.New("no ticks persisted")
)

// TickStore is an append-only time-series of ticks partitioned by source type.
type TickStore interface {
	Insert(ctx context.Context, tick models.Tick) error
	InsertMany(ctx context.Context, ticks []models.Tick) error
	// QueryRange returns ticks with start <= timestamp < end in no particular order.
	QueryRange(ctx context.Context, source models.SourceType, symbol string, start, end time.Time) ([]models.Tick, error)
	// LatestTimestamp returns the newest tick time for symbol (any source), or ErrNoTicks.
	LatestTimestamp(ctx context.Context, symbol string) (time.Time, error)
	Ping(ctx context.Context) error
	Close() error
}

// IterationLog keeps the per-iteration action/reward records.
type IterationLog interface {
	RecordIteration(ctx context.Context, rec models.IterationRecord) error
	RecentIterations(ctx context.Context, symbol string, limit int) ([]models.IterationRecord, error)
}

// UnavailableError wraps a connectivity failure. errors.Is(err, ErrUnavailable) matches it.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: store unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isConnectivity(err) {
		return &UnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isConnectivity(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
