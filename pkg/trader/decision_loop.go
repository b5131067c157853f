package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gregtusar/liqtrader/pkg/features"
	"github.com/gregtusar/liqtrader/pkg/metrics"
	"github.com/gregtusar/liqtrader/pkg/models"
	"github.com/gregtusar/liqtrader/pkg/policy"
	"github.com/gregtusar/liqtrader/pkg/retry"
	"github.com/gregtusar/liqtrader/pkg/store"
	"github.com/gregtusar/liqtrader/pkg/window"
	"github.com/sirupsen/logrus"
)

const (
	SizingNotional = "notional"
	SizingRisk     = "risk"
)

type FeatureSource interface {
	Aggregate(ctx context.Context, start, end time.Time) (*models.FeatureTable, error)
}

// Executor is the part of the execution layer the loop drives.
type Executor interface {
	Refresh(ctx context.Context) (models.Position, error)
	Position() models.Position
	Balance(ctx context.Context) (float64, error)
	Price(ctx context.Context) (float64, error)
	QuantityFromNotional(ctx context.Context, notional float64, leverage int) float64
	QuantityFromRisk(ctx context.Context, riskPct, stopLossPct float64, leverage int) float64
	SubmitOrder(ctx context.Context, side models.OrderSide, qty float64) *models.Order
	PlaceBracket(ctx context.Context, side models.OrderSide, qty, entryPrice, stopLossPct, takeProfitPct float64) models.Bracket
}

type StorePinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Symbol   string
	Interval time.Duration
	Lookback time.Duration
	Leverage int

	Sizing        string
	Notional      float64
	RiskPct       float64
	StopLossPct   float64
	TakeProfitPct float64
	Bracket       bool

	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

// DecisionLoop runs window -> policy -> order once per interval for one symbol.
type DecisionLoop struct {
	features   FeatureSource
	windows    window.Builder
	policy     policy.Policy
	executor   Executor
	store      StorePinger
	iterations store.IterationLog
	cfg        Config
	logger     *logrus.Logger
	stopCh     chan struct{}
	stopOnce   sync.Once
	now        func() time.Time
}

func NewDecisionLoop(fs FeatureSource, wb window.Builder, p policy.Policy, ex Executor,
	ping StorePinger, iterations store.IterationLog, cfg Config, logger *logrus.Logger) *DecisionLoop {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 2 * time.Hour
	}
	if cfg.Leverage < 1 {
		cfg.Leverage = 1
	}
	if cfg.Sizing == "" {
		cfg.Sizing = SizingNotional
	}
	if cfg.ReconnectAttempts < 1 {
		cfg.ReconnectAttempts = 3
	}
	return &DecisionLoop{
		features:   fs,
		windows:    wb,
		policy:     p,
		executor:   ex,
		store:      ping,
		iterations: iterations,
		cfg:        cfg,
		logger:     logger,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// Run iterates until ctx is done or Stop is called. It returns an error only when the store
// stays unreachable after the reconnect attempts.
func (d *DecisionLoop) Run(ctx context.Context) error {
	d.logger.WithFields(logrus.Fields{
		"symbol":   d.cfg.Symbol,
		"interval": d.cfg.Interval.String(),
		"window":   d.windows.Size,
		"sizing":   d.cfg.Sizing,
	}).Info("Starting decision loop")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.stopCh:
			return nil
		case <-timer.C:
			if err := d.safeIteration(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				d.logger.WithError(err).Error("Decision loop terminated")
				return err
			}
			timer.Reset(d.cfg.Interval)
		}
	}
}

// Stop ends Run. It is safe to call more than once.
func (d *DecisionLoop) Stop() {
	d.stopOnce.Do(func() {
		d.logger.Info("Stopping decision loop")
		close(d.stopCh)
	})
}

func (d *DecisionLoop) safeIteration(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IterationsSkipped.WithLabelValues(d.cfg.Symbol, "panic").Inc()
			d.logger.WithField("panic", r).Error("Recovered from panic in iteration")
			err = nil
		}
	}()
	return d.Iterate(ctx)
}

// Iterate performs one pass. Data, policy and order problems are logged and swallowed.
func (d *DecisionLoop) Iterate(ctx context.Context) error {
	started := d.now()
	log := d.logger.WithField("symbol", d.cfg.Symbol)

	table, err := d.features.Aggregate(ctx, started.Add(-d.cfg.Lookback), started)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			log.WithError(err).Warn("Store unavailable, reconnecting")
			return d.reconnect(ctx)
		}
		reason := "aggregation_error"
		if errors.Is(err, features.ErrNoTradeData) {
			reason = "no_trade_data"
		}
		d.skip(log, reason, err)
		return nil
	}

	w, err := d.windows.Latest(table)
	if err != nil {
		reason := "window_error"
		switch {
		case errors.Is(err, window.ErrInsufficientData):
			reason = "insufficient_data"
		case errors.Is(err, window.ErrNonContiguous):
			reason = "non_contiguous"
		}
		d.skip(log, reason, err)
		return nil
	}

	proposed, err := policy.Decide(ctx, d.policy, w)
	if err != nil {
		d.skip(log, "policy_error", err)
		return nil
	}

	pos, err := d.executor.Refresh(ctx)
	if err != nil {
		log.WithError(err).Warn("Position refresh failed, using cached position")
		pos = d.executor.Position()
	}

	action := proposed
	if pos.IsOpen() && action != models.ActionHold {
		log.WithFields(logrus.Fields{
			"policy_action":   proposed.String(),
			"position_amount": pos.Amount,
		}).Info("Position already open, forcing HOLD")
		action = models.ActionHold
	}

	var orderID int64
	if side, ok := action.OrderSide(); ok {
		order := d.execute(ctx, log, side)
		if order == nil {
			action = models.ActionHold
		} else {
			orderID = order.OrderID
		}
	}

	pos = d.executor.Position()
	balance, err := d.executor.Balance(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to get balance")
	}

	latency := d.now().Sub(started)
	rec := models.IterationRecord{
		Timestamp:      started.UTC(),
		Symbol:         d.cfg.Symbol,
		Action:         action.String(),
		PolicyAction:   proposed.String(),
		PositionAmount: pos.Amount,
		Balance:        balance,
		UnrealizedPnL:  pos.UnrealizedPnL,
		LatencyMs:      float64(latency.Microseconds()) / 1000,
		OrderID:        orderID,
	}
	d.record(ctx, log, rec)
	metrics.Iterations.WithLabelValues(d.cfg.Symbol, rec.Action).Inc()
	metrics.IterationLatency.WithLabelValues(d.cfg.Symbol).Observe(latency.Seconds())
	return nil
}

// execute sizes and submits an entry. A nil order means nothing was placed.
func (d *DecisionLoop) execute(ctx context.Context, log *logrus.Entry, side models.OrderSide) *models.Order {
	var qty float64
	switch d.cfg.Sizing {
	case SizingRisk:
		qty = d.executor.QuantityFromRisk(ctx, d.cfg.RiskPct, d.cfg.StopLossPct, d.cfg.Leverage)
	default:
		qty = d.executor.QuantityFromNotional(ctx, d.cfg.Notional, d.cfg.Leverage)
	}
	if qty <= 0 {
		log.WithField("side", side).Warn("Sized quantity is zero, not trading")
		return nil
	}

	if !d.cfg.Bracket {
		return d.executor.SubmitOrder(ctx, side, qty)
	}

	price, err := d.executor.Price(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to get entry price for bracket")
		return nil
	}
	b := d.executor.PlaceBracket(ctx, side, qty, price, d.cfg.StopLossPct, d.cfg.TakeProfitPct)
	return b.Entry
}

func (d *DecisionLoop) record(ctx context.Context, log *logrus.Entry, rec models.IterationRecord) {
	log.WithFields(logrus.Fields{
		"timestamp":       rec.Timestamp,
		"action":          rec.Action,
		"policy_action":   rec.PolicyAction,
		"position_amount": rec.PositionAmount,
		"balance":         rec.Balance,
		"unrealized_pnl":  rec.UnrealizedPnL,
		"latency_ms":      rec.LatencyMs,
	}).Info("Iteration complete")

	if d.iterations == nil {
		return
	}
	if err := d.iterations.RecordIteration(ctx, rec); err != nil {
		log.WithError(err).Warn("Failed to record iteration")
	}
}

func (d *DecisionLoop) skip(log *logrus.Entry, reason string, err error) {
	metrics.IterationsSkipped.WithLabelValues(d.cfg.Symbol, reason).Inc()
	log.WithError(err).WithField("reason", reason).Warn("Skipping iteration")
}

// reconnect pings the store with bounded retries. A nil return means the store is back.
func (d *DecisionLoop) reconnect(ctx context.Context) error {
	rp := retry.Policy{
		MaxAttempts: d.cfg.ReconnectAttempts,
		Delay:       d.cfg.ReconnectDelay,
		OnRetry: func(attempt int, err error) {
			d.logger.WithError(err).WithField("attempt", attempt).Warn("Store ping failed")
		},
	}
	_, err := retry.Do(ctx, rp, func(ctx context.Context, _ int) (struct{}, error) {
		return struct{}{}, d.store.Ping(ctx)
	})
	if err != nil {
		return fmt.Errorf("store connection lost after %d attempts: %w", d.cfg.ReconnectAttempts, err)
	}
	d.logger.Info("Store connection restored")
	return nil
}
