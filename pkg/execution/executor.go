// Package execution sizes, places and tracks futures orders for a single symbol.
package execution

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/liqtrader/pkg/metrics"
	"github.com/gregtusar/liqtrader/pkg/models"
	"github.com/gregtusar/liqtrader/pkg/retry"
	"github.com/sirupsen/logrus"
)

// Exchange is the request/response surface of the futures venue.
type Exchange interface {
	Price(ctx context.Context, symbol string) (float64, error)
	Filters(ctx context.Context, symbol string) (models.SymbolFilters, error)
	Balance(ctx context.Context) (float64, error)
	Position(ctx context.Context, symbol string) (models.Position, error)
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

type Config struct {
	Symbol      string
	Leverage    int
	MaxAttempts int
	RetryDelay  time.Duration
}

type Executor struct {
	exchange Exchange
	cfg      Config
	logger   *logrus.Logger

	mu       sync.RWMutex
	position models.Position

	newClientOrderID func() string
}

func NewExecutor(exchange Exchange, cfg Config, logger *logrus.Logger) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Leverage < 1 {
		cfg.Leverage = 1
	}
	return &Executor{
		exchange:         exchange,
		cfg:              cfg,
		logger:           logger,
		position:         models.FlatPosition(cfg.Symbol),
		newClientOrderID: func() string { return uuid.NewString() },
	}
}

func (e *Executor) Symbol() string { return e.cfg.Symbol }

func (e *Executor) Leverage() int { return e.cfg.Leverage }

// Setup applies the configured leverage and loads the current position. Failures are logged only.
func (e *Executor) Setup(ctx context.Context) {
	if err := e.exchange.SetLeverage(ctx, e.cfg.Symbol, e.cfg.Leverage); err != nil {
		e.logger.WithError(err).WithField("leverage", e.cfg.Leverage).Warn("Failed to set leverage")
	} else {
		e.logger.WithFields(logrus.Fields{"symbol": e.cfg.Symbol, "leverage": e.cfg.Leverage}).Info("Leverage set")
	}
	if _, err := e.Refresh(ctx); err != nil {
		e.logger.WithError(err).Warn("Failed to load initial position")
	}
}

// SubmitOrder places a MARKET order with bounded retries. It returns nil when every attempt failed.
func (e *Executor) SubmitOrder(ctx context.Context, side models.OrderSide, qty float64) *models.Order {
	return e.submit(ctx, models.OrderRequest{
		Symbol:   e.cfg.Symbol,
		Side:     side,
		Type:     models.OrderTypeMarket,
		Quantity: qty,
	})
}

// SubmitLimitWithSlippage places a GTC limit at ticker price moved against us by slippagePct.
func (e *Executor) SubmitLimitWithSlippage(ctx context.Context, side models.OrderSide, qty, slippagePct float64) *models.Order {
	price, err := e.exchange.Price(ctx, e.cfg.Symbol)
	if err != nil {
		e.logger.WithError(err).Error("Failed to get price for limit order")
		return nil
	}
	filters, err := e.symbolFilters(ctx)
	if err != nil {
		e.logger.WithError(err).Error("Failed to get symbol filters for limit order")
		return nil
	}

	limit := price * (1 - slippagePct)
	if side == models.OrderSideBuy {
		limit = price * (1 + slippagePct)
	}
	return e.submit(ctx, models.OrderRequest{
		Symbol:      e.cfg.Symbol,
		Side:        side,
		Type:        models.OrderTypeLimit,
		Quantity:    FloorToStep(qty, filters.StepSize),
		Price:       FloorToStep(limit, filters.TickSize),
		TimeInForce: "GTC",
	})
}

// submit runs one order intent through the retry policy. The client order ID is fixed per intent
// so a retry after an ambiguous failure cannot open a second order. The position is refreshed after
// every attempt.
func (e *Executor) submit(ctx context.Context, req models.OrderRequest) *models.Order {
	if req.ClientOrderID == "" {
		req.ClientOrderID = e.newClientOrderID()
	}
	log := e.logger.WithFields(logrus.Fields{
		"symbol":          req.Symbol,
		"side":            req.Side,
		"type":            req.Type,
		"quantity":        req.Quantity,
		"client_order_id": req.ClientOrderID,
	})

	policy := retry.Policy{
		MaxAttempts: e.cfg.MaxAttempts,
		Delay:       e.cfg.RetryDelay,
		OnRetry: func(attempt int, err error) {
			log.WithError(err).WithField("attempt", attempt).Warn("Order attempt failed, retrying")
		},
	}
	order, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) (*models.Order, error) {
		o, err := e.exchange.PlaceOrder(ctx, req)
		if _, rerr := e.Refresh(ctx); rerr != nil {
			log.WithError(rerr).Warn("Failed to refresh position after order attempt")
		}
		if err == nil && o == nil {
			err = fmt.Errorf("exchange returned no order")
		}
		return o, err
	})

	outcome := "placed"
	if err != nil {
		outcome = "failed"
	}
	metrics.Orders.WithLabelValues(req.Symbol, string(req.Side), string(req.Type), outcome).Inc()

	if err != nil {
		log.WithError(err).WithField("attempts", e.cfg.MaxAttempts).Error("Order placement failed")
		return nil
	}
	log.WithFields(logrus.Fields{"order_id": order.OrderID, "status": order.Status}).Info("Order placed")
	return order
}

// Refresh fetches the exchange position and replaces the cached one.
func (e *Executor) Refresh(ctx context.Context) (models.Position, error) {
	pos, err := e.exchange.Position(ctx, e.cfg.Symbol)
	if err != nil {
		return e.Position(), fmt.Errorf("refresh position: %w", err)
	}
	e.setPosition(pos)
	return pos, nil
}

// ApplyPositionUpdate replaces the cached position with a pushed update.
func (e *Executor) ApplyPositionUpdate(pos models.Position) {
	if pos.Symbol != e.cfg.Symbol {
		return
	}
	e.setPosition(pos)
	e.logger.WithFields(logrus.Fields{"amount": pos.Amount, "side": pos.Side}).Debug("Position update applied")
}

func (e *Executor) setPosition(pos models.Position) {
	e.mu.Lock()
	e.position = pos
	e.mu.Unlock()
	metrics.PositionAmount.WithLabelValues(e.cfg.Symbol).Set(pos.Amount)
}

// Position returns the cached position.
func (e *Executor) Position() models.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.position
}

func (e *Executor) Balance(ctx context.Context) (float64, error) {
	return e.exchange.Balance(ctx)
}

func (e *Executor) Price(ctx context.Context) (float64, error) {
	return e.exchange.Price(ctx, e.cfg.Symbol)
}

// Close market-closes the whole cached position. The cache is cleared only when the order is placed.
func (e *Executor) Close(ctx context.Context) *models.Order {
	pos := e.Position()
	if !pos.IsOpen() {
		e.logger.WithField("symbol", e.cfg.Symbol).Warn("No open position to close")
		return nil
	}

	side := models.OrderSideSell
	if pos.Side == models.PositionShort {
		side = models.OrderSideBuy
	}
	order := e.submit(ctx, models.OrderRequest{
		Symbol:     e.cfg.Symbol,
		Side:       side,
		Type:       models.OrderTypeMarket,
		Quantity:   math.Abs(pos.Amount),
		ReduceOnly: true,
	})
	if order == nil {
		return nil
	}
	e.setPosition(models.FlatPosition(e.cfg.Symbol))
	return order
}
