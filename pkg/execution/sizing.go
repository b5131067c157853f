package execution

import (
	"context"

	"github.com/gregtusar/liqtrader/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// FloorToStep rounds v down to a multiple of step. A non-positive step leaves v unchanged.
func FloorToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	s := decimal.NewFromFloat(step)
	f, _ := decimal.NewFromFloat(v).Div(s).Floor().Mul(s).Float64()
	return f
}

// symbolFilters fetches the quantization rules and refuses unusable ones, so no order
// leaves unquantized.
func (e *Executor) symbolFilters(ctx context.Context) (models.SymbolFilters, error) {
	f, err := e.exchange.Filters(ctx, e.cfg.Symbol)
	if err != nil {
		return models.SymbolFilters{}, err
	}
	if err := f.Validate(); err != nil {
		return models.SymbolFilters{}, err
	}
	return f, nil
}

// QuantityFromNotional converts a quote amount into a step-floored quantity at the current price.
// Any failure or unusable input yields 0.
func (e *Executor) QuantityFromNotional(ctx context.Context, notional float64, leverage int) float64 {
	if notional <= 0 || leverage < 1 {
		return 0
	}
	price, err := e.exchange.Price(ctx, e.cfg.Symbol)
	if err != nil {
		e.logger.WithError(err).Error("Failed to get price for sizing")
		return 0
	}
	if price <= 0 {
		e.logger.WithField("price", price).Error("Invalid price for sizing")
		return 0
	}
	filters, err := e.symbolFilters(ctx)
	if err != nil {
		e.logger.WithError(err).Error("Failed to get symbol filters for sizing")
		return 0
	}

	raw := notional * float64(leverage) / price
	qty := FloorToStep(raw, filters.StepSize)
	e.logger.WithFields(logrus.Fields{
		"price":    price,
		"raw_qty":  raw,
		"quantity": qty,
	}).Info("Quantity from notional")
	return qty
}

// QuantityFromRisk sizes so that a stopLossPct move costs riskPct of the balance, times leverage.
// Any failure or non-positive result yields 0.
func (e *Executor) QuantityFromRisk(ctx context.Context, riskPct, stopLossPct float64, leverage int) float64 {
	if riskPct <= 0 || stopLossPct <= 0 || leverage < 1 {
		return 0
	}
	price, err := e.exchange.Price(ctx, e.cfg.Symbol)
	if err != nil {
		e.logger.WithError(err).Error("Failed to get price for sizing")
		return 0
	}
	balance, err := e.exchange.Balance(ctx)
	if err != nil {
		e.logger.WithError(err).Error("Failed to get balance for sizing")
		return 0
	}
	if price <= 0 || balance <= 0 {
		e.logger.WithFields(logrus.Fields{"price": price, "balance": balance}).Warn("Non-positive risk sizing inputs")
		return 0
	}
	filters, err := e.symbolFilters(ctx)
	if err != nil {
		e.logger.WithError(err).Error("Failed to get symbol filters for sizing")
		return 0
	}

	maxLoss := balance * riskPct
	raw := maxLoss / (price * stopLossPct) * float64(leverage)
	qty := FloorToStep(raw, filters.StepSize)
	e.logger.WithFields(logrus.Fields{
		"risk_pct":      riskPct,
		"stop_loss_pct": stopLossPct,
		"quantity":      qty,
	}).Info("Quantity from risk")
	if qty <= 0 {
		return 0
	}
	return qty
}
