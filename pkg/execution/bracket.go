package execution

import (
	"context"
	"fmt"

	"github.com/gregtusar/liqtrader/pkg/models"
	"github.com/sirupsen/logrus"
)

// PlaceBracket places a GTC limit entry, a closing stop-market and a reduce-only limit take-profit.
// The legs are independent: each is attempted even if an earlier one failed, and nothing is rolled back.
// Without usable symbol filters no leg is sent.
func (e *Executor) PlaceBracket(ctx context.Context, side models.OrderSide, qty, entryPrice, stopLossPct, takeProfitPct float64) models.Bracket {
	var b models.Bracket

	filters, err := e.symbolFilters(ctx)
	if err != nil {
		e.logger.WithError(err).Error("Failed to get symbol filters, bracket not placed")
		for _, leg := range []string{"entry", "stop-loss", "take-profit"} {
			b.Errors = append(b.Errors, fmt.Errorf("%s leg not placed: %w", leg, err))
		}
		return b
	}
	tick := filters.TickSize
	qty = FloorToStep(qty, filters.StepSize)

	stop := entryPrice * (1 + stopLossPct)
	target := entryPrice * (1 - takeProfitPct)
	if side == models.OrderSideBuy {
		stop = entryPrice * (1 - stopLossPct)
		target = entryPrice * (1 + takeProfitPct)
	}
	exit := side.Opposite()

	b.Entry = e.submit(ctx, models.OrderRequest{
		Symbol:      e.cfg.Symbol,
		Side:        side,
		Type:        models.OrderTypeLimit,
		Quantity:    qty,
		Price:       FloorToStep(entryPrice, tick),
		TimeInForce: "GTC",
	})
	if b.Entry == nil {
		b.Errors = append(b.Errors, fmt.Errorf("entry leg not placed"))
	}

	b.StopLoss = e.submit(ctx, models.OrderRequest{
		Symbol:        e.cfg.Symbol,
		Side:          exit,
		Type:          models.OrderTypeStopMarket,
		StopPrice:     FloorToStep(stop, tick),
		ClosePosition: true,
		TimeInForce:   "GTC",
	})
	if b.StopLoss == nil {
		b.Errors = append(b.Errors, fmt.Errorf("stop-loss leg not placed"))
	}

	b.TakeProfit = e.submit(ctx, models.OrderRequest{
		Symbol:      e.cfg.Symbol,
		Side:        exit,
		Type:        models.OrderTypeLimit,
		Quantity:    qty,
		Price:       FloorToStep(target, tick),
		TimeInForce: "GTC",
		ReduceOnly:  true,
	})
	if b.TakeProfit == nil {
		b.Errors = append(b.Errors, fmt.Errorf("take-profit leg not placed"))
	}

	fields := logrus.Fields{
		"side":        side,
		"quantity":    qty,
		"entry":       entryPrice,
		"stop":        stop,
		"take_profit": target,
	}
	if !b.Complete() {
		e.logger.WithFields(fields).WithField("errors", len(b.Errors)).Error("Bracket incomplete")
	} else {
		e.logger.WithFields(fields).Info("Bracket placed")
	}
	return b
}
