// Package features turns raw trade and liquidation ticks into scaled 1-minute feature buckets.
package features

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gregtusar/liqtrader/pkg/models"
	"github.com/gregtusar/liqtrader/pkg/store"
	"github.com/sirupsen/logrus"
)

// ErrNoTradeData means the requested range holds no trade ticks.
var ErrNoTradeData = errors.New("no trade data in range")

const BucketSize = time.Minute

var (
	TradeColumns = []string{"avg_price", "total_volume", "price_std", "price_diff", "trade_count"}

	LiquidationColumns = []string{
		"liq_count", "liq_volume", "liq_usd", "liq_velocity", "liq_acceleration", "liq_usd_diff",
		"buy_volume", "sell_volume", "imbalance", "whale_ratio", "usd_ma_3", "imbalance_ma_3",
	}
)

type Aggregator struct {
	store  store.TickStore
	symbol string
	logger *logrus.Logger
}

func NewAggregator(ts store.TickStore, symbol string, logger *logrus.Logger) *Aggregator {
	return &Aggregator{store: ts, symbol: symbol, logger: logger}
}

// Aggregate builds the scaled bucket table for [start, end).
func (a *Aggregator) Aggregate(ctx context.Context, start, end time.Time) (*models.FeatureTable, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("invalid range: start %s is not before end %s", start, end)
	}

	liquidations, err := a.store.QueryRange(ctx, models.SourceForcedOrder, a.symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("query liquidations: %w", err)
	}
	trades, err := a.store.QueryRange(ctx, models.SourceTrade, a.symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}

	table, err := Build(trades, liquidations)
	if err != nil {
		return nil, err
	}

	a.logger.WithFields(logrus.Fields{
		"symbol":       a.symbol,
		"start":        start,
		"end":          end,
		"trades":       len(trades),
		"liquidations": len(liquidations),
		"buckets":      table.Len(),
		"columns":      len(table.Columns),
	}).Debug("Features aggregated")
	return table, nil
}

// Build resamples, joins and min-max scales the given ticks. Input order does not matter.
func Build(trades, liquidations []models.Tick) (*models.FeatureTable, error) {
	if len(trades) == 0 {
		return nil, ErrNoTradeData
	}

	tradeBuckets := resampleTrades(sortedByTime(trades))

	columns := append([]string(nil), TradeColumns...)
	var liqBuckets map[time.Time][]float64
	if len(liquidations) > 0 {
		liqBuckets = resampleLiquidations(sortedByTime(liquidations))
		columns = append(columns, LiquidationColumns...)
	}

	table := &models.FeatureTable{Columns: columns}
	for _, b := range tradeBuckets {
		values := b.values
		if liqBuckets != nil {
			liq, ok := liqBuckets[b.start]
			if !ok {
				continue
			}
			values = append(append([]float64(nil), values...), liq...)
		}
		if hasUnset(values) {
			continue
		}
		table.Rows = append(table.Rows, models.FeatureRow{Start: b.start, Values: values})
	}

	MinMaxScale(table)
	return table, nil
}
