// Package binance talks to Binance USD-M futures: REST through go-binance and
// raw market streams over gorilla/websocket.
package binance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/gregtusar/liqtrader/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const quoteAsset = "USDT"

type Client struct {
	futures *futures.Client
	limiter *rate.Limiter
	logger  *logrus.Logger
}

type ClientConfig struct {
	APIKey    string
	APISecret string
	Testnet   bool
	// RequestsPerSecond caps REST calls. Zero means 10/s.
	RequestsPerSecond float64
}

func NewClient(cfg ClientConfig, logger *logrus.Logger) *Client {
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	return &Client{
		futures: futures.NewClient(cfg.APIKey, cfg.APISecret),
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		logger:  logger,
	}
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// Price returns the last traded price for symbol.
func (c *Client) Price(ctx context.Context, symbol string) (float64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	prices, err := c.futures.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get ticker price: %w", err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return strconv.ParseFloat(p.Price, 64)
		}
	}
	return 0, fmt.Errorf("no ticker price for %s", symbol)
}

// Filters returns the lot step and price tick for symbol. It always hits the exchange.
func (c *Client) Filters(ctx context.Context, symbol string) (models.SymbolFilters, error) {
	if err := c.wait(ctx); err != nil {
		return models.SymbolFilters{}, err
	}
	info, err := c.futures.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return models.SymbolFilters{}, fmt.Errorf("failed to get exchange info: %w", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		lot, pf := s.LotSizeFilter(), s.PriceFilter()
		if lot == nil || pf == nil {
			return models.SymbolFilters{}, fmt.Errorf("symbol %s has no lot size or price filter", symbol)
		}
		return parseFilters(symbol, lot.StepSize, lot.MinQuantity, pf.TickSize)
	}
	return models.SymbolFilters{}, fmt.Errorf("symbol %s not listed", symbol)
}

func parseFilters(symbol, step, minQty, tick string) (models.SymbolFilters, error) {
	f := models.SymbolFilters{Symbol: symbol}
	var err error
	if f.StepSize, err = parseNumber("step size", step); err != nil {
		return models.SymbolFilters{}, err
	}
	if f.MinQty, err = parseNumber("min quantity", minQty); err != nil {
		return models.SymbolFilters{}, err
	}
	if f.TickSize, err = parseNumber("tick size", tick); err != nil {
		return models.SymbolFilters{}, err
	}
	if err := f.Validate(); err != nil {
		return models.SymbolFilters{}, err
	}
	return f, nil
}

// Balance returns the USDT futures wallet balance.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	balances, err := c.futures.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	for _, b := range balances {
		if b.Asset == quoteAsset {
			return strconv.ParseFloat(b.Balance, 64)
		}
	}
	return 0, nil
}

func (c *Client) Position(ctx context.Context, symbol string) (models.Position, error) {
	if err := c.wait(ctx); err != nil {
		return models.Position{}, err
	}
	risks, err := c.futures.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return models.Position{}, fmt.Errorf("failed to get position: %w", err)
	}
	for _, r := range risks {
		if r.Symbol != symbol {
			continue
		}
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		pnl, _ := strconv.ParseFloat(r.UnRealizedProfit, 64)
		pos := models.NewPosition(symbol, amt, entry, pnl)
		pos.UpdatedAt = time.Now().UTC()
		return pos, nil
	}
	return models.FlatPosition(symbol), nil
}

func (c *Client) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	svc := c.futures.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type))

	if req.ClosePosition {
		svc = svc.ClosePosition(true)
	} else {
		svc = svc.Quantity(formatFloat(req.Quantity))
	}
	if req.Price > 0 {
		svc = svc.Price(formatFloat(req.Price))
	}
	if req.StopPrice > 0 {
		svc = svc.StopPrice(formatFloat(req.StopPrice))
	}
	if req.TimeInForce != "" {
		svc = svc.TimeInForce(futures.TimeInForceType(req.TimeInForce))
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to place %s %s order: %w", req.Side, req.Type, err)
	}

	filled, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	return &models.Order{
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		FilledQty:     filled,
		Status:        models.OrderStatus(resp.Status),
		ReduceOnly:    req.ReduceOnly,
		UpdatedAt:     time.UnixMilli(resp.UpdateTime).UTC(),
	}, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if _, err := c.futures.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return fmt.Errorf("failed to set leverage: %w", err)
	}
	return nil
}

// FundingRate returns the most recent settled funding rate from the funding-rate history.
func (c *Client) FundingRate(ctx context.Context, symbol string) (models.FundingRate, error) {
	if err := c.wait(ctx); err != nil {
		return models.FundingRate{}, err
	}
	rates, err := c.futures.NewFundingRateService().Symbol(symbol).Limit(1).Do(ctx)
	if err != nil {
		return models.FundingRate{}, fmt.Errorf("failed to get funding rate: %w", err)
	}
	if len(rates) == 0 {
		return models.FundingRate{}, fmt.Errorf("no funding rate for %s", symbol)
	}
	r := rates[len(rates)-1]
	rate, err := parseNumber("funding rate", r.FundingRate)
	if err != nil {
		return models.FundingRate{}, err
	}
	return models.FundingRate{
		Symbol:      symbol,
		Rate:        rate,
		FundingTime: time.UnixMilli(r.FundingTime).UTC(),
	}, nil
}

// OpenInterest returns the latest 5m open-interest statistic.
func (c *Client) OpenInterest(ctx context.Context, symbol string) (models.OpenInterest, error) {
	if err := c.wait(ctx); err != nil {
		return models.OpenInterest{}, err
	}
	stats, err := c.futures.NewOpenInterestStatisticsService().Symbol(symbol).Period("5m").Limit(1).Do(ctx)
	if err != nil {
		return models.OpenInterest{}, fmt.Errorf("failed to get open interest: %w", err)
	}
	if len(stats) == 0 {
		return models.OpenInterest{}, fmt.Errorf("no open interest for %s", symbol)
	}
	s := stats[len(stats)-1]
	contracts, err := strconv.ParseFloat(s.SumOpenInterest, 64)
	if err != nil {
		return models.OpenInterest{}, fmt.Errorf("parse open interest: %w", err)
	}
	value, _ := strconv.ParseFloat(s.SumOpenInterestValue, 64)
	return models.OpenInterest{
		Symbol:    symbol,
		Contracts: contracts,
		Value:     value,
		Timestamp: time.UnixMilli(s.Timestamp).UTC(),
	}, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
