package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/gregtusar/liqtrader/pkg/models"
)

// envelope holds the fields shared by every market stream event. encoding/json matches keys
// case-insensitively when no exact field exists, so keys differing only in case from a declared
// one ("t" next to "T") must be declared too.
type envelope struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	TradeTime int64  `json:"T"`
	TradeID   int64  `json:"t"`
	Symbol    string `json:"s"`
}

// tradeEvent covers both <sym>@trade and <sym>@aggTrade.
type tradeEvent struct {
	envelope
	AggTradeID   int64  `json:"a"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	OrderType    string `json:"X"`
	BuyerMaker   bool   `json:"m"`
}

type forceOrderEvent struct {
	envelope
	Order struct {
		Symbol    string `json:"s"`
		Side      string `json:"S"`
		OrderType string `json:"o"`
		Quantity  string `json:"q"`
		Price     string `json:"p"`
		AvgPrice  string `json:"ap"`
		TradeTime int64  `json:"T"`
	} `json:"o"`
}

type depthEvent struct {
	envelope
	Bids [][2]string `json:"b"`
	Asks [][2]string `json:"a"`
}

// ParseTick normalizes a raw stream message. The event time is T, else E, else receivedAt.
// fallbackSymbol is used when the message carries none.
func ParseTick(source models.SourceType, data []byte, fallbackSymbol string, receivedAt time.Time) (models.Tick, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return models.Tick{}, fmt.Errorf("decode %s message: %w", source, err)
	}

	var payload models.Payload
	symbol := env.Symbol

	switch source {
	case models.SourceTrade:
		var ev tradeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return models.Tick{}, fmt.Errorf("decode trade: %w", err)
		}
		price, err := parseNumber("price", ev.Price)
		if err != nil {
			return models.Tick{}, err
		}
		qty, err := parseNumber("quantity", ev.Quantity)
		if err != nil {
			return models.Tick{}, err
		}
		payload = models.TradePayload{Price: price, Quantity: qty, TradeTime: ev.TradeTime, BuyerMaker: ev.BuyerMaker}

	case models.SourceForcedOrder:
		var ev forceOrderEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return models.Tick{}, fmt.Errorf("decode force order: %w", err)
		}
		price, err := parseNumber("price", ev.Order.Price)
		if err != nil {
			return models.Tick{}, err
		}
		qty, err := parseNumber("quantity", ev.Order.Quantity)
		if err != nil {
			return models.Tick{}, err
		}
		if symbol == "" {
			symbol = ev.Order.Symbol
		}
		payload = models.ForcedOrderPayload{Price: price, Quantity: qty, Side: ev.Order.Side, OrderType: ev.Order.OrderType}

	case models.SourceDepth:
		var ev depthEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return models.Tick{}, fmt.Errorf("decode depth: %w", err)
		}
		var p models.DepthPayload
		if len(ev.Bids) > 0 {
			p.BestBidPrice, _ = strconv.ParseFloat(ev.Bids[0][0], 64)
			p.BestBidQty, _ = strconv.ParseFloat(ev.Bids[0][1], 64)
		}
		if len(ev.Asks) > 0 {
			p.BestAskPrice, _ = strconv.ParseFloat(ev.Asks[0][0], 64)
			p.BestAskQty, _ = strconv.ParseFloat(ev.Asks[0][1], 64)
		}
		payload = p

	case models.SourceKline:
		var ev futures.WsKlineEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return models.Tick{}, fmt.Errorf("decode kline: %w", err)
		}
		k := ev.Kline
		p := models.KlinePayload{OpenTime: k.StartTime, Closed: k.IsFinal}
		p.Open, _ = strconv.ParseFloat(k.Open, 64)
		p.High, _ = strconv.ParseFloat(k.High, 64)
		p.Low, _ = strconv.ParseFloat(k.Low, 64)
		p.Close, _ = strconv.ParseFloat(k.Close, 64)
		p.Volume, _ = strconv.ParseFloat(k.Volume, 64)
		payload = p

	default:
		return models.Tick{}, fmt.Errorf("unsupported stream source %q", source)
	}

	if symbol == "" {
		symbol = fallbackSymbol
	}
	return models.NewTick(eventTime(env, receivedAt), symbol, payload), nil
}

func eventTime(env envelope, receivedAt time.Time) time.Time {
	switch {
	case env.TradeTime > 0:
		return time.UnixMilli(env.TradeTime)
	case env.EventTime > 0:
		return time.UnixMilli(env.EventTime)
	default:
		return receivedAt
	}
}

func parseNumber(field, v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, v, err)
	}
	return f, nil
}
