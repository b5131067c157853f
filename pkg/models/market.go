package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type SourceType string

const (
	SourceTrade       SourceType = "trade"
	SourceForcedOrder SourceType = "forced_order"
	SourceDepth       SourceType = "depth"
	SourceKline       SourceType = "kline"
	SourceSnapshot    SourceType = "snapshot"
)

// StreamSources are the channels the ingestor subscribes to.
var StreamSources = []SourceType{SourceTrade, SourceForcedOrder, SourceDepth, SourceKline}

// Tick is one normalized market event. Timestamp is always UTC.
type Tick struct {
	Timestamp time.Time
	Symbol    string
	Payload   Payload
}

func NewTick(ts time.Time, symbol string, payload Payload) Tick {
	return Tick{Timestamp: ts.UTC(), Symbol: symbol, Payload: payload}
}

func (t Tick) Source() SourceType {
	if t.Payload == nil {
		return ""
	}
	return t.Payload.Source()
}

// Payload is the per-source body of a tick. Each source has exactly one payload type.
type Payload interface {
	Source() SourceType
}

type TradePayload struct {
	Price      float64 `json:"price"`
	Quantity   float64 `json:"quantity"`
	TradeTime  int64   `json:"trade_time"`
	BuyerMaker bool    `json:"buyer_maker"`
}

func (TradePayload) Source() SourceType { return SourceTrade }

type ForcedOrderPayload struct {
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	Side      string  `json:"side"`
	OrderType string  `json:"order_type"`
}

func (ForcedOrderPayload) Source() SourceType { return SourceForcedOrder }

// Notional returns price x quantity in quote currency.
func (p ForcedOrderPayload) Notional() float64 {
	return p.Price * p.Quantity
}

type DepthPayload struct {
	BestBidPrice float64 `json:"best_bid_price"`
	BestBidQty   float64 `json:"best_bid_qty"`
	BestAskPrice float64 `json:"best_ask_price"`
	BestAskQty   float64 `json:"best_ask_qty"`
}

func (DepthPayload) Source() SourceType { return SourceDepth }

type KlinePayload struct {
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	Closed   bool    `json:"closed"`
}

func (KlinePayload) Source() SourceType { return SourceKline }

type SnapshotPayload struct {
	FundingRate       float64   `json:"funding_rate"`
	FundingTime       time.Time `json:"funding_time"`
	OpenInterest      float64   `json:"open_interest"`
	OpenInterestValue float64   `json:"open_interest_value"`
	OpenInterestTime  time.Time `json:"open_interest_time"`
}

func (SnapshotPayload) Source() SourceType { return SourceSnapshot }

// DecodePayload restores the payload variant stored for source.
func DecodePayload(source SourceType, data []byte) (Payload, error) {
	var p Payload
	var err error
	switch source {
	case SourceTrade:
		var v TradePayload
		err = json.Unmarshal(data, &v)
		p = v
	case SourceForcedOrder:
		var v ForcedOrderPayload
		err = json.Unmarshal(data, &v)
		p = v
	case SourceDepth:
		var v DepthPayload
		err = json.Unmarshal(data, &v)
		p = v
	case SourceKline:
		var v KlinePayload
		err = json.Unmarshal(data, &v)
		p = v
	case SourceSnapshot:
		var v SnapshotPayload
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown source type %q", source)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", source, err)
	}
	return p, nil
}

type FundingRate struct {
	Symbol      string
	Rate        float64
	FundingTime time.Time
}

type OpenInterest struct {
	Symbol    string
	Contracts float64
	Value     float64
	Timestamp time.Time
}

// SymbolFilters carries the exchange quantization rules for one symbol.
type SymbolFilters struct {
	Symbol   string
	StepSize float64
	TickSize float64
	MinQty   float64
}

// Validate rejects filters that cannot quantize an order.
func (f SymbolFilters) Validate() error {
	if f.StepSize <= 0 || f.TickSize <= 0 {
		return fmt.Errorf("%s: unusable filters (step %v, tick %v)", f.Symbol, f.StepSize, f.TickSize)
	}
	return nil
}

type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionFlat  PositionSide = "FLAT"
)

// Position is the open exposure for one symbol. Amount is signed: positive long, negative short.
type Position struct {
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	Amount        float64      `json:"amount"`
	EntryPrice    float64      `json:"entry_price"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func FlatPosition(symbol string) Position {
	return Position{Symbol: symbol, Side: PositionFlat}
}

// NewPosition derives the side from the signed amount. A zero amount is FLAT with no entry price.
func NewPosition(symbol string, amount, entryPrice, pnl float64) Position {
	switch {
	case amount > 0:
		return Position{Symbol: symbol, Side: PositionLong, Amount: amount, EntryPrice: entryPrice, UnrealizedPnL: pnl}
	case amount < 0:
		return Position{Symbol: symbol, Side: PositionShort, Amount: amount, EntryPrice: entryPrice, UnrealizedPnL: pnl}
	default:
		return FlatPosition(symbol)
	}
}

func (p Position) IsOpen() bool {
	return p.Side != PositionFlat && p.Amount != 0
}
