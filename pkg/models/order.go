package models

import (
	"time"
)

type Order struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Price         float64
	StopPrice     float64
	Quantity      float64
	FilledQty     float64
	Status        OrderStatus
	ReduceOnly    bool
	UpdatedAt     time.Time
}

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the closing side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// OrderRequest is a quantized order intent ready for the exchange.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      float64
	Price         float64
	StopPrice     float64
	TimeInForce   string
	ReduceOnly    bool
	ClosePosition bool
	ClientOrderID string
}

// Bracket groups the three legs of an entry with protective orders. A nil leg was not placed.
type Bracket struct {
	Entry      *Order
	StopLoss   *Order
	TakeProfit *Order
	Errors     []error
}

func (b Bracket) Complete() bool {
	return b.Entry != nil && b.StopLoss != nil && b.TakeProfit != nil
}
