package common

import "github.com/shopspring/decimal"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is a recognized side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns SELL for BUY and BUY for SELL.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return ""
	}
}

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Valid reports whether t is a supported order type.
func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// OrderStatus normalizes broker status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
)

// Terminal reports whether no further fills can arrive for the order.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected
}

// OrderRequest captures an order intent to be sent to a broker.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Qty      decimal.Decimal
	Price    decimal.Decimal // required for LIMIT
	ClientID string          // idempotency key; identical across retries
}

// OrderResult returns the broker ack. FilledQty/AvgPrice describe fills known at ack time.
type OrderResult struct {
	BrokerOrderID string
	ClientID      string
	Status        OrderStatus
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
}

// Fill represents an asynchronous fill notification.
type Fill struct {
	BrokerOrderID string
	ClientID      string
	TradeID       string
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	Price         decimal.Decimal
	Final         bool // no further fills will follow for this order
}
