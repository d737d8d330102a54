package exchange

import (
	"github.com/shopspring/decimal"
)

// OrderType enumerates supported order kinds.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopLoss   OrderType = "STOP_LOSS"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// PositionSide distinguishes hedge-mode position legs.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// TimeInForce enumerates supported order lifetimes.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// Broker-side order status strings as reported by the exchange.
const (
	ExchangeStatusOpen     = "open"
	ExchangeStatusClosed   = "closed"
	ExchangeStatusCanceled = "canceled"
	ExchangeStatusExpired  = "expired"
	ExchangeStatusRejected = "rejected"
)

// OrderRequest carries everything needed to submit one order.
type OrderRequest struct {
	Symbol        string          `json:"symbol"`
	Type          OrderType       `json:"type"`
	Side          OrderSide       `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
	StopPrice     decimal.Decimal `json:"stop_price,omitempty"`
	PositionSide  PositionSide    `json:"position_side,omitempty"`
	TimeInForce   TimeInForce     `json:"time_in_force,omitempty"`
	ReduceOnly    bool            `json:"reduce_only,omitempty"`
	PostOnly      bool            `json:"post_only,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
}

// OrderResponse is the broker's view of a submitted order.
type OrderResponse struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Status        string          `json:"status"` // open, closed, canceled, expired, rejected
	Symbol        string          `json:"symbol"`
	Type          OrderType       `json:"type"`
	Side          OrderSide       `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	Filled        decimal.Decimal `json:"filled"`
	Remaining     decimal.Decimal `json:"remaining"`
	Average       decimal.Decimal `json:"average"`
	Timestamp     int64           `json:"timestamp"`
	Fee           decimal.Decimal `json:"fee"`
}

// IsFilled reports whether the order executed in full.
func (r *OrderResponse) IsFilled() bool {
	if r.Status == ExchangeStatusClosed {
		return true
	}
	return r.Amount.IsPositive() && r.Filled.GreaterThanOrEqual(r.Amount)
}

// Position is the exchange's view of an open position.
type Position struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"` // long, short
	Contracts  decimal.Decimal `json:"contracts"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	MarkPrice  decimal.Decimal `json:"markPrice"`
	Leverage   int             `json:"leverage"`
}

// Balance holds per-asset account balances.
type Balance struct {
	Asset string          `json:"asset"`
	Free  decimal.Decimal `json:"free"`
	Total decimal.Decimal `json:"total"`
}
