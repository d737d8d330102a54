package orders

import (
	"time"

	"github.com/shopspring/decimal"

	"futures-structure-bot/internal/exchange"
)

// OrderStatus is the internal order lifecycle.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusPlaced          OrderStatus = "PLACED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusFailed          OrderStatus = "FAILED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status is a sink state.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// validTransitions encodes the order state machine.
var validTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:         {StatusPlaced, StatusFailed, StatusCancelled},
	StatusPlaced:          {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusFailed, StatusExpired},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusFailed, StatusExpired},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// brokerStatusMap translates execution-report statuses to internal ones.
var brokerStatusMap = map[string]OrderStatus{
	"NEW":              StatusPlaced,
	"PARTIALLY_FILLED": StatusPartiallyFilled,
	"FILLED":           StatusFilled,
	"CANCELED":         StatusCancelled,
	"REJECTED":         StatusFailed,
	"EXPIRED":          StatusExpired,
}

// MapBrokerStatus translates a broker status string. Unknown statuses map to
// the zero value and ok=false.
func MapBrokerStatus(broker string) (OrderStatus, bool) {
	status, ok := brokerStatusMap[broker]
	return status, ok
}

// StatusChange is one row of an order's status history.
type StatusChange struct {
	Old          OrderStatus     `json:"old"`
	New          OrderStatus     `json:"new"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	AveragePrice decimal.Decimal `json:"average_price"`
	Timestamp    time.Time       `json:"timestamp"`
	Error        string          `json:"error,omitempty"`
}

// Order is the tracked lifecycle of one submitted order.
type Order struct {
	OrderID       string                `json:"order_id"`
	ClientOrderID string                `json:"client_order_id,omitempty"`
	Symbol        string                `json:"symbol"`
	Type          exchange.OrderType    `json:"type"`
	Side          exchange.OrderSide    `json:"side"`
	Quantity      decimal.Decimal       `json:"quantity"`
	Price         decimal.Decimal       `json:"price,omitempty"`
	StopPrice     decimal.Decimal       `json:"stop_price,omitempty"`
	PositionSide  exchange.PositionSide `json:"position_side,omitempty"`
	TimeInForce   exchange.TimeInForce  `json:"time_in_force,omitempty"`
	ReduceOnly    bool                  `json:"reduce_only"`
	PostOnly      bool                  `json:"post_only"`
	Status        OrderStatus           `json:"status"`
	FilledQty     decimal.Decimal       `json:"filled_qty"`
	AveragePrice  decimal.Decimal       `json:"average_price"`
	StatusHistory []StatusChange        `json:"status_history"`
	CreatedTs     time.Time             `json:"created_ts"`
	UpdatedTs     time.Time             `json:"updated_ts"`
}

// NewOrder builds a PENDING order from a request and the broker's response.
func NewOrder(req exchange.OrderRequest, resp *exchange.OrderResponse) *Order {
	now := time.Now()
	order := &Order{
		Symbol:        req.Symbol,
		Type:          req.Type,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		PositionSide:  req.PositionSide,
		TimeInForce:   req.TimeInForce,
		ReduceOnly:    req.ReduceOnly,
		PostOnly:      req.PostOnly,
		ClientOrderID: req.ClientOrderID,
		Status:        StatusPending,
		CreatedTs:     now,
		UpdatedTs:     now,
	}
	if resp != nil {
		order.OrderID = resp.ID
		if resp.ClientOrderID != "" {
			order.ClientOrderID = resp.ClientOrderID
		}
	}
	return order
}
