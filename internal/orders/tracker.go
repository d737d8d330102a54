package orders

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-structure-bot/internal/events"
	"futures-structure-bot/internal/exchange"
)

// TrackerConfig bounds the closed-order history.
type TrackerConfig struct {
	MaxHistorySize int `json:"max_history_size"`
}

// DefaultTrackerConfig returns safe defaults.
func DefaultTrackerConfig() *TrackerConfig {
	return &TrackerConfig{MaxHistorySize: 200}
}

// TrackerStats summarizes tracking activity.
type TrackerStats struct {
	ActiveOrders    int    `json:"active_orders"`
	HistorySize     int    `json:"history_size"`
	ReportsApplied  uint64 `json:"reports_applied"`
	ReportsIgnored  uint64 `json:"reports_ignored"`
	InvalidReports  uint64 `json:"invalid_reports"`
	TerminalReached uint64 `json:"terminal_reached"`
}

// OrderTracker maintains the lifecycle of every submitted order from broker
// execution reports. Active orders are indexed by exchange order ID with a
// secondary client-order-ID index; terminal orders move to a bounded FIFO
// history, newest first.
type OrderTracker struct {
	mu       sync.Mutex
	active   map[string]*Order
	byClient map[string]*Order
	history  []*Order
	bus      *events.EventBus
	config   *TrackerConfig
	logger   zerolog.Logger
	stats    TrackerStats
}

// NewOrderTracker creates a tracker.
func NewOrderTracker(config *TrackerConfig, bus *events.EventBus, logger zerolog.Logger) *OrderTracker {
	if config == nil {
		config = DefaultTrackerConfig()
	}
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = 200
	}
	return &OrderTracker{
		active:   make(map[string]*Order),
		byClient: make(map[string]*Order),
		bus:      bus,
		config:   config,
		logger:   logger.With().Str("component", "OrderTracker").Logger(),
	}
}

// Track registers a freshly submitted order in PENDING state.
func (ot *OrderTracker) Track(order *Order) error {
	if order.OrderID == "" && order.ClientOrderID == "" {
		return fmt.Errorf("order has neither order_id nor client_order_id")
	}

	ot.mu.Lock()
	defer ot.mu.Unlock()

	if order.OrderID != "" {
		if _, exists := ot.active[order.OrderID]; exists {
			return fmt.Errorf("order %s already tracked", order.OrderID)
		}
		ot.active[order.OrderID] = order
	}
	if order.ClientOrderID != "" {
		ot.byClient[order.ClientOrderID] = order
	}
	return nil
}

// ApplyReport applies one broker execution report. Unknown orders, unknown
// statuses, and illegal transitions are counted and ignored; terminal orders
// never change again.
func (ot *OrderTracker) ApplyReport(report *exchange.ExecutionReport) {
	ot.mu.Lock()

	status, ok := MapBrokerStatus(report.Status)
	if !ok {
		ot.stats.InvalidReports++
		ot.mu.Unlock()
		ot.logger.Warn().Str("status", report.Status).Msg("Unknown broker status ignored")
		return
	}

	order := ot.lookupLocked(report)
	if order == nil {
		ot.stats.ReportsIgnored++
		ot.mu.Unlock()
		ot.logger.Debug().
			Str("order_id", report.OrderID.String()).
			Str("client_order_id", report.ClientOrderID).
			Msg("Report for untracked order ignored")
		return
	}

	if order.Status.IsTerminal() || !CanTransition(order.Status, status) {
		ot.stats.ReportsIgnored++
		ot.mu.Unlock()
		return
	}

	// Late order-ID binding: PENDING orders tracked by client ID only.
	if order.OrderID == "" && report.OrderID.String() != "" {
		order.OrderID = report.OrderID.String()
		ot.active[order.OrderID] = order
	}

	old := order.Status
	order.Status = status
	// Cumulative fills never regress; a stale report keeps the larger value.
	if report.CumFilledQty.GreaterThan(order.FilledQty) {
		order.FilledQty = report.CumFilledQty
		order.AveragePrice = report.AveragePrice()
	}
	order.UpdatedTs = time.Now()
	order.StatusHistory = append(order.StatusHistory, StatusChange{
		Old:          old,
		New:          status,
		FilledQty:    order.FilledQty,
		AveragePrice: order.AveragePrice,
		Timestamp:    order.UpdatedTs,
		Error:        report.ErrorMessage,
	})

	ot.stats.ReportsApplied++
	if status.IsTerminal() {
		ot.finalizeLocked(order)
	}
	ot.mu.Unlock()

	ot.publish(order, old, status, report)
}

func (ot *OrderTracker) lookupLocked(report *exchange.ExecutionReport) *Order {
	if id := report.OrderID.String(); id != "" {
		if order, ok := ot.active[id]; ok {
			return order
		}
	}
	if report.ClientOrderID != "" {
		if order, ok := ot.byClient[report.ClientOrderID]; ok {
			return order
		}
	}
	return nil
}

// finalizeLocked moves a terminal order from the active maps to history.
func (ot *OrderTracker) finalizeLocked(order *Order) {
	delete(ot.active, order.OrderID)
	delete(ot.byClient, order.ClientOrderID)

	ot.history = append([]*Order{order}, ot.history...)
	if len(ot.history) > ot.config.MaxHistorySize {
		ot.history = ot.history[:ot.config.MaxHistorySize]
	}
	ot.stats.TerminalReached++
}

// publish emits the lifecycle event for a transition.
func (ot *OrderTracker) publish(order *Order, old, status OrderStatus, report *exchange.ExecutionReport) {
	if ot.bus == nil {
		return
	}
	switch {
	case status == StatusPlaced && old == StatusPending:
		ot.bus.Publish(events.New(events.EventOrderPlaced, events.PriorityOrderPlaced,
			"OrderTracker", order))
	case status == StatusFilled:
		ot.bus.Publish(events.New(events.EventOrderFilled, events.PriorityOrderFilled,
			"OrderTracker", order))
	case status == StatusCancelled || status == StatusExpired:
		ot.bus.Publish(events.New(events.EventOrderCancelled, events.PriorityOrderCancelled,
			"OrderTracker", order))
	case status == StatusFailed:
		ot.bus.Publish(events.New(events.EventErrorOccurred, events.PriorityStructureBreak,
			"OrderTracker", OrderError{
				Symbol:    order.Symbol,
				Operation: "execution_report",
				Message:   report.ErrorMessage,
			}))
	}
}

// GetOrder returns an active order by exchange order ID.
func (ot *OrderTracker) GetOrder(orderID string) (*Order, bool) {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	order, ok := ot.active[orderID]
	return order, ok
}

// GetByClientID returns an active order by client order ID.
func (ot *OrderTracker) GetByClientID(clientOrderID string) (*Order, bool) {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	order, ok := ot.byClient[clientOrderID]
	return order, ok
}

// ActiveOrders returns a snapshot of all non-terminal orders.
func (ot *OrderTracker) ActiveOrders() []*Order {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	out := make([]*Order, 0, len(ot.active))
	for _, order := range ot.active {
		out = append(out, order)
	}
	return out
}

// History returns the terminal orders, newest first.
func (ot *OrderTracker) History() []*Order {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	out := make([]*Order, len(ot.history))
	copy(out, ot.history)
	return out
}

// Stats returns tracking counters.
func (ot *OrderTracker) Stats() TrackerStats {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	stats := ot.stats
	stats.ActiveOrders = len(ot.active)
	stats.HistorySize = len(ot.history)
	return stats
}
