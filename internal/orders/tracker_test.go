package orders

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-structure-bot/internal/events"
	"futures-structure-bot/internal/exchange"
)

func newTestTracker(t *testing.T) (*OrderTracker, *eventCollector) {
	t.Helper()
	bus := events.NewEventBus(nil, zerolog.Nop())
	collector := &eventCollector{}
	bus.SubscribeAll(collector)
	bus.Start()
	t.Cleanup(bus.Stop)

	tracker := NewOrderTracker(&TrackerConfig{MaxHistorySize: 3}, bus, zerolog.Nop())
	return tracker, collector
}

func trackedOrder(t *testing.T, tracker *OrderTracker, orderID, clientID string) *Order {
	t.Helper()
	order := NewOrder(exchange.OrderRequest{
		Symbol:        "BTCUSDT",
		Type:          exchange.OrderTypeLimit,
		Side:          exchange.SideBuy,
		Quantity:      decimal.NewFromInt(2),
		Price:         decimal.NewFromInt(50000),
		ClientOrderID: clientID,
	}, nil)
	order.OrderID = orderID
	if err := tracker.Track(order); err != nil {
		t.Fatal(err)
	}
	return order
}

func report(orderID, status string, filled, quote string) *exchange.ExecutionReport {
	return &exchange.ExecutionReport{
		EventType:     "executionReport",
		OrderID:       json.Number(orderID),
		Symbol:        "BTCUSDT",
		Status:        status,
		CumFilledQty:  decimal.RequireFromString(filled),
		CumQuoteValue: decimal.RequireFromString(quote),
	}
}

func TestTrackRequiresAnID(t *testing.T) {
	tracker, _ := newTestTracker(t)

	order := NewOrder(exchange.OrderRequest{Symbol: "BTCUSDT"}, nil)
	if err := tracker.Track(order); err == nil {
		t.Fatal("order without any ID must be rejected")
	}
}

func TestTrackRejectsDuplicate(t *testing.T) {
	tracker, _ := newTestTracker(t)

	trackedOrder(t, tracker, "1001", "")
	dup := NewOrder(exchange.OrderRequest{Symbol: "BTCUSDT", Quantity: decimal.NewFromInt(1)}, nil)
	dup.OrderID = "1001"
	if err := tracker.Track(dup); err == nil {
		t.Fatal("duplicate order ID must be rejected")
	}
}

func TestFillLifecycle(t *testing.T) {
	tracker, collector := newTestTracker(t)
	trackedOrder(t, tracker, "1001", "fsb-abc")

	tracker.ApplyReport(report("1001", "NEW", "0", "0"))
	order, ok := tracker.GetOrder("1001")
	if !ok || order.Status != StatusPlaced {
		t.Fatalf("order = %+v", order)
	}
	waitEvents(t, collector, events.EventOrderPlaced, 1)

	tracker.ApplyReport(report("1001", "PARTIALLY_FILLED", "1", "50000"))
	order, _ = tracker.GetOrder("1001")
	if order.Status != StatusPartiallyFilled {
		t.Fatalf("status = %s", order.Status)
	}
	if !order.FilledQty.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("filled = %s", order.FilledQty)
	}
	if !order.AveragePrice.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("avg price = %s", order.AveragePrice)
	}

	tracker.ApplyReport(report("1001", "FILLED", "2", "100100"))
	if _, ok := tracker.GetOrder("1001"); ok {
		t.Fatal("terminal order must leave the active set")
	}
	waitEvents(t, collector, events.EventOrderFilled, 1)

	history := tracker.History()
	if len(history) != 1 || history[0].Status != StatusFilled {
		t.Fatalf("history = %+v", history)
	}
	if !history[0].AveragePrice.Equal(decimal.NewFromInt(50050)) {
		t.Fatalf("avg price = %s", history[0].AveragePrice)
	}
	if len(history[0].StatusHistory) != 3 {
		t.Fatalf("status history rows = %d", len(history[0].StatusHistory))
	}

	stats := tracker.Stats()
	if stats.ReportsApplied != 3 || stats.TerminalReached != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestTerminalOrdersIgnoreFurtherReports(t *testing.T) {
	tracker, _ := newTestTracker(t)
	trackedOrder(t, tracker, "1001", "")

	tracker.ApplyReport(report("1001", "NEW", "0", "0"))
	tracker.ApplyReport(report("1001", "CANCELED", "0", "0"))
	tracker.ApplyReport(report("1001", "FILLED", "2", "100000"))

	history := tracker.History()
	if len(history) != 1 || history[0].Status != StatusCancelled {
		t.Fatalf("history = %+v", history)
	}
	if tracker.Stats().ReportsIgnored != 1 {
		t.Fatalf("stats = %+v", tracker.Stats())
	}
}

func TestFilledQtyNeverRegresses(t *testing.T) {
	tracker, _ := newTestTracker(t)
	trackedOrder(t, tracker, "1001", "")

	tracker.ApplyReport(report("1001", "NEW", "0", "0"))
	tracker.ApplyReport(report("1001", "PARTIALLY_FILLED", "1.5", "75000"))
	// Stale out-of-order report with a smaller cumulative fill.
	tracker.ApplyReport(report("1001", "PARTIALLY_FILLED", "1", "50000"))

	order, _ := tracker.GetOrder("1001")
	if !order.FilledQty.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("filled = %s", order.FilledQty)
	}
	if !order.AveragePrice.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("avg price = %s", order.AveragePrice)
	}
}

func TestRejectedReportEmitsError(t *testing.T) {
	tracker, collector := newTestTracker(t)
	trackedOrder(t, tracker, "1001", "")

	rep := report("1001", "REJECTED", "0", "0")
	rep.ErrorMessage = "Account has insufficient balance"
	tracker.ApplyReport(rep)

	waitEvents(t, collector, events.EventErrorOccurred, 1)
	event, _ := collector.firstOf(events.EventErrorOccurred)
	payload, ok := event.Data.(OrderError)
	if !ok || payload.Message != "Account has insufficient balance" {
		t.Fatalf("payload = %+v", event.Data)
	}

	history := tracker.History()
	if len(history) != 1 || history[0].Status != StatusFailed {
		t.Fatalf("history = %+v", history)
	}
}

func TestExpiredEmitsCancelledEvent(t *testing.T) {
	tracker, collector := newTestTracker(t)
	trackedOrder(t, tracker, "1001", "")

	tracker.ApplyReport(report("1001", "NEW", "0", "0"))
	tracker.ApplyReport(report("1001", "EXPIRED", "0", "0"))

	waitEvents(t, collector, events.EventOrderCancelled, 1)
}

func TestUnknownStatusAndUntrackedOrderCounted(t *testing.T) {
	tracker, _ := newTestTracker(t)
	trackedOrder(t, tracker, "1001", "")

	tracker.ApplyReport(report("1001", "PENDING_CANCEL", "0", "0"))
	tracker.ApplyReport(report("9999", "NEW", "0", "0"))

	stats := tracker.Stats()
	if stats.InvalidReports != 1 || stats.ReportsIgnored != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	order, _ := tracker.GetOrder("1001")
	if order.Status != StatusPending {
		t.Fatalf("status = %s", order.Status)
	}
}

func TestLateOrderIDBinding(t *testing.T) {
	tracker, _ := newTestTracker(t)

	order := NewOrder(exchange.OrderRequest{
		Symbol:        "BTCUSDT",
		Type:          exchange.OrderTypeLimit,
		Side:          exchange.SideBuy,
		Quantity:      decimal.NewFromInt(1),
		Price:         decimal.NewFromInt(50000),
		ClientOrderID: "fsb-late",
	}, nil)
	if err := tracker.Track(order); err != nil {
		t.Fatal(err)
	}

	rep := report("2001", "NEW", "0", "0")
	rep.ClientOrderID = "fsb-late"
	tracker.ApplyReport(rep)

	bound, ok := tracker.GetOrder("2001")
	if !ok || bound.ClientOrderID != "fsb-late" || bound.Status != StatusPlaced {
		t.Fatalf("bound = %+v", bound)
	}
	if byClient, ok := tracker.GetByClientID("fsb-late"); !ok || byClient != bound {
		t.Fatal("client index lost after binding")
	}
}

func TestHistoryIsBoundedNewestFirst(t *testing.T) {
	tracker, _ := newTestTracker(t)

	for _, id := range []string{"1001", "1002", "1003", "1004"} {
		order := trackedOrder(t, tracker, id, "")
		tracker.ApplyReport(report(order.OrderID, "NEW", "0", "0"))
		tracker.ApplyReport(report(order.OrderID, "FILLED", "2", "100000"))
	}

	history := tracker.History()
	if len(history) != 3 {
		t.Fatalf("history = %d", len(history))
	}
	if history[0].OrderID != "1004" || history[2].OrderID != "1002" {
		t.Fatalf("order = %s, %s", history[0].OrderID, history[2].OrderID)
	}
}
