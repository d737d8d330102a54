package positions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-structure-bot/internal/events"
	"futures-structure-bot/internal/storage"
)

type busRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *busRecorder) CanHandle(events.EventType) bool { return true }

func (r *busRecorder) Handle(e events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *busRecorder) OnError(events.Event, error) {}

func (r *busRecorder) countOf(t events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func awaitEvents(t *testing.T, r *busRecorder, eventType events.EventType, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.countOf(eventType) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events, have %d", want, eventType, r.countOf(eventType))
}

func newTestManager(t *testing.T) (*Manager, *storage.MemoryPositionRepository, *busRecorder) {
	t.Helper()
	bus := events.NewEventBus(nil, zerolog.Nop())
	recorder := &busRecorder{}
	bus.SubscribeAll(recorder)
	bus.Start()
	t.Cleanup(bus.Stop)

	repo := storage.NewMemoryPositionRepository()
	manager := NewManager(repo, nil, bus, nil, zerolog.Nop())
	return manager, repo, recorder
}

func longRequest() OpenRequest {
	return OpenRequest{
		Symbol:     "BTCUSDT",
		Strategy:   "structure",
		Side:       SideLong,
		Size:       decimal.RequireFromString("0.1"),
		EntryPrice: decimal.NewFromInt(50000),
		Leverage:   10,
	}
}

func TestOpenPositionPersistsAndEmits(t *testing.T) {
	manager, repo, recorder := newTestManager(t)

	position, err := manager.OpenPosition(context.Background(), longRequest())
	if err != nil {
		t.Fatal(err)
	}
	if position.ID == "" || position.Status != StatusOpen {
		t.Fatalf("position = %+v", position)
	}

	record, err := repo.GetPosition(context.Background(), position.ID)
	if err != nil {
		t.Fatal(err)
	}
	if record.Symbol != "BTCUSDT" || record.Status != "OPEN" {
		t.Fatalf("record = %+v", record)
	}

	awaitEvents(t, recorder, events.EventPositionOpened, 1)
}

func TestOnlyOneOpenPositionPerSymbol(t *testing.T) {
	manager, _, _ := newTestManager(t)

	if _, err := manager.OpenPosition(context.Background(), longRequest()); err != nil {
		t.Fatal(err)
	}
	if _, err := manager.OpenPosition(context.Background(), longRequest()); err == nil {
		t.Fatal("duplicate open position must be rejected")
	}
	if len(manager.OpenPositions()) != 1 {
		t.Fatalf("open = %d", len(manager.OpenPositions()))
	}
}

func TestOpenPositionValidation(t *testing.T) {
	manager, _, _ := newTestManager(t)

	bad := longRequest()
	bad.Size = decimal.Zero
	if _, err := manager.OpenPosition(context.Background(), bad); err == nil {
		t.Fatal("zero size must be rejected")
	}

	bad = longRequest()
	bad.Side = "SIDEWAYS"
	if _, err := manager.OpenPosition(context.Background(), bad); err == nil {
		t.Fatal("bad side must be rejected")
	}

	bad = longRequest()
	bad.EntryPrice = decimal.NewFromInt(-1)
	if _, err := manager.OpenPosition(context.Background(), bad); err == nil {
		t.Fatal("negative entry must be rejected")
	}
}

func TestLeveragedUnrealizedPnL(t *testing.T) {
	manager, _, _ := newTestManager(t)

	if _, err := manager.OpenPosition(context.Background(), longRequest()); err != nil {
		t.Fatal(err)
	}

	// LONG 0.1 @ 50000 with 10x leverage, marked at 51000:
	// pnl = (51000-50000)*0.1 = 100, margin = 50000*0.1/10 = 500, pct = 20.
	position, err := manager.UpdatePosition(context.Background(), "BTCUSDT",
		decimal.NewFromInt(51000), decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if !position.UnrealizedPnL.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("pnl = %s", position.UnrealizedPnL)
	}
	if !position.UnrealizedPnLPct.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("pnl pct = %s", position.UnrealizedPnLPct)
	}
}

func TestShortPnLInverts(t *testing.T) {
	manager, _, _ := newTestManager(t)

	req := longRequest()
	req.Side = SideShort
	if _, err := manager.OpenPosition(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	position, err := manager.UpdatePosition(context.Background(), "BTCUSDT",
		decimal.NewFromInt(51000), decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if !position.UnrealizedPnL.Equal(decimal.NewFromInt(-100)) {
		t.Fatalf("pnl = %s", position.UnrealizedPnL)
	}
}

func TestSmallPriceMoveUpdatesSilently(t *testing.T) {
	manager, _, recorder := newTestManager(t)

	if _, err := manager.OpenPosition(context.Background(), longRequest()); err != nil {
		t.Fatal(err)
	}
	awaitEvents(t, recorder, events.EventPositionOpened, 1)

	// 0.02% move: below the 0.1% epsilon, state updates but no event.
	position, err := manager.UpdatePosition(context.Background(), "BTCUSDT",
		decimal.NewFromInt(50010), decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if !position.CurrentPrice.Equal(decimal.NewFromInt(50010)) {
		t.Fatalf("price = %s", position.CurrentPrice)
	}

	// 1% move fires the event.
	if _, err := manager.UpdatePosition(context.Background(), "BTCUSDT",
		decimal.NewFromInt(50511), decimal.Zero); err != nil {
		t.Fatal(err)
	}
	awaitEvents(t, recorder, events.EventPositionUpdated, 1)
	if recorder.countOf(events.EventPositionUpdated) != 1 {
		t.Fatalf("updates = %d", recorder.countOf(events.EventPositionUpdated))
	}
}

func TestSizeChangeAlwaysEmits(t *testing.T) {
	manager, _, recorder := newTestManager(t)

	if _, err := manager.OpenPosition(context.Background(), longRequest()); err != nil {
		t.Fatal(err)
	}

	position, err := manager.UpdatePosition(context.Background(), "BTCUSDT",
		decimal.NewFromInt(50000), decimal.RequireFromString("0.05"))
	if err != nil {
		t.Fatal(err)
	}
	if !position.Size.Equal(decimal.RequireFromString("0.15")) {
		t.Fatalf("size = %s", position.Size)
	}
	awaitEvents(t, recorder, events.EventPositionUpdated, 1)

	// Shrinking to zero or below is rejected.
	if _, err := manager.UpdatePosition(context.Background(), "BTCUSDT",
		decimal.NewFromInt(50000), decimal.RequireFromString("-0.15")); err == nil {
		t.Fatal("non-positive size must be rejected")
	}
}

func TestClosePositionRealizesPnL(t *testing.T) {
	manager, repo, recorder := newTestManager(t)

	opened, err := manager.OpenPosition(context.Background(), longRequest())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := manager.UpdatePosition(context.Background(), "BTCUSDT",
		decimal.NewFromInt(51000), decimal.Zero); err != nil {
		t.Fatal(err)
	}

	closed, err := manager.ClosePosition(context.Background(), "BTCUSDT",
		decimal.NewFromInt(51000), "take profit", decimal.NewFromInt(5))
	if err != nil {
		t.Fatal(err)
	}
	if !closed.RealizedPnL.Equal(decimal.NewFromInt(95)) {
		t.Fatalf("realized = %s", closed.RealizedPnL)
	}
	if !closed.UnrealizedPnL.IsZero() || !closed.UnrealizedPnLPct.IsZero() {
		t.Fatal("unrealized must clear on close")
	}
	if closed.Status != StatusClosed || closed.ClosedTs == nil {
		t.Fatalf("closed = %+v", closed)
	}

	if _, ok := manager.GetPosition("BTCUSDT"); ok {
		t.Fatal("closed position still in open map")
	}
	history := manager.History()
	if len(history) != 1 || history[0].ID != opened.ID {
		t.Fatalf("history = %+v", history)
	}

	record, err := repo.GetPosition(context.Background(), opened.ID)
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != "CLOSED" || record.CloseReason != "take profit" {
		t.Fatalf("record = %+v", record)
	}

	awaitEvents(t, recorder, events.EventPositionClosed, 1)
}

func TestCloseUnknownSymbolFails(t *testing.T) {
	manager, _, _ := newTestManager(t)
	if _, err := manager.ClosePosition(context.Background(), "ETHUSDT",
		decimal.NewFromInt(3000), "", decimal.Zero); err == nil {
		t.Fatal("closing a missing position must fail")
	}
}

func TestUpdateAllPositions(t *testing.T) {
	manager, _, _ := newTestManager(t)

	if _, err := manager.OpenPosition(context.Background(), longRequest()); err != nil {
		t.Fatal(err)
	}
	eth := longRequest()
	eth.Symbol = "ETHUSDT"
	eth.EntryPrice = decimal.NewFromInt(3000)
	if _, err := manager.OpenPosition(context.Background(), eth); err != nil {
		t.Fatal(err)
	}

	updated := manager.UpdateAllPositions(context.Background(), map[string]decimal.Decimal{
		"BTCUSDT": decimal.NewFromInt(50500),
		"ETHUSDT": decimal.NewFromInt(3100),
		"SOLUSDT": decimal.NewFromInt(200), // no such position
	})
	if updated != 2 {
		t.Fatalf("updated = %d", updated)
	}
}
