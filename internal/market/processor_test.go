package market

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-structure-bot/internal/events"
)

// closedCollector records CANDLE_CLOSED events delivered by the bus.
type closedCollector struct {
	mu      sync.Mutex
	candles []Candle
}

func (c *closedCollector) CanHandle(eventType events.EventType) bool {
	return eventType == events.EventCandleClosed
}

func (c *closedCollector) Handle(event events.Event) error {
	candle, ok := event.Data.(Candle)
	if !ok {
		return nil
	}
	c.mu.Lock()
	c.candles = append(c.candles, candle)
	c.mu.Unlock()
	return nil
}

func (c *closedCollector) OnError(events.Event, error) {}

func (c *closedCollector) snapshot() []Candle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Candle, len(c.candles))
	copy(out, c.candles)
	return out
}

func waitForCandles(t *testing.T, c *closedCollector, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(c.snapshot()) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d closed candles, have %d", want, len(c.snapshot()))
}

func newTestProcessor(t *testing.T) (*RealtimeCandleProcessor, *CandleStore, *events.EventBus, *closedCollector) {
	t.Helper()
	store := NewCandleStore(nil, zerolog.Nop())
	bus := events.NewEventBus(nil, zerolog.Nop())
	collector := &closedCollector{}
	bus.Subscribe(events.EventCandleClosed, collector)
	bus.Start()
	t.Cleanup(bus.Stop)

	proc := NewRealtimeCandleProcessor(nil, store, bus, zerolog.Nop())
	bus.Subscribe(events.EventCandleReceived, proc)
	return proc, store, bus, collector
}

func tick(ts int64, closePrice float64) CandleUpdate {
	return CandleUpdate{
		Symbol:    "BTCUSDT",
		Timeframe: "1m",
		Timestamp: ts,
		Open:      closePrice,
		High:      closePrice + 5,
		Low:       closePrice - 5,
		Close:     closePrice,
		Volume:    10,
	}
}

func TestNewTimestampClosesBufferedCandle(t *testing.T) {
	proc, store, _, collector := newTestProcessor(t)

	if err := proc.ProcessUpdate(tick(1640000000000, 50000)); err != nil {
		t.Fatal(err)
	}
	if err := proc.ProcessUpdate(tick(1640000060000, 50010)); err != nil {
		t.Fatal(err)
	}

	waitForCandles(t, collector, 1)
	closed := collector.snapshot()
	if len(closed) != 1 {
		t.Fatalf("closed candles = %d, want exactly 1", len(closed))
	}
	if !closed[0].IsClosed {
		t.Fatal("published candle not marked closed")
	}
	if closed[0].Close != 50000 {
		t.Fatalf("closed candle close = %f, want the first bar", closed[0].Close)
	}

	stored := store.GetCandles("BTCUSDT", TF1m, 0)
	if len(stored) != 1 || !stored[0].IsClosed {
		t.Fatalf("store contents wrong: %+v", stored)
	}

	// Second bar is still buffered, not closed.
	current, ok := proc.CurrentCandle("BTCUSDT", TF1m)
	if !ok || current.Close != 50010 || current.IsClosed {
		t.Fatalf("buffered candle wrong: %+v ok=%v", current, ok)
	}
}

func TestFirstTickNeverCloses(t *testing.T) {
	proc, store, _, collector := newTestProcessor(t)

	if err := proc.ProcessUpdate(tick(1640000000000, 50000)); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := len(collector.snapshot()); n != 0 {
		t.Fatalf("first tick produced %d closed candles", n)
	}
	if store.Stats().TotalCandles != 0 {
		t.Fatal("first tick should not reach the store")
	}
}

func TestDuplicateTickIsIdempotent(t *testing.T) {
	proc, _, _, collector := newTestProcessor(t)

	proc.ProcessUpdate(tick(1640000000000, 50000))
	proc.ProcessUpdate(tick(1640000000000, 50000))
	proc.ProcessUpdate(tick(1640000000000, 50000))
	proc.ProcessUpdate(tick(1640000060000, 50010))

	waitForCandles(t, collector, 1)
	if n := len(collector.snapshot()); n != 1 {
		t.Fatalf("closed candles = %d, want 1", n)
	}

	stats := proc.Stats()
	if stats.DuplicatesFiltered != 2 {
		t.Fatalf("duplicates filtered = %d, want 2", stats.DuplicatesFiltered)
	}
	if stats.CandlesProcessed != 2 {
		t.Fatalf("candles processed = %d, want 2", stats.CandlesProcessed)
	}
}

func TestOutlierTickDropped(t *testing.T) {
	proc, _, _, _ := newTestProcessor(t)

	proc.ProcessUpdate(tick(1640000000000, 50000))
	// 20% jump against the previous close is beyond the 10% threshold.
	if err := proc.ProcessUpdate(tick(1640000000000, 60000)); err != nil {
		t.Fatal(err)
	}

	stats := proc.Stats()
	if stats.OutliersFiltered != 1 {
		t.Fatalf("outliers filtered = %d", stats.OutliersFiltered)
	}

	current, _ := proc.CurrentCandle("BTCUSDT", TF1m)
	if current.Close != 50000 {
		t.Fatalf("outlier overwrote buffered candle: %f", current.Close)
	}
}

func TestIntraCandleUpdateReplacesBuffer(t *testing.T) {
	proc, store, _, collector := newTestProcessor(t)

	proc.ProcessUpdate(tick(1640000000000, 50000))
	proc.ProcessUpdate(tick(1640000000000, 50020))
	proc.ProcessUpdate(tick(1640000060000, 50030))

	waitForCandles(t, collector, 1)
	closed := collector.snapshot()
	if closed[0].Close != 50020 {
		t.Fatalf("closed candle should carry the last intra-bar close, got %f", closed[0].Close)
	}
	if store.GetCandleCount("BTCUSDT", TF1m) != 1 {
		t.Fatal("expected exactly one stored candle")
	}
}

func TestProcessUpdateValidation(t *testing.T) {
	proc, _, _, _ := newTestProcessor(t)

	if err := proc.ProcessUpdate(CandleUpdate{Timeframe: "1m", Timestamp: 1}); err == nil {
		t.Fatal("missing symbol accepted")
	}
	if err := proc.ProcessUpdate(CandleUpdate{Symbol: "BTCUSDT", Timeframe: "2m", Timestamp: 1640000000000, Open: 1, High: 1, Low: 1, Close: 1}); err == nil {
		t.Fatal("unknown timeframe accepted")
	}
	bad := tick(1640000000000, 50000)
	bad.High = 40000
	if err := proc.ProcessUpdate(bad); err == nil {
		t.Fatal("inconsistent OHLC accepted")
	}
}

func TestHandleViaBus(t *testing.T) {
	proc, _, bus, collector := newTestProcessor(t)
	_ = proc

	bus.Publish(events.New(events.EventCandleReceived, events.PriorityCandleReceived, "test", tick(1640000000000, 50000)))
	bus.Publish(events.New(events.EventCandleReceived, events.PriorityCandleReceived, "test", tick(1640000060000, 50010)))

	waitForCandles(t, collector, 1)
	if n := len(collector.snapshot()); n != 1 {
		t.Fatalf("closed candles = %d", n)
	}
}

func TestClearStream(t *testing.T) {
	proc, _, _, _ := newTestProcessor(t)

	proc.ProcessUpdate(tick(1640000000000, 50000))
	proc.ClearStream("BTCUSDT", TF1m)

	if _, ok := proc.CurrentCandle("BTCUSDT", TF1m); ok {
		t.Fatal("stream state survived clear")
	}
	if proc.Stats().ActiveStreams != 0 {
		t.Fatal("active streams should be zero")
	}
}
