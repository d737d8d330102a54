package market

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func testCandle(t *testing.T, ts int64, closePrice float64) Candle {
	t.Helper()
	c, err := NewCandle("BTCUSDT", TF1m, ts, closePrice, closePrice+1, closePrice-1, closePrice, 10)
	if err != nil {
		t.Fatal(err)
	}
	c.IsClosed = true
	return c
}

func TestStoreOrdering(t *testing.T) {
	store := NewCandleStore(nil, zerolog.Nop())

	if err := store.AddCandle(testCandle(t, 1640000040000, 100)); err != nil {
		t.Fatal(err)
	}
	if err := store.AddCandle(testCandle(t, 1640000100000, 101)); err != nil {
		t.Fatal(err)
	}

	// Same timestamp and close is a duplicate.
	err := store.AddCandle(testCandle(t, 1640000100000, 101))
	if !errors.Is(err, ErrDuplicateCandle) {
		t.Fatalf("want ErrDuplicateCandle, got %v", err)
	}

	// Older timestamp is stale.
	err = store.AddCandle(testCandle(t, 1640000040000, 102))
	if !errors.Is(err, ErrStaleCandle) {
		t.Fatalf("want ErrStaleCandle, got %v", err)
	}

	// Same timestamp, different close is stale too, not a duplicate.
	err = store.AddCandle(testCandle(t, 1640000100000, 102))
	if !errors.Is(err, ErrStaleCandle) {
		t.Fatalf("want ErrStaleCandle, got %v", err)
	}

	if got := store.GetCandleCount("BTCUSDT", TF1m); got != 2 {
		t.Fatalf("count = %d", got)
	}
}

func TestStoreFIFOEviction(t *testing.T) {
	store := NewCandleStore(&StoreConfig{MaxCandles: 3}, zerolog.Nop())

	base := int64(1640000040000)
	for i := 0; i < 5; i++ {
		if err := store.AddCandle(testCandle(t, base+int64(i)*60000, 100+float64(i))); err != nil {
			t.Fatal(err)
		}
	}

	candles := store.GetCandles("BTCUSDT", TF1m, 0)
	if len(candles) != 3 {
		t.Fatalf("len = %d", len(candles))
	}
	// Oldest two evicted.
	if candles[0].Close != 102 || candles[2].Close != 104 {
		t.Fatalf("wrong survivors: %v .. %v", candles[0].Close, candles[2].Close)
	}
}

func TestStoreGetCandlesLimit(t *testing.T) {
	store := NewCandleStore(nil, zerolog.Nop())
	base := int64(1640000040000)
	for i := 0; i < 5; i++ {
		if err := store.AddCandle(testCandle(t, base+int64(i)*60000, 100+float64(i))); err != nil {
			t.Fatal(err)
		}
	}

	last2 := store.GetCandles("BTCUSDT", TF1m, 2)
	if len(last2) != 2 || last2[0].Close != 103 || last2[1].Close != 104 {
		t.Fatalf("limit slice wrong: %+v", last2)
	}

	// Returned slice is a copy.
	last2[0].Close = 999
	if store.GetCandles("BTCUSDT", TF1m, 2)[0].Close == 999 {
		t.Fatal("GetCandles leaked internal storage")
	}

	if got := store.GetCandles("ETHUSDT", TF1m, 10); len(got) != 0 {
		t.Fatalf("unknown key returned %d candles", len(got))
	}
}

func TestStoreGetLatest(t *testing.T) {
	store := NewCandleStore(nil, zerolog.Nop())
	if _, ok := store.GetLatest("BTCUSDT", TF1m); ok {
		t.Fatal("empty store should have no latest")
	}

	store.AddCandle(testCandle(t, 1640000040000, 100))
	store.AddCandle(testCandle(t, 1640000100000, 105))

	latest, ok := store.GetLatest("BTCUSDT", TF1m)
	if !ok || latest.Close != 105 {
		t.Fatalf("latest = %+v ok=%v", latest, ok)
	}
}

func TestStoreClearWildcards(t *testing.T) {
	store := NewCandleStore(nil, zerolog.Nop())
	add := func(symbol string, tf Timeframe) {
		c, err := NewCandle(symbol, tf, 1640000040000, 100, 101, 99, 100, 1)
		if err != nil {
			t.Fatal(err)
		}
		if err := store.AddCandle(c); err != nil {
			t.Fatal(err)
		}
	}
	add("BTCUSDT", TF1m)
	add("BTCUSDT", TF5m)
	add("ETHUSDT", TF1m)

	if removed := store.Clear("BTCUSDT", ""); removed != 2 {
		t.Fatalf("symbol clear removed %d", removed)
	}
	if store.GetCandleCount("ETHUSDT", TF1m) != 1 {
		t.Fatal("clear touched another symbol")
	}

	if removed := store.Clear("", ""); removed != 1 {
		t.Fatalf("full clear removed %d", removed)
	}
	if store.Stats().TotalCandles != 0 {
		t.Fatal("store not empty after full clear")
	}
}

func TestStoreStats(t *testing.T) {
	store := NewCandleStore(nil, zerolog.Nop())
	store.AddCandle(testCandle(t, 1640000040000, 100))
	store.AddCandle(testCandle(t, 1640000100000, 101))

	stats := store.Stats()
	if stats.TotalCandles != 2 || stats.StorageCount != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.MemoryMB <= 0 {
		t.Fatal("memory estimate should be positive")
	}
}
