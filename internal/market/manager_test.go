package market

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestManager(t *testing.T) (*CandleDataManager, *CandleStore) {
	t.Helper()
	store := NewCandleStore(nil, zerolog.Nop())
	proc := NewRealtimeCandleProcessor(nil, store, nil, zerolog.Nop())
	cfg := DefaultManagerConfig()
	cfg.MonitoringEnabled = false
	return NewCandleDataManager(cfg, store, proc, zerolog.Nop()), store
}

func TestAddSymbolNormalizesCase(t *testing.T) {
	mgr, _ := newTestManager(t)

	mgr.AddSymbol("btcusdt", []Timeframe{TF1m}, false)
	mgr.AddSymbol(" BTCUSDT ", []Timeframe{TF5m}, false)

	symbols := mgr.GetSymbols()
	if len(symbols) != 1 || symbols[0] != "BTCUSDT" {
		t.Fatalf("symbols = %v", symbols)
	}

	tfs := mgr.GetTimeframes("btcusdt")
	if len(tfs) != 2 || tfs[0] != TF1m || tfs[1] != TF5m {
		t.Fatalf("timeframes = %v", tfs)
	}
}

func TestAddSymbolMergeAndReplace(t *testing.T) {
	mgr, _ := newTestManager(t)

	mgr.AddSymbol("BTCUSDT", []Timeframe{TF1m, TF1h}, false)
	mgr.AddSymbol("BTCUSDT", []Timeframe{TF5m, TF1m}, false)

	tfs := mgr.GetTimeframes("BTCUSDT")
	if len(tfs) != 3 {
		t.Fatalf("merged timeframes = %v", tfs)
	}

	mgr.AddSymbol("BTCUSDT", []Timeframe{TF15m}, true)
	tfs = mgr.GetTimeframes("BTCUSDT")
	if len(tfs) != 1 || tfs[0] != TF15m {
		t.Fatalf("replaced timeframes = %v", tfs)
	}
}

func TestAddSymbolDropsInvalidTimeframes(t *testing.T) {
	mgr, _ := newTestManager(t)

	mgr.AddSymbol("BTCUSDT", []Timeframe{TF1m, "2m", TF1m}, false)
	tfs := mgr.GetTimeframes("BTCUSDT")
	if len(tfs) != 1 || tfs[0] != TF1m {
		t.Fatalf("timeframes = %v", tfs)
	}
}

func TestGetTimeframesSortedByDuration(t *testing.T) {
	mgr, _ := newTestManager(t)

	mgr.AddSymbol("BTCUSDT", []Timeframe{TF1d, TF1m, TF1h}, false)
	tfs := mgr.GetTimeframes("BTCUSDT")
	want := []Timeframe{TF1m, TF1h, TF1d}
	for i, tf := range want {
		if tfs[i] != tf {
			t.Fatalf("tfs[%d] = %s, want %s", i, tfs[i], tf)
		}
	}
}

func TestRemoveSymbol(t *testing.T) {
	mgr, store := newTestManager(t)

	mgr.AddSymbol("BTCUSDT", []Timeframe{TF1m, TF5m}, false)
	c, _ := NewCandle("BTCUSDT", TF1m, 1640000040000, 100, 101, 99, 100, 1)
	c.IsClosed = true
	store.AddCandle(c)

	// Partial removal keeps the symbol.
	if !mgr.RemoveSymbol("BTCUSDT", []Timeframe{TF5m}, false) {
		t.Fatal("partial removal reported nothing removed")
	}
	if tfs := mgr.GetTimeframes("BTCUSDT"); len(tfs) != 1 || tfs[0] != TF1m {
		t.Fatalf("timeframes after partial removal = %v", tfs)
	}

	// Full removal with clearData purges stored candles.
	if !mgr.RemoveSymbol("btcusdt", nil, true) {
		t.Fatal("full removal reported nothing removed")
	}
	if len(mgr.GetSymbols()) != 0 {
		t.Fatal("symbol survived removal")
	}
	if store.GetCandleCount("BTCUSDT", TF1m) != 0 {
		t.Fatal("candles survived clearData removal")
	}

	if mgr.RemoveSymbol("ETHUSDT", nil, false) {
		t.Fatal("removing an unknown symbol reported success")
	}
}

func TestGetSymbolConfigReturnsCopy(t *testing.T) {
	mgr, _ := newTestManager(t)
	mgr.AddSymbol("BTCUSDT", []Timeframe{TF1m}, false)

	cfg, ok := mgr.GetSymbolConfig("BTCUSDT")
	if !ok || cfg.Symbol != "BTCUSDT" {
		t.Fatalf("config = %+v ok=%v", cfg, ok)
	}

	cfg.Timeframes[0] = TF1d
	again, _ := mgr.GetSymbolConfig("BTCUSDT")
	if again.Timeframes[0] != TF1m {
		t.Fatal("GetSymbolConfig leaked internal slice")
	}

	if _, ok := mgr.GetSymbolConfig("ETHUSDT"); ok {
		t.Fatal("unknown symbol returned a config")
	}
}

func TestMemoryUsageSummary(t *testing.T) {
	mgr, store := newTestManager(t)
	mgr.AddSymbol("BTCUSDT", []Timeframe{TF1m}, false)

	for i := 0; i < 3; i++ {
		c, _ := NewCandle("BTCUSDT", TF1m, 1640000040000+int64(i)*60000, 100, 101, 99, 100, 1)
		c.IsClosed = true
		if err := store.AddCandle(c); err != nil {
			t.Fatal(err)
		}
	}

	summary := mgr.GetMemoryUsageSummary()
	entry, ok := summary["BTCUSDT"]["1m"]
	if !ok {
		t.Fatalf("summary missing BTCUSDT/1m: %+v", summary)
	}
	if entry["candles"] != 3 {
		t.Fatalf("candle count = %f", entry["candles"])
	}
	if entry["memory_mb"] <= 0 {
		t.Fatal("memory estimate should be positive")
	}
}

func TestDashboardState(t *testing.T) {
	mgr, _ := newTestManager(t)
	mgr.AddSymbol("BTCUSDT", []Timeframe{TF1m}, false)

	state := mgr.GetDashboardState()
	symbols, ok := state["symbols"].(map[string][]Timeframe)
	if !ok || len(symbols["BTCUSDT"]) != 1 {
		t.Fatalf("dashboard symbols wrong: %+v", state["symbols"])
	}
	if _, ok := state["storage"].(StoreStats); !ok {
		t.Fatal("dashboard missing storage stats")
	}
	if _, ok := state["processor"].(ProcessorStats); !ok {
		t.Fatal("dashboard missing processor stats")
	}
	if state["uptime_seconds"].(float64) < 0 {
		t.Fatal("negative uptime")
	}
}

func TestOptimizeMemoryRuns(t *testing.T) {
	mgr, _ := newTestManager(t)
	// Just exercise both paths; freed bytes depend on the runtime.
	mgr.OptimizeMemory(false)
	mgr.OptimizeMemory(true)
}

func TestManagerStartStopIdempotent(t *testing.T) {
	store := NewCandleStore(nil, zerolog.Nop())
	cfg := DefaultManagerConfig()
	cfg.MonitoringInterval = 10 * time.Millisecond
	mgr := NewCandleDataManager(cfg, store, nil, zerolog.Nop())

	mgr.Start()
	mgr.Start()
	mgr.Stop()
	mgr.Stop()
}
