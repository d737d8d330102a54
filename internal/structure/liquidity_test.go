package structure

import (
	"testing"

	"github.com/rs/zerolog"

	"futures-structure-bot/internal/market"
)

func TestBuildLevelsMapsSwingSides(t *testing.T) {
	engine := NewLiquidityZoneEngine(nil, zerolog.Nop())
	levels := engine.BuildLevels(zigzagCandles(uptrendPrices))

	if len(levels) == 0 {
		t.Fatal("no levels built")
	}

	buySide, sellSide := 0, 0
	for _, l := range levels {
		switch l.Type {
		case BuySideLiquidity:
			buySide++
		case SellSideLiquidity:
			sellSide++
		}
		if l.State != LevelActive {
			t.Fatalf("fresh level state = %s", l.State)
		}
		if l.Strength < 0 || l.Strength > 100 {
			t.Fatalf("strength out of range: %f", l.Strength)
		}
		if l.Symbol != "BTCUSDT" || l.Timeframe != "1m" {
			t.Fatalf("level identity wrong: %+v", l)
		}
	}
	if buySide == 0 || sellSide == 0 {
		t.Fatalf("expected both sides, got buy=%d sell=%d", buySide, sellSide)
	}
}

func TestClusteringMergesNearbyLevels(t *testing.T) {
	// Two swing highs 2 pips apart with pip size 0.0001 and tolerance 5.
	prices := []float64{
		1.0990, 1.0995, 1.1000, 1.0995, 1.0990, 1.0994, 1.1002, 1.0996,
		1.0990, 1.0985, 1.0980,
	}
	candles := make([]market.Candle, len(prices))
	for i, p := range prices {
		candles[i] = market.Candle{
			Symbol: "EURUSD", Timeframe: market.TF1m,
			Timestamp: 1640000040000 + int64(i)*60000,
			Open:      p, High: p + 0.0001, Low: p - 0.0001, Close: p, Volume: 10,
		}
	}

	cfg := DefaultZoneConfig()
	cfg.SwingLookback = 2
	engine := NewLiquidityZoneEngine(cfg, zerolog.Nop())
	levels := engine.BuildLevels(candles)

	buyLevels := 0
	for _, l := range levels {
		if l.Type == BuySideLiquidity {
			buyLevels++
			if l.Price < 1.1000 || l.Price > 1.1004 {
				t.Fatalf("merged price %f outside cluster band", l.Price)
			}
		}
	}
	if buyLevels != 1 {
		t.Fatalf("buy-side levels = %d, want 1 merged cluster", buyLevels)
	}
}

func TestLevelLifecycle(t *testing.T) {
	level := &LiquidityLevel{Type: BuySideLiquidity, Price: 1.1, State: LevelActive}

	level.MarkTouched(100)
	if level.State != LevelPartial || level.TouchCount != 1 || level.LastTouchTs != 100 {
		t.Fatalf("after touch: %+v", level)
	}

	level.MarkSwept(200)
	if level.State != LevelSwept || level.SweptTs != 200 {
		t.Fatalf("after sweep: %+v", level)
	}

	// SWEPT is terminal.
	level.MarkTouched(300)
	level.MarkSwept(400)
	if level.State != LevelSwept || level.TouchCount != 1 || level.SweptTs != 200 {
		t.Fatalf("terminal state mutated: %+v", level)
	}
}

func TestUpdateLevelStates(t *testing.T) {
	engine := NewLiquidityZoneEngine(nil, zerolog.Nop())

	buyLevel := &LiquidityLevel{Type: BuySideLiquidity, Price: 105, State: LevelActive, OriginCandleIndex: 0}
	sellLevel := &LiquidityLevel{Type: SellSideLiquidity, Price: 95, State: LevelActive, OriginCandleIndex: 0}

	candles := []market.Candle{
		{Timestamp: 1, Open: 100, High: 102, Low: 98, Close: 100},
		// Touches the buy level, closes back below it.
		{Timestamp: 2, Open: 100, High: 106, Low: 99, Close: 104},
		// Closes through the buy level: terminal sweep.
		{Timestamp: 3, Open: 104, High: 107, Low: 103, Close: 106},
		// Would touch again; must not resurrect the swept level.
		{Timestamp: 4, Open: 106, High: 108, Low: 104, Close: 105},
	}

	engine.UpdateLevelStates([]*LiquidityLevel{buyLevel, sellLevel}, candles, 0)

	if buyLevel.State != LevelSwept || buyLevel.TouchCount != 1 {
		t.Fatalf("buy level: %+v", buyLevel)
	}
	if buyLevel.SweptTs != 3 {
		t.Fatalf("swept at %d, want candle 3", buyLevel.SweptTs)
	}
	if sellLevel.State != LevelActive {
		t.Fatalf("untouched sell level mutated: %+v", sellLevel)
	}
}

func TestUpdateLevelStatesSellSide(t *testing.T) {
	engine := NewLiquidityZoneEngine(nil, zerolog.Nop())
	level := &LiquidityLevel{Type: SellSideLiquidity, Price: 95, State: LevelActive, OriginCandleIndex: 0}

	candles := []market.Candle{
		{Timestamp: 1, Open: 100, High: 101, Low: 99, Close: 100},
		{Timestamp: 2, Open: 100, High: 100, Low: 94, Close: 96}, // touch
		{Timestamp: 3, Open: 96, High: 97, Low: 93, Close: 94},   // sweep
	}
	engine.UpdateLevelStates([]*LiquidityLevel{level}, candles, 0)

	if level.State != LevelSwept || level.TouchCount != 1 {
		t.Fatalf("sell level: %+v", level)
	}
}
