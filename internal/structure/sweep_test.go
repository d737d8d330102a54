package structure

import (
	"math"
	"testing"

	"github.com/rs/zerolog"

	"futures-structure-bot/internal/market"
)

func fxSweepCandle(i int, open, high, low, closePrice float64) market.Candle {
	return market.Candle{
		Symbol:    "EURUSD",
		Timeframe: market.TF1m,
		Timestamp: 1640000040000 + int64(i)*60000,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    10,
		IsClosed:  true,
	}
}

func sweepBuySideLevel(price float64) *LiquidityLevel {
	return &LiquidityLevel{
		Type:              BuySideLiquidity,
		Price:             price,
		Symbol:            "EURUSD",
		Timeframe:         "1m",
		State:             LevelActive,
		OriginCandleIndex: 0,
	}
}

func TestBearishSweepCompletes(t *testing.T) {
	detector := NewLiquiditySweepDetector(nil, nil, zerolog.Nop())
	level := sweepBuySideLevel(1.10000)

	candles := []market.Candle{
		fxSweepCandle(0, 1.09950, 1.09980, 1.09920, 1.09960),
		// Breaches the level by 5 pips and closes above it.
		fxSweepCandle(1, 1.09960, 1.10050, 1.09950, 1.10030),
		// Reverses: closes 3 pips below the level.
		fxSweepCandle(2, 1.10030, 1.10035, 1.09960, 1.09970),
	}
	levels := []*LiquidityLevel{level}

	if done := detector.ProcessCandle(candles, 1, levels); len(done) != 0 {
		t.Fatal("sweep completed before reversal")
	}
	cand, ok := detector.Candidate(level)
	if !ok || cand.State != SweepCloseConfirmed {
		t.Fatalf("after breach candle: %+v ok=%v", cand, ok)
	}

	done := detector.ProcessCandle(candles, 2, levels)
	if len(done) != 1 {
		t.Fatalf("completed sweeps = %d", len(done))
	}

	sweep := done[0]
	if sweep.Direction != BearishSweep || sweep.State != SweepCompleted || !sweep.IsValid {
		t.Fatalf("sweep = %+v", sweep)
	}
	if math.Abs(sweep.BreachDistancePips-5) > 1e-6 {
		t.Fatalf("breach distance = %f pips, want 5", sweep.BreachDistancePips)
	}
	if sweep.BreachIndex != 1 || sweep.CloseIndex != 1 || sweep.ReversalIndex != 2 {
		t.Fatalf("sweep indices: %+v", sweep)
	}
	if sweep.ReversalStrength < detector.config.MinReversalStrength {
		t.Fatalf("reversal strength = %f", sweep.ReversalStrength)
	}
	if level.State != LevelSwept {
		t.Fatalf("level state = %s, want SWEPT", level.State)
	}
}

func TestBullishSweepCompletes(t *testing.T) {
	detector := NewLiquiditySweepDetector(nil, nil, zerolog.Nop())
	level := &LiquidityLevel{
		Type: SellSideLiquidity, Price: 1.10000, Symbol: "EURUSD",
		Timeframe: "1m", State: LevelActive, OriginCandleIndex: 0,
	}

	candles := []market.Candle{
		fxSweepCandle(0, 1.10050, 1.10080, 1.10020, 1.10040),
		// Breaches below by 5 pips, closes below.
		fxSweepCandle(1, 1.10040, 1.10050, 1.09950, 1.09970),
		// Reverses back above by 3 pips.
		fxSweepCandle(2, 1.09970, 1.10040, 1.09965, 1.10030),
	}
	levels := []*LiquidityLevel{level}

	detector.ProcessCandle(candles, 1, levels)
	done := detector.ProcessCandle(candles, 2, levels)
	if len(done) != 1 || done[0].Direction != BullishSweep {
		t.Fatalf("done = %+v", done)
	}
	if level.State != LevelSwept {
		t.Fatalf("level state = %s", level.State)
	}
}

func TestBreachOutsideBandIgnored(t *testing.T) {
	detector := NewLiquiditySweepDetector(nil, nil, zerolog.Nop())

	// 1 pip breach: below the 2-pip minimum.
	shallow := sweepBuySideLevel(1.10000)
	candles := []market.Candle{
		fxSweepCandle(0, 1.09950, 1.09980, 1.09920, 1.09960),
		fxSweepCandle(1, 1.09960, 1.10010, 1.09950, 1.10005),
	}
	detector.ProcessCandle(candles, 1, []*LiquidityLevel{shallow})
	if _, ok := detector.Candidate(shallow); ok {
		t.Fatal("sub-minimum breach created a candidate")
	}

	// 15 pip breach: above the 10-pip maximum.
	deep := sweepBuySideLevel(1.10000)
	candles[1] = fxSweepCandle(1, 1.09960, 1.10150, 1.09950, 1.10100)
	detector.ProcessCandle(candles, 1, []*LiquidityLevel{deep})
	if _, ok := detector.Candidate(deep); ok {
		t.Fatal("over-maximum breach created a candidate")
	}
}

func TestBreachedTimesOutWithoutClose(t *testing.T) {
	detector := NewLiquiditySweepDetector(nil, nil, zerolog.Nop())
	level := sweepBuySideLevel(1.10000)

	candles := []market.Candle{
		fxSweepCandle(0, 1.09950, 1.09980, 1.09920, 1.09960),
		// Wick through the level but close below: BREACHED, not confirmed.
		fxSweepCandle(1, 1.09960, 1.10050, 1.09950, 1.09990),
		fxSweepCandle(2, 1.09990, 1.09995, 1.09960, 1.09980),
		fxSweepCandle(3, 1.09980, 1.09990, 1.09950, 1.09970),
		fxSweepCandle(4, 1.09970, 1.09985, 1.09940, 1.09960),
	}
	levels := []*LiquidityLevel{level}

	for i := 1; i <= 4; i++ {
		detector.ProcessCandle(candles, i, levels)
	}

	if _, ok := detector.Candidate(level); ok {
		t.Fatal("stale BREACHED candidate survived")
	}
	if detector.Stats().CandidatesTimedOut != 1 {
		t.Fatalf("stats = %+v", detector.Stats())
	}
	if level.State != LevelActive {
		t.Fatalf("timeout mutated the level: %s", level.State)
	}
}

func TestCloseConfirmedTimesOutWithoutReversal(t *testing.T) {
	cfg := DefaultSweepConfig()
	cfg.MaxCandlesForReversal = 2
	detector := NewLiquiditySweepDetector(cfg, nil, zerolog.Nop())
	level := sweepBuySideLevel(1.10000)

	candles := []market.Candle{
		fxSweepCandle(0, 1.09950, 1.09980, 1.09920, 1.09960),
		fxSweepCandle(1, 1.09960, 1.10050, 1.09950, 1.10030), // breach + confirm
		fxSweepCandle(2, 1.10030, 1.10060, 1.10010, 1.10040), // holds above
		fxSweepCandle(3, 1.10040, 1.10070, 1.10020, 1.10050),
		fxSweepCandle(4, 1.10050, 1.10080, 1.10030, 1.10060),
	}
	levels := []*LiquidityLevel{level}

	for i := 1; i <= 4; i++ {
		detector.ProcessCandle(candles, i, levels)
	}

	if _, ok := detector.Candidate(level); ok {
		t.Fatal("stale CLOSE_CONFIRMED candidate survived")
	}
	if n := len(detector.CompletedSweeps()); n != 0 {
		t.Fatalf("completed = %d", n)
	}
}

func TestSweptLevelNotRetracked(t *testing.T) {
	detector := NewLiquiditySweepDetector(nil, nil, zerolog.Nop())
	level := sweepBuySideLevel(1.10000)
	level.MarkSwept(1)

	candles := []market.Candle{
		fxSweepCandle(0, 1.09950, 1.09980, 1.09920, 1.09960),
		fxSweepCandle(1, 1.09960, 1.10050, 1.09950, 1.10030),
	}
	detector.ProcessCandle(candles, 1, []*LiquidityLevel{level})
	if _, ok := detector.Candidate(level); ok {
		t.Fatal("terminal level got a new candidate")
	}
}
