package risk

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-structure-bot/internal/positions"
)

func TestTrailingStopMath(t *testing.T) {
	entry := decimal.NewFromInt(50000)

	// Long: 1% below the high water mark 51000 is 50490.
	stop := TrailingStop(positions.SideLong, entry, decimal.NewFromInt(51000), 1.0)
	if !stop.Equal(decimal.NewFromInt(50490)) {
		t.Fatalf("stop = %s", stop)
	}

	// Water mark barely above entry: the trail would sit below entry, so the
	// stop floors at entry.
	stop = TrailingStop(positions.SideLong, entry, decimal.NewFromInt(50100), 1.0)
	if !stop.Equal(entry) {
		t.Fatalf("stop = %s", stop)
	}

	// Short mirrors: 1% above the low water mark, ceilinged at entry.
	stop = TrailingStop(positions.SideShort, entry, decimal.NewFromInt(49000), 1.0)
	if !stop.Equal(decimal.NewFromInt(49490)) {
		t.Fatalf("stop = %s", stop)
	}
	stop = TrailingStop(positions.SideShort, entry, decimal.NewFromInt(49900), 1.0)
	if !stop.Equal(entry) {
		t.Fatalf("stop = %s", stop)
	}
}

func TestLongStopRatchetsUpOnly(t *testing.T) {
	tsm := NewTrailingStopManager(&TrailingConfig{TrailingPct: 1.0, ActivationPct: 0.5}, zerolog.Nop())
	tsm.Track("BTCUSDT", positions.SideLong, decimal.NewFromInt(50000), decimal.NewFromInt(49500))

	// Below activation profit: no move.
	if update := tsm.UpdatePrice("BTCUSDT", decimal.NewFromInt(50100)); update != nil {
		t.Fatalf("update = %+v", update)
	}

	// 2% profit arms trailing; stop moves to 51000*0.99 = 50490.
	update := tsm.UpdatePrice("BTCUSDT", decimal.NewFromInt(51000))
	if update == nil || !update.NewStop.Equal(decimal.NewFromInt(50490)) {
		t.Fatalf("update = %+v", update)
	}

	// Price retraces: water mark and stop hold.
	if update := tsm.UpdatePrice("BTCUSDT", decimal.NewFromInt(50600)); update != nil {
		t.Fatalf("update = %+v", update)
	}
	stop, _ := tsm.CurrentStop("BTCUSDT")
	if !stop.Equal(decimal.NewFromInt(50490)) {
		t.Fatalf("stop = %s", stop)
	}

	// New high ratchets further up.
	update = tsm.UpdatePrice("BTCUSDT", decimal.NewFromInt(52000))
	if update == nil || !update.NewStop.Equal(decimal.NewFromInt(51480)) {
		t.Fatalf("update = %+v", update)
	}
}

func TestStopTriggerReported(t *testing.T) {
	tsm := NewTrailingStopManager(nil, zerolog.Nop())
	tsm.Track("BTCUSDT", positions.SideLong, decimal.NewFromInt(50000), decimal.NewFromInt(49500))

	update := tsm.UpdatePrice("BTCUSDT", decimal.NewFromInt(49400))
	if update == nil || !update.Triggered {
		t.Fatalf("update = %+v", update)
	}
	if !update.TriggerPrice.Equal(decimal.NewFromInt(49400)) {
		t.Fatalf("trigger = %s", update.TriggerPrice)
	}
}

func TestShortStopRatchetsDown(t *testing.T) {
	tsm := NewTrailingStopManager(&TrailingConfig{TrailingPct: 1.0, ActivationPct: 0.5}, zerolog.Nop())
	tsm.Track("ETHUSDT", positions.SideShort, decimal.NewFromInt(3000), decimal.NewFromInt(3100))

	// 5% in profit: stop trails to 2850*1.01 = 2878.5.
	update := tsm.UpdatePrice("ETHUSDT", decimal.NewFromInt(2850))
	if update == nil || !update.NewStop.Equal(decimal.RequireFromString("2878.5")) {
		t.Fatalf("update = %+v", update)
	}

	// Bounce toward the stop does not loosen it.
	if update := tsm.UpdatePrice("ETHUSDT", decimal.NewFromInt(2870)); update != nil {
		t.Fatalf("update = %+v", update)
	}
}

func TestUntrackedSymbolIgnored(t *testing.T) {
	tsm := NewTrailingStopManager(nil, zerolog.Nop())
	if update := tsm.UpdatePrice("BTCUSDT", decimal.NewFromInt(50000)); update != nil {
		t.Fatalf("update = %+v", update)
	}

	tsm.Track("BTCUSDT", positions.SideLong, decimal.NewFromInt(50000), decimal.NewFromInt(49500))
	tsm.Untrack("BTCUSDT")
	if _, ok := tsm.Get("BTCUSDT"); ok {
		t.Fatal("untracked symbol still present")
	}
}
