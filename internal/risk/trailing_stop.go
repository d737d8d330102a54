package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-structure-bot/internal/positions"
)

// TrailingConfig tunes the trailing-stop distance and activation.
type TrailingConfig struct {
	// TrailingPct is the distance from the water mark, in percent.
	TrailingPct float64 `json:"trailing_pct"`
	// ActivationPct is the unleveraged profit percent that arms trailing.
	ActivationPct float64 `json:"activation_pct"`
}

// DefaultTrailingConfig trails 1% behind the water mark once 0.5% in profit.
func DefaultTrailingConfig() *TrailingConfig {
	return &TrailingConfig{
		TrailingPct:   1.0,
		ActivationPct: 0.5,
	}
}

// TrailingPosition tracks one position's water marks and stop.
type TrailingPosition struct {
	Symbol       string          `json:"symbol"`
	Side         positions.Side  `json:"side"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	CurrentStop  decimal.Decimal `json:"current_stop"`
	OriginalStop decimal.Decimal `json:"original_stop"`
	// HighWaterMark is the highest price seen for longs, LowWaterMark the
	// lowest for shorts.
	HighWaterMark decimal.Decimal `json:"high_water_mark"`
	LowWaterMark  decimal.Decimal `json:"low_water_mark"`
	Activated     bool            `json:"activated"`
	LastUpdate    time.Time       `json:"last_update"`
}

// StopUpdate reports a stop move or a trigger.
type StopUpdate struct {
	Symbol       string          `json:"symbol"`
	OldStop      decimal.Decimal `json:"old_stop"`
	NewStop      decimal.Decimal `json:"new_stop"`
	Triggered    bool            `json:"triggered"`
	TriggerPrice decimal.Decimal `json:"trigger_price,omitempty"`
}

// TrailingStopManager trails stops behind the best price reached. Long stops
// only ratchet up and never drop below entry once trailing; shorts mirror.
type TrailingStopManager struct {
	mu      sync.RWMutex
	tracked map[string]*TrailingPosition
	config  *TrailingConfig
	logger  zerolog.Logger
}

// NewTrailingStopManager creates the manager.
func NewTrailingStopManager(config *TrailingConfig, logger zerolog.Logger) *TrailingStopManager {
	if config == nil {
		config = DefaultTrailingConfig()
	}
	return &TrailingStopManager{
		tracked: make(map[string]*TrailingPosition),
		config:  config,
		logger:  logger.With().Str("component", "TrailingStopManager").Logger(),
	}
}

// Track starts trailing a position from its entry and initial stop.
func (tsm *TrailingStopManager) Track(symbol string, side positions.Side, entry, stopLoss decimal.Decimal) {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()

	tsm.tracked[symbol] = &TrailingPosition{
		Symbol:        symbol,
		Side:          side,
		EntryPrice:    entry,
		CurrentStop:   stopLoss,
		OriginalStop:  stopLoss,
		HighWaterMark: entry,
		LowWaterMark:  entry,
		LastUpdate:    time.Now(),
	}
	tsm.logger.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("entry", entry.String()).
		Str("stop", stopLoss.String()).
		Msg("Trailing stop tracking started")
}

// Untrack stops trailing a symbol.
func (tsm *TrailingStopManager) Untrack(symbol string) {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()
	delete(tsm.tracked, symbol)
}

// UpdatePrice folds a new price into the water marks and returns a stop move
// or trigger, if any.
func (tsm *TrailingStopManager) UpdatePrice(symbol string, price decimal.Decimal) *StopUpdate {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()

	pos, ok := tsm.tracked[symbol]
	if !ok {
		return nil
	}
	defer func() { pos.LastUpdate = time.Now() }()

	if pos.Side == positions.SideLong {
		return tsm.updateLong(pos, price)
	}
	return tsm.updateShort(pos, price)
}

func (tsm *TrailingStopManager) updateLong(pos *TrailingPosition, price decimal.Decimal) *StopUpdate {
	if pos.CurrentStop.IsPositive() && price.LessThanOrEqual(pos.CurrentStop) {
		return &StopUpdate{
			Symbol: pos.Symbol, OldStop: pos.CurrentStop, NewStop: pos.CurrentStop,
			Triggered: true, TriggerPrice: price,
		}
	}
	if price.GreaterThan(pos.HighWaterMark) {
		pos.HighWaterMark = price
	}

	profitPct, _ := price.Sub(pos.EntryPrice).Div(pos.EntryPrice).Mul(decimal.NewFromInt(100)).Float64()
	if !pos.Activated && profitPct >= tsm.config.ActivationPct {
		pos.Activated = true
		tsm.logger.Info().Str("symbol", pos.Symbol).Float64("profit_pct", profitPct).Msg("Trailing stop armed")
	}
	if !pos.Activated {
		return nil
	}

	candidate := TrailingStop(positions.SideLong, pos.EntryPrice, pos.HighWaterMark, tsm.config.TrailingPct)
	if candidate.GreaterThan(pos.CurrentStop) {
		old := pos.CurrentStop
		pos.CurrentStop = candidate
		tsm.logger.Debug().
			Str("symbol", pos.Symbol).
			Str("old_stop", old.String()).
			Str("new_stop", candidate.String()).
			Msg("Trailing stop raised")
		return &StopUpdate{Symbol: pos.Symbol, OldStop: old, NewStop: candidate}
	}
	return nil
}

func (tsm *TrailingStopManager) updateShort(pos *TrailingPosition, price decimal.Decimal) *StopUpdate {
	if pos.CurrentStop.IsPositive() && price.GreaterThanOrEqual(pos.CurrentStop) {
		return &StopUpdate{
			Symbol: pos.Symbol, OldStop: pos.CurrentStop, NewStop: pos.CurrentStop,
			Triggered: true, TriggerPrice: price,
		}
	}
	if price.LessThan(pos.LowWaterMark) {
		pos.LowWaterMark = price
	}

	profitPct, _ := pos.EntryPrice.Sub(price).Div(pos.EntryPrice).Mul(decimal.NewFromInt(100)).Float64()
	if !pos.Activated && profitPct >= tsm.config.ActivationPct {
		pos.Activated = true
		tsm.logger.Info().Str("symbol", pos.Symbol).Float64("profit_pct", profitPct).Msg("Trailing stop armed")
	}
	if !pos.Activated {
		return nil
	}

	candidate := TrailingStop(positions.SideShort, pos.EntryPrice, pos.LowWaterMark, tsm.config.TrailingPct)
	if candidate.LessThan(pos.CurrentStop) {
		old := pos.CurrentStop
		pos.CurrentStop = candidate
		tsm.logger.Debug().
			Str("symbol", pos.Symbol).
			Str("old_stop", old.String()).
			Str("new_stop", candidate.String()).
			Msg("Trailing stop lowered")
		return &StopUpdate{Symbol: pos.Symbol, OldStop: old, NewStop: candidate}
	}
	return nil
}

// TrailingStop computes the stateless stop for a given extreme: longs trail
// trailingPct below the high water mark, floored at entry; shorts trail
// above the low water mark, ceilinged at entry.
func TrailingStop(side positions.Side, entry, extreme decimal.Decimal, trailingPct float64) decimal.Decimal {
	pct := decimal.NewFromFloat(trailingPct / 100)
	if side == positions.SideLong {
		stop := extreme.Mul(decimal.NewFromInt(1).Sub(pct))
		if stop.LessThan(entry) {
			return entry
		}
		return stop
	}
	stop := extreme.Mul(decimal.NewFromInt(1).Add(pct))
	if stop.GreaterThan(entry) {
		return entry
	}
	return stop
}

// Get returns a copy of the tracked state for a symbol.
func (tsm *TrailingStopManager) Get(symbol string) (*TrailingPosition, bool) {
	tsm.mu.RLock()
	defer tsm.mu.RUnlock()
	pos, ok := tsm.tracked[symbol]
	if !ok {
		return nil, false
	}
	clone := *pos
	return &clone, true
}

// CurrentStop returns the live stop for a symbol.
func (tsm *TrailingStopManager) CurrentStop(symbol string) (decimal.Decimal, bool) {
	tsm.mu.RLock()
	defer tsm.mu.RUnlock()
	if pos, ok := tsm.tracked[symbol]; ok {
		return pos.CurrentStop, true
	}
	return decimal.Decimal{}, false
}
