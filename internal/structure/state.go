package structure

import (
	"math"

	"github.com/rs/zerolog"

	"futures-structure-bot/internal/events"
)

// MarketState is the composite per-timeframe market condition.
type MarketState string

const (
	StateBullish       MarketState = "BULLISH"
	StateBearish       MarketState = "BEARISH"
	StateRanging       MarketState = "RANGING"
	StateTransitioning MarketState = "TRANSITIONING"
)

// LiquidityProfile summarizes recent sweep activity feeding the state.
type LiquidityProfile struct {
	BullishSweeps int     `json:"bullish_sweeps"`
	BearishSweeps int     `json:"bearish_sweeps"`
	Imbalance     float64 `json:"imbalance"` // -1..1, positive = bullish
}

// MarketStateData is the composite picture for one (symbol, timeframe).
type MarketStateData struct {
	Symbol               string                  `json:"symbol"`
	Timeframe            string                  `json:"timeframe"`
	State                MarketState             `json:"state"`
	TrendDirection       TrendDirection          `json:"trend_direction"`
	TrendStrength        float64                 `json:"trend_strength"`
	BMSCount             int                     `json:"bms_count"`
	LastBMS              *BreakOfMarketStructure `json:"last_bms,omitempty"`
	LiquidityProfile     LiquidityProfile        `json:"liquidity_profile"`
	StateDurationCandles int                     `json:"state_duration_candles"`
	StateStartTs         int64                   `json:"state_start_ts"`
	Confidence           float64                 `json:"confidence"` // 0-100
}

// MarketStateChange carries the old and new state on a change event.
type MarketStateChange struct {
	Old *MarketStateData `json:"old,omitempty"`
	New *MarketStateData `json:"new"`
}

// StateConfig tunes composite state derivation.
type StateConfig struct {
	MinTrendStrength      float64 `json:"min_trend_strength"`
	MinBMSForConfirmation int     `json:"min_bms_for_confirmation"`
	StateChangeThreshold  float64 `json:"state_change_threshold"`
	MinConfidenceForState float64 `json:"min_confidence_for_state"`
}

// DefaultStateConfig returns safe defaults.
func DefaultStateConfig() *StateConfig {
	return &StateConfig{
		MinTrendStrength:      40,
		MinBMSForConfirmation: 1,
		StateChangeThreshold:  10,
		MinConfidenceForState: 40,
	}
}

// MarketStateTracker folds trend, structural breaks, and liquidity sweeps
// into a single market state per (symbol, timeframe) and publishes high
// priority change events.
type MarketStateTracker struct {
	config *StateConfig
	bus    *events.EventBus
	logger zerolog.Logger
	states map[string]*MarketStateData
}

// NewMarketStateTracker creates a tracker.
func NewMarketStateTracker(config *StateConfig, bus *events.EventBus, logger zerolog.Logger) *MarketStateTracker {
	if config == nil {
		config = DefaultStateConfig()
	}
	return &MarketStateTracker{
		config: config,
		bus:    bus,
		logger: logger.With().Str("component", "MarketStateTracker").Logger(),
		states: make(map[string]*MarketStateData),
	}
}

// Update derives the composite state from the latest trend, the recent
// confirmed breaks, and the recent sweeps, and publishes a change when the
// state flips or confidence jumps by the change threshold.
func (t *MarketStateTracker) Update(symbol, timeframe string, trend *TrendState, breaks []*BreakOfMarketStructure, sweeps []*LiquiditySweep, ts int64) *MarketStateData {
	state := &MarketStateData{
		Symbol:       symbol,
		Timeframe:    timeframe,
		StateStartTs: ts,
	}
	if trend != nil {
		state.TrendDirection = trend.Direction
		state.TrendStrength = trend.Strength
	} else {
		state.TrendDirection = Ranging
	}
	state.BMSCount = len(breaks)
	if len(breaks) > 0 {
		state.LastBMS = breaks[len(breaks)-1]
	}
	state.LiquidityProfile = buildLiquidityProfile(sweeps)

	state.State = t.classify(state, breaks)
	state.Confidence = t.scoreConfidence(trend, breaks, sweeps)

	return t.apply(symbol, timeframe, state, ts)
}

// classify applies the state derivation rules.
func (t *MarketStateTracker) classify(state *MarketStateData, breaks []*BreakOfMarketStructure) MarketState {
	if state.TrendDirection == Transition {
		return StateTransitioning
	}
	if state.TrendDirection == Ranging ||
		state.TrendStrength < t.config.MinTrendStrength ||
		state.BMSCount < t.config.MinBMSForConfirmation {
		return StateRanging
	}

	if state.TrendDirection == Uptrend && hasBMSType(breaks, BullishBMS) {
		return StateBullish
	}
	if state.TrendDirection == Downtrend && hasBMSType(breaks, BearishBMS) {
		return StateBearish
	}
	return StateRanging
}

// scoreConfidence combines trend, break, and liquidity contributions.
func (t *MarketStateTracker) scoreConfidence(trend *TrendState, breaks []*BreakOfMarketStructure, sweeps []*LiquiditySweep) float64 {
	trendConf := 0.0
	if trend != nil && trend.IsConfirmed {
		trendConf = 0.4 * trend.Strength
	}

	bmsConf := 0.0
	if len(breaks) > 0 {
		sum := 0.0
		for _, b := range breaks {
			sum += b.Confidence
		}
		bmsConf = 0.35 * sum / float64(len(breaks))
	}

	liquidity := 15.0
	if len(sweeps) > 0 {
		profile := buildLiquidityProfile(sweeps)
		liquidity = 25 * math.Abs(profile.Imbalance)
	}

	return trendConf + bmsConf + liquidity
}

// apply compares against the previous state for the key and decides whether
// to publish.
func (t *MarketStateTracker) apply(symbol, timeframe string, next *MarketStateData, ts int64) *MarketStateData {
	key := symbol + ":" + timeframe
	prev := t.states[key]

	sameState := prev != nil && prev.State == next.State
	if sameState {
		// Same state: keep origin, advance duration.
		next.StateStartTs = prev.StateStartTs
		next.StateDurationCandles = prev.StateDurationCandles + 1
	} else {
		next.StateStartTs = ts
	}

	changed := !sameState ||
		next.Confidence-prev.Confidence >= t.config.StateChangeThreshold
	if changed && next.Confidence >= t.config.MinConfidenceForState {
		t.logger.Info().
			Str("symbol", symbol).
			Str("timeframe", timeframe).
			Str("state", string(next.State)).
			Float64("confidence", next.Confidence).
			Msg("Market state changed")
		if t.bus != nil {
			t.bus.Publish(events.New(events.EventMarketStructureChange, events.PriorityStateChange,
				"MarketStateTracker", MarketStateChange{Old: prev, New: next}))
		}
	}

	t.states[key] = next
	return next
}

// State returns the current composite state for a key.
func (t *MarketStateTracker) State(symbol, timeframe string) (*MarketStateData, bool) {
	state, ok := t.states[symbol+":"+timeframe]
	return state, ok
}

func buildLiquidityProfile(sweeps []*LiquiditySweep) LiquidityProfile {
	profile := LiquidityProfile{}
	for _, s := range sweeps {
		if s.Direction == BullishSweep {
			profile.BullishSweeps++
		} else {
			profile.BearishSweeps++
		}
	}
	total := profile.BullishSweeps + profile.BearishSweeps
	if total > 0 {
		profile.Imbalance = float64(profile.BullishSweeps-profile.BearishSweeps) / float64(total)
	}
	return profile
}

func hasBMSType(breaks []*BreakOfMarketStructure, bmsType BMSType) bool {
	for _, b := range breaks {
		if b.BMSType == bmsType {
			return true
		}
	}
	return false
}
