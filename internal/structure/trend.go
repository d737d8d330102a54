package structure

import (
	"math"

	"github.com/rs/zerolog"

	"futures-structure-bot/internal/events"
	"futures-structure-bot/internal/market"
)

// TrendDirection classifies the prevailing swing structure.
type TrendDirection string

const (
	Uptrend    TrendDirection = "UPTREND"
	Downtrend  TrendDirection = "DOWNTREND"
	Ranging    TrendDirection = "RANGING"
	Transition TrendDirection = "TRANSITION"
)

// TrendPattern labels one swing-to-swing relation.
type TrendPattern string

const (
	HigherHigh TrendPattern = "HH"
	HigherLow  TrendPattern = "HL"
	LowerHigh  TrendPattern = "LH"
	LowerLow   TrendPattern = "LL"
)

// IsBullish reports whether the pattern supports an uptrend.
func (p TrendPattern) IsBullish() bool {
	return p == HigherHigh || p == HigherLow
}

// StrengthLevel buckets trend strength.
type StrengthLevel string

const (
	VeryWeak   StrengthLevel = "VERY_WEAK"   // 0-20
	Weak       StrengthLevel = "WEAK"        // 21-40
	Moderate   StrengthLevel = "MODERATE"    // 41-60
	Strong     StrengthLevel = "STRONG"      // 61-80
	VeryStrong StrengthLevel = "VERY_STRONG" // 81-100
)

// StrengthLevelFor maps a 0-100 strength onto its bucket.
func StrengthLevelFor(strength float64) StrengthLevel {
	switch {
	case strength <= 20:
		return VeryWeak
	case strength <= 40:
		return Weak
	case strength <= 60:
		return Moderate
	case strength <= 80:
		return Strong
	default:
		return VeryStrong
	}
}

// TrendStructure is one classified swing pair.
type TrendStructure struct {
	Pattern            TrendPattern `json:"pattern"`
	Price              float64      `json:"price"`
	PreviousSwingPrice float64      `json:"previous_swing_price"`
	SwingLength        int          `json:"swing_length"` // candles between swings
	PriceChange        float64      `json:"price_change"`
	PriceChangePct     float64      `json:"price_change_pct"`
	Timestamp          int64        `json:"timestamp"`
}

// TrendState is the aggregate trend picture for one (symbol, timeframe).
type TrendState struct {
	Symbol              string         `json:"symbol"`
	Timeframe           string         `json:"timeframe"`
	Direction           TrendDirection `json:"direction"`
	Strength            float64        `json:"strength"` // 0-100
	StrengthLevel       StrengthLevel  `json:"strength_level"`
	PatternCount        int            `json:"pattern_count"`
	ConsecutivePatterns int            `json:"consecutive_patterns"`
	IsConfirmed         bool           `json:"is_confirmed"`
}

// TrendConfig tunes trend recognition.
type TrendConfig struct {
	SwingLookback             int     `json:"swing_lookback"`
	ATRPeriod                 int     `json:"atr_period"`
	MinPriceChangeATRMultiple float64 `json:"min_price_change_atr_multiple"`
	RecentWindow              int     `json:"recent_window"`
	TransitionThreshold       float64 `json:"transition_threshold"`
}

// DefaultTrendConfig returns safe defaults.
func DefaultTrendConfig() *TrendConfig {
	return &TrendConfig{
		SwingLookback:             3,
		ATRPeriod:                 14,
		MinPriceChangeATRMultiple: 0.5,
		RecentWindow:              5,
		TransitionThreshold:       15,
	}
}

// TrendRecognitionEngine classifies swing structure into HH/HL/LH/LL
// patterns, derives direction and strength, and publishes
// MARKET_STRUCTURE_CHANGE when the picture shifts.
type TrendRecognitionEngine struct {
	detector  *SwingDetector
	config    *TrendConfig
	bus       *events.EventBus
	logger    zerolog.Logger
	lastState map[string]*TrendState
}

// NewTrendRecognitionEngine creates an engine.
func NewTrendRecognitionEngine(config *TrendConfig, bus *events.EventBus, logger zerolog.Logger) *TrendRecognitionEngine {
	if config == nil {
		config = DefaultTrendConfig()
	}
	if config.RecentWindow <= 0 {
		config.RecentWindow = 5
	}
	return &TrendRecognitionEngine{
		detector:  NewSwingDetector(config.SwingLookback),
		config:    config,
		bus:       bus,
		logger:    logger.With().Str("component", "TrendRecognitionEngine").Logger(),
		lastState: make(map[string]*TrendState),
	}
}

// BuildStructures classifies consecutive same-type swings, filtered by the
// ATR significance threshold.
func (e *TrendRecognitionEngine) BuildStructures(candles []market.Candle) []TrendStructure {
	swings := e.detector.DetectSwings(candles)
	if len(swings) < 2 {
		return nil
	}

	atr := CalculateATR(candles, e.config.ATRPeriod)
	minMove := atr * e.config.MinPriceChangeATRMultiple

	var structures []TrendStructure
	var lastHigh, lastLow *SwingPoint

	for i := range swings {
		s := swings[i]
		var prev *SwingPoint
		if s.IsHigh {
			prev = lastHigh
			lastHigh = &swings[i]
		} else {
			prev = lastLow
			lastLow = &swings[i]
		}
		if prev == nil {
			continue
		}

		change := s.Price - prev.Price
		if minMove > 0 && math.Abs(change) < minMove {
			continue
		}

		var pattern TrendPattern
		if s.IsHigh {
			pattern = HigherHigh
			if change < 0 {
				pattern = LowerHigh
			}
		} else {
			pattern = HigherLow
			if change < 0 {
				pattern = LowerLow
			}
		}

		pct := 0.0
		if prev.Price != 0 {
			pct = change / prev.Price * 100
		}
		structures = append(structures, TrendStructure{
			Pattern:            pattern,
			Price:              s.Price,
			PreviousSwingPrice: prev.Price,
			SwingLength:        s.CandleIndex - prev.CandleIndex,
			PriceChange:        change,
			PriceChangePct:     pct,
			Timestamp:          s.Timestamp,
		})
	}
	return structures
}

// Analyze derives the trend state for one (symbol, timeframe) and publishes
// a change event on first detection, direction change, or a strength jump
// beyond the transition threshold.
func (e *TrendRecognitionEngine) Analyze(symbol, timeframe string, candles []market.Candle) *TrendState {
	structures := e.BuildStructures(candles)

	state := &TrendState{
		Symbol:    symbol,
		Timeframe: timeframe,
		Direction: Ranging,
	}

	if len(structures) > 0 {
		state.Direction = e.classifyDirection(structures)
		state.Strength = e.scoreStrength(structures, state.Direction)
		state.PatternCount = len(structures)
		state.ConsecutivePatterns = maxConsecutiveAligned(structures, state.Direction)
		state.IsConfirmed = state.PatternCount >= 3 &&
			(state.Direction == Uptrend || state.Direction == Downtrend)
	}
	state.StrengthLevel = StrengthLevelFor(state.Strength)

	e.maybePublishChange(symbol, timeframe, state)
	return state
}

// classifyDirection applies the bullish-ratio and recent-window rules.
func (e *TrendRecognitionEngine) classifyDirection(structures []TrendStructure) TrendDirection {
	bullish := 0
	for _, s := range structures {
		if s.Pattern.IsBullish() {
			bullish++
		}
	}
	ratio := float64(bullish) / float64(len(structures))

	recent := structures
	if len(recent) > e.config.RecentWindow {
		recent = recent[len(recent)-e.config.RecentWindow:]
	}
	rb, re := 0, 0
	for _, s := range recent {
		if s.Pattern.IsBullish() {
			rb++
		} else {
			re++
		}
	}

	switch {
	case ratio >= 0.65 && rb >= re:
		return Uptrend
	case ratio <= 0.35 && re >= rb:
		return Downtrend
	case abs(rb-re) <= 1:
		return Ranging
	default:
		return Transition
	}
}

// scoreStrength combines pattern consistency, longest aligned run, average
// move size, and recent momentum into 0-100.
func (e *TrendRecognitionEngine) scoreStrength(structures []TrendStructure, direction TrendDirection) float64 {
	total := len(structures)
	aligned := countAligned(structures, direction)

	consistency := 35 * float64(aligned) / float64(total)
	consecutive := math.Min(30, 6*float64(maxConsecutiveAligned(structures, direction)))

	avgChange := 0.0
	for _, s := range structures {
		avgChange += math.Abs(s.PriceChangePct)
	}
	avgChange /= float64(total)
	magnitude := math.Min(25, 5*avgChange)

	recent := structures
	if len(recent) > e.config.RecentWindow {
		recent = recent[len(recent)-e.config.RecentWindow:]
	}
	momentum := 10 * float64(countAligned(recent, direction)) / float64(len(recent))

	return consistency + consecutive + magnitude + momentum
}

// countAligned counts patterns that agree with the direction. For RANGING
// and TRANSITION the majority side counts as aligned.
func countAligned(structures []TrendStructure, direction TrendDirection) int {
	bullish, bearish := 0, 0
	for _, s := range structures {
		if s.Pattern.IsBullish() {
			bullish++
		} else {
			bearish++
		}
	}
	switch direction {
	case Uptrend:
		return bullish
	case Downtrend:
		return bearish
	default:
		if bullish > bearish {
			return bullish
		}
		return bearish
	}
}

func maxConsecutiveAligned(structures []TrendStructure, direction TrendDirection) int {
	wantBullish := direction == Uptrend
	if direction != Uptrend && direction != Downtrend {
		// Majority side defines alignment when there is no firm direction.
		wantBullish = countAligned(structures, Uptrend) >= countAligned(structures, Downtrend)
	}

	best, run := 0, 0
	for _, s := range structures {
		if s.Pattern.IsBullish() == wantBullish {
			run++
			if run > best {
				best = run
			}
		} else {
			run = 0
		}
	}
	return best
}

// maybePublishChange emits MARKET_STRUCTURE_CHANGE when the trend picture
// materially shifts for a key.
func (e *TrendRecognitionEngine) maybePublishChange(symbol, timeframe string, state *TrendState) {
	key := symbol + ":" + timeframe
	prev := e.lastState[key]
	e.lastState[key] = state

	changed := prev == nil ||
		prev.Direction != state.Direction ||
		math.Abs(state.Strength-prev.Strength) > e.config.TransitionThreshold
	if !changed {
		return
	}

	e.logger.Info().
		Str("symbol", symbol).
		Str("timeframe", timeframe).
		Str("direction", string(state.Direction)).
		Float64("strength", state.Strength).
		Msg("Trend change detected")

	if e.bus != nil {
		e.bus.Publish(events.New(events.EventMarketStructureChange, events.PriorityTrendChange,
			"TrendRecognitionEngine", state))
	}
}

// LastState returns the most recent trend state for a key.
func (e *TrendRecognitionEngine) LastState(symbol, timeframe string) (*TrendState, bool) {
	state, ok := e.lastState[symbol+":"+timeframe]
	return state, ok
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
