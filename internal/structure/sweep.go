package structure

import (
	"math"

	"github.com/rs/zerolog"

	"futures-structure-bot/internal/events"
	"futures-structure-bot/internal/market"
)

// SweepDirection is the direction price reverses after taking liquidity.
type SweepDirection string

const (
	// BearishSweep takes BUY-SIDE liquidity above a high, then reverses down.
	BearishSweep SweepDirection = "BEARISH"
	// BullishSweep takes SELL-SIDE liquidity below a low, then reverses up.
	BullishSweep SweepDirection = "BULLISH"
)

// SweepState is the candidate lifecycle.
type SweepState string

const (
	SweepBreached       SweepState = "BREACHED"
	SweepCloseConfirmed SweepState = "CLOSE_CONFIRMED"
	SweepCompleted      SweepState = "SWEEP_COMPLETED"
)

// LiquiditySweep is a completed breach-confirm-reverse sequence on a level.
type LiquiditySweep struct {
	Level              *LiquidityLevel `json:"level"`
	Direction          SweepDirection  `json:"direction"`
	State              SweepState      `json:"state"`
	BreachTs           int64           `json:"breach_ts"`
	BreachIndex        int             `json:"breach_index"`
	BreachPrice        float64         `json:"breach_price"`
	CloseTs            int64           `json:"close_ts,omitempty"`
	CloseIndex         int             `json:"close_index,omitempty"`
	ReversalTs         int64           `json:"reversal_ts,omitempty"`
	ReversalIndex      int             `json:"reversal_index,omitempty"`
	BreachDistancePips float64         `json:"breach_distance_pips"`
	ReversalStrength   float64         `json:"reversal_strength"` // 0-100
	IsValid            bool            `json:"is_valid"`
}

// SweepConfig tunes the sweep state machine.
type SweepConfig struct {
	MinBreachPips            float64 `json:"min_breach_pips"`
	MaxBreachPips            float64 `json:"max_breach_pips"`
	ReversalConfirmationPips float64 `json:"reversal_confirmation_pips"`
	MaxCandlesForReversal    int     `json:"max_candles_for_reversal"`
	MinReversalStrength      float64 `json:"min_reversal_strength"`
	PipSize                  float64 `json:"pip_size"`
}

// DefaultSweepConfig returns safe defaults.
func DefaultSweepConfig() *SweepConfig {
	return &SweepConfig{
		MinBreachPips:            2,
		MaxBreachPips:            10,
		ReversalConfirmationPips: 2,
		MaxCandlesForReversal:    5,
		MinReversalStrength:      30,
		PipSize:                  0.0001,
	}
}

// SweepStats counts sweep detection activity.
type SweepStats struct {
	CandidatesCreated  uint64 `json:"candidates_created"`
	CandidatesTimedOut uint64 `json:"candidates_timed_out"`
	SweepsCompleted    uint64 `json:"sweeps_completed"`
	ActiveCandidates   int    `json:"active_candidates"`
}

// LiquiditySweepDetector runs the three-phase sweep state machine per
// (candle, level) candidate: BREACHED, CLOSE_CONFIRMED, SWEEP_COMPLETED.
// Candidates that overstay a phase are discarded.
type LiquiditySweepDetector struct {
	config     *SweepConfig
	bus        *events.EventBus
	logger     zerolog.Logger
	candidates map[*LiquidityLevel]*LiquiditySweep
	completed  []*LiquiditySweep
	stats      SweepStats
}

// NewLiquiditySweepDetector creates a detector.
func NewLiquiditySweepDetector(config *SweepConfig, bus *events.EventBus, logger zerolog.Logger) *LiquiditySweepDetector {
	if config == nil {
		config = DefaultSweepConfig()
	}
	if config.PipSize <= 0 {
		config.PipSize = 0.0001
	}
	return &LiquiditySweepDetector{
		config:     config,
		bus:        bus,
		logger:     logger.With().Str("component", "LiquiditySweepDetector").Logger(),
		candidates: make(map[*LiquidityLevel]*LiquiditySweep),
	}
}

// ProcessCandle advances every candidate against the candle at index and
// opens new candidates for eligible levels. Returns sweeps completed on this
// candle.
func (d *LiquiditySweepDetector) ProcessCandle(candles []market.Candle, index int, levels []*LiquidityLevel) []*LiquiditySweep {
	if index < 0 || index >= len(candles) {
		return nil
	}
	candle := candles[index]

	// 1. Open candidates for fresh breaches.
	for _, level := range levels {
		if !level.IsTradeable() || level.OriginCandleIndex >= index {
			continue
		}
		if _, tracked := d.candidates[level]; tracked {
			continue
		}
		d.tryBreach(level, candle, index)
	}

	// 2. Advance existing candidates: confirm closes, score reversals,
	// discard stale phases.
	var done []*LiquiditySweep
	for level, cand := range d.candidates {
		switch cand.State {
		case SweepBreached:
			if d.closeConfirms(cand, candle) {
				cand.State = SweepCloseConfirmed
				cand.CloseTs = candle.Timestamp
				cand.CloseIndex = index
			} else if index-cand.BreachIndex > 2 {
				delete(d.candidates, level)
				d.stats.CandidatesTimedOut++
			}
		case SweepCloseConfirmed:
			if index > cand.CloseIndex && d.tryReversal(cand, candles, index) {
				delete(d.candidates, level)
				done = append(done, cand)
			} else if index-cand.CloseIndex > d.config.MaxCandlesForReversal {
				delete(d.candidates, level)
				d.stats.CandidatesTimedOut++
			}
		}
	}

	for _, sweep := range done {
		d.complete(sweep)
	}
	return done
}

// tryBreach opens a BREACHED candidate when the candle pierces the level by
// an amount inside the configured pip band.
func (d *LiquiditySweepDetector) tryBreach(level *LiquidityLevel, candle market.Candle, index int) {
	var distance float64
	var direction SweepDirection
	var breachPrice float64

	switch level.Type {
	case BuySideLiquidity:
		if candle.High <= level.Price {
			return
		}
		distance = (candle.High - level.Price) / d.config.PipSize
		direction = BearishSweep
		breachPrice = candle.High
	case SellSideLiquidity:
		if candle.Low >= level.Price {
			return
		}
		distance = (level.Price - candle.Low) / d.config.PipSize
		direction = BullishSweep
		breachPrice = candle.Low
	default:
		return
	}

	if distance < d.config.MinBreachPips || distance > d.config.MaxBreachPips {
		return
	}

	cand := &LiquiditySweep{
		Level:              level,
		Direction:          direction,
		State:              SweepBreached,
		BreachTs:           candle.Timestamp,
		BreachIndex:        index,
		BreachPrice:        breachPrice,
		BreachDistancePips: distance,
	}
	d.candidates[level] = cand
	d.stats.CandidatesCreated++

	// The breach candle itself may already close beyond the level.
	if d.closeConfirms(cand, candle) {
		cand.State = SweepCloseConfirmed
		cand.CloseTs = candle.Timestamp
		cand.CloseIndex = index
	}
}

// closeConfirms reports whether the candle closes on the breach side of the
// level: above for a BUY-SIDE take, below for a SELL-SIDE take.
func (d *LiquiditySweepDetector) closeConfirms(cand *LiquiditySweep, candle market.Candle) bool {
	if cand.Direction == BearishSweep {
		return candle.Close > cand.Level.Price
	}
	return candle.Close < cand.Level.Price
}

// tryReversal checks whether the candle closes back across the level by the
// confirmation distance and, if the scored strength clears the minimum,
// completes the sweep.
func (d *LiquiditySweepDetector) tryReversal(cand *LiquiditySweep, candles []market.Candle, index int) bool {
	candle := candles[index]

	var reversalPips float64
	if cand.Direction == BearishSweep {
		reversalPips = (cand.Level.Price - candle.Close) / d.config.PipSize
	} else {
		reversalPips = (candle.Close - cand.Level.Price) / d.config.PipSize
	}
	if reversalPips < d.config.ReversalConfirmationPips {
		return false
	}

	strength := d.scoreReversal(cand, candles, index, reversalPips)
	if strength < d.config.MinReversalStrength {
		return false
	}

	cand.State = SweepCompleted
	cand.ReversalTs = candle.Timestamp
	cand.ReversalIndex = index
	cand.ReversalStrength = strength
	cand.IsValid = true
	return true
}

// scoreReversal combines distance, speed, volume, and breach cleanliness
// into a 0-100 strength.
func (d *LiquiditySweepDetector) scoreReversal(cand *LiquiditySweep, candles []market.Candle, index int, reversalPips float64) float64 {
	distance := math.Min(30, 2*reversalPips)

	candlesToReverse := index - cand.CloseIndex
	speed := math.Max(0, 30-5*float64(candlesToReverse))

	volume := 0.0
	if avg := averageVolume(candles); avg > 0 {
		volume = math.Min(25, 12.5*candles[index].Volume/avg)
	}

	cleanliness := 0.0
	if d.config.MaxBreachPips > 0 {
		cleanliness = 15 * (1 - cand.BreachDistancePips/d.config.MaxBreachPips)
	}

	return distance + speed + volume + cleanliness
}

// complete retires the level and publishes the sweep.
func (d *LiquiditySweepDetector) complete(sweep *LiquiditySweep) {
	sweep.Level.MarkSwept(sweep.ReversalTs)
	d.stats.SweepsCompleted++
	d.completed = append(d.completed, sweep)

	d.logger.Info().
		Str("symbol", sweep.Level.Symbol).
		Str("direction", string(sweep.Direction)).
		Float64("breach_pips", sweep.BreachDistancePips).
		Float64("strength", sweep.ReversalStrength).
		Msg("Liquidity sweep completed")

	if d.bus != nil {
		d.bus.Publish(events.New(events.EventLiquiditySweep, events.PrioritySweepDetected,
			"LiquiditySweepDetector", sweep))
	}
}

// CompletedSweeps returns every sweep finished so far.
func (d *LiquiditySweepDetector) CompletedSweeps() []*LiquiditySweep {
	out := make([]*LiquiditySweep, len(d.completed))
	copy(out, d.completed)
	return out
}

// Candidate returns the live candidate tracking a level, if any.
func (d *LiquiditySweepDetector) Candidate(level *LiquidityLevel) (*LiquiditySweep, bool) {
	cand, ok := d.candidates[level]
	return cand, ok
}

// Stats returns sweep detection counters.
func (d *LiquiditySweepDetector) Stats() SweepStats {
	stats := d.stats
	stats.ActiveCandidates = len(d.candidates)
	return stats
}
