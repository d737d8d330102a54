package structure

import (
	"math"

	"github.com/rs/zerolog"

	"futures-structure-bot/internal/events"
	"futures-structure-bot/internal/market"
)

// BMSType is the direction a structural break confirms.
type BMSType string

const (
	BullishBMS BMSType = "BULLISH" // break above a prior swing high
	BearishBMS BMSType = "BEARISH" // break below a prior swing low
)

// BMSState is the break candidate lifecycle.
type BMSState string

const (
	BMSPotential   BMSState = "POTENTIAL"
	BMSConfirmed   BMSState = "CONFIRMED"
	BMSInvalidated BMSState = "INVALIDATED"
)

// BreakOfMarketStructure is a decisive break of a prior swing level.
type BreakOfMarketStructure struct {
	BMSType               BMSType       `json:"bms_type"`
	BrokenLevel           float64       `json:"broken_level"`
	BreakTs               int64         `json:"break_ts"`
	BreakIndex            int           `json:"break_index"`
	ConfirmationTs        int64         `json:"confirmation_ts,omitempty"`
	BreakDistance         float64       `json:"break_distance"` // pips
	FollowThroughDistance float64       `json:"follow_through_distance"`
	Confidence            float64       `json:"confidence"` // 0-100
	ConfidenceLevel       StrengthLevel `json:"confidence_level"`
	State                 BMSState      `json:"state"`
	VolumeConfirmation    bool          `json:"volume_confirmation"`
	StructureSignificance float64       `json:"structure_significance"` // 0-100

	swing SwingPoint
}

// BMSConfig tunes break detection and confirmation.
type BMSConfig struct {
	MinBreakDistancePips      float64 `json:"min_break_distance_pips"`
	MaxBreakDistancePips      float64 `json:"max_break_distance_pips"`
	ConfirmationCandles       int     `json:"confirmation_candles"`
	MinFollowThroughPips      float64 `json:"min_follow_through_pips"`
	VolumeThresholdMultiple   float64 `json:"volume_threshold_multiple"`
	MinConfidenceForConfirmed float64 `json:"min_confidence_for_confirmed"`
	PipSize                   float64 `json:"pip_size"`
}

// DefaultBMSConfig returns safe defaults.
func DefaultBMSConfig() *BMSConfig {
	return &BMSConfig{
		MinBreakDistancePips:      2,
		MaxBreakDistancePips:      20,
		ConfirmationCandles:       3,
		MinFollowThroughPips:      5,
		VolumeThresholdMultiple:   1.5,
		MinConfidenceForConfirmed: 60,
		PipSize:                   0.0001,
	}
}

// BMSStats counts break detection activity.
type BMSStats struct {
	CandidatesCreated uint64 `json:"candidates_created"`
	Confirmed         uint64 `json:"confirmed"`
	Invalidated       uint64 `json:"invalidated"`
	ActiveCandidates  int    `json:"active_candidates"`
}

// MarketStructureBreakDetector proposes break candidates when a candle
// pierces a prior swing by a bounded pip distance and confirms them after a
// fixed window using close-through, follow-through, no-reversal, and volume
// checks.
type MarketStructureBreakDetector struct {
	config     *BMSConfig
	bus        *events.EventBus
	logger     zerolog.Logger
	candidates []*BreakOfMarketStructure
	confirmed  []*BreakOfMarketStructure
	brokenKeys map[int64]bool // swing timestamps already used
	stats      BMSStats
}

// NewMarketStructureBreakDetector creates a detector.
func NewMarketStructureBreakDetector(config *BMSConfig, bus *events.EventBus, logger zerolog.Logger) *MarketStructureBreakDetector {
	if config == nil {
		config = DefaultBMSConfig()
	}
	if config.PipSize <= 0 {
		config.PipSize = 0.0001
	}
	return &MarketStructureBreakDetector{
		config:     config,
		bus:        bus,
		logger:     logger.With().Str("component", "MarketStructureBreakDetector").Logger(),
		brokenKeys: make(map[int64]bool),
	}
}

// ProcessCandle proposes candidates against the given swings and evaluates
// pending candidates whose confirmation window has elapsed. trend is used
// only for the confidence alignment bonus. Returns breaks confirmed on this
// candle.
func (d *MarketStructureBreakDetector) ProcessCandle(candles []market.Candle, index int, swings []SwingPoint, trend TrendDirection) []*BreakOfMarketStructure {
	if index < 0 || index >= len(candles) {
		return nil
	}
	candle := candles[index]

	// 1. Propose new candidates.
	for _, swing := range swings {
		if swing.CandleIndex >= index || d.brokenKeys[swing.Timestamp] {
			continue
		}
		d.tryPropose(swing, candle, index)
	}

	// 2. Evaluate candidates whose confirmation window just closed; drop
	// stale ones.
	var confirmed []*BreakOfMarketStructure
	kept := d.candidates[:0]
	for _, cand := range d.candidates {
		age := index - cand.BreakIndex
		switch {
		case age == d.config.ConfirmationCandles:
			if d.evaluate(cand, candles, index, trend) {
				confirmed = append(confirmed, cand)
			} else {
				cand.State = BMSInvalidated
				d.stats.Invalidated++
			}
		case age > d.config.ConfirmationCandles+5:
			cand.State = BMSInvalidated
			d.stats.Invalidated++
		default:
			kept = append(kept, cand)
		}
	}
	d.candidates = kept

	for _, bms := range confirmed {
		d.publish(bms)
	}
	return confirmed
}

// tryPropose opens a POTENTIAL candidate when the candle pierces the swing
// by a distance inside the configured band.
func (d *MarketStructureBreakDetector) tryPropose(swing SwingPoint, candle market.Candle, index int) {
	var distance float64
	var bmsType BMSType

	if swing.IsHigh {
		if candle.High <= swing.Price {
			return
		}
		distance = (candle.High - swing.Price) / d.config.PipSize
		bmsType = BullishBMS
	} else {
		if candle.Low >= swing.Price {
			return
		}
		distance = (swing.Price - candle.Low) / d.config.PipSize
		bmsType = BearishBMS
	}

	if distance < d.config.MinBreakDistancePips || distance > d.config.MaxBreakDistancePips {
		return
	}

	d.candidates = append(d.candidates, &BreakOfMarketStructure{
		BMSType:       bmsType,
		BrokenLevel:   swing.Price,
		BreakTs:       candle.Timestamp,
		BreakIndex:    index,
		BreakDistance: distance,
		State:         BMSPotential,
		swing:         swing,
	})
	d.brokenKeys[swing.Timestamp] = true
	d.stats.CandidatesCreated++
}

// evaluate runs the four confirmations over the window after the break and
// scores confidence. The volume check is recorded but never required.
func (d *MarketStructureBreakDetector) evaluate(cand *BreakOfMarketStructure, candles []market.Candle, index int, trend TrendDirection) bool {
	window := candles[cand.BreakIndex+1 : index+1]
	last := candles[index]
	level := cand.BrokenLevel
	bullish := cand.BMSType == BullishBMS

	// 1. Last candle closes beyond the level.
	if bullish && last.Close <= level {
		return false
	}
	if !bullish && last.Close >= level {
		return false
	}

	// 2. Follow-through from the window extreme to the level.
	extreme := level
	for _, c := range window {
		if bullish && c.High > extreme {
			extreme = c.High
		}
		if !bullish && c.Low < extreme {
			extreme = c.Low
		}
	}
	followThrough := math.Abs(extreme-level) / d.config.PipSize
	if followThrough < d.config.MinFollowThroughPips {
		return false
	}

	// 3. No window candle closes back across the level.
	for _, c := range window[:len(window)-1] {
		if bullish && c.Close < level {
			return false
		}
		if !bullish && c.Close > level {
			return false
		}
	}

	// 4. Volume on the break candle, recorded only.
	cand.VolumeConfirmation = d.volumeConfirms(candles, cand.BreakIndex)

	cand.FollowThroughDistance = followThrough
	cand.StructureSignificance = d.scoreSignificance(cand, candles, index)
	cand.Confidence = d.scoreConfidence(cand, trend)
	cand.ConfidenceLevel = StrengthLevelFor(cand.Confidence)

	if cand.Confidence < d.config.MinConfidenceForConfirmed {
		return false
	}

	cand.State = BMSConfirmed
	cand.ConfirmationTs = last.Timestamp
	d.confirmed = append(d.confirmed, cand)
	d.stats.Confirmed++
	return true
}

func (d *MarketStructureBreakDetector) volumeConfirms(candles []market.Candle, breakIndex int) bool {
	avg := averageVolume(candles)
	if avg <= 0 {
		return false
	}
	return candles[breakIndex].Volume >= avg*d.config.VolumeThresholdMultiple
}

// scoreSignificance rates how much the broken swing mattered: the swing's
// detection strength, historical touches, recency, and whether it was the
// extreme of the recent structure.
func (d *MarketStructureBreakDetector) scoreSignificance(cand *BreakOfMarketStructure, candles []market.Candle, index int) float64 {
	swingStrength := math.Min(30, 10*float64(cand.swing.Strength))

	touches := 0
	tolerance := 2 * d.config.PipSize
	for i := cand.swing.CandleIndex + 1; i < cand.BreakIndex; i++ {
		c := candles[i]
		if cand.BMSType == BullishBMS {
			if math.Abs(c.High-cand.BrokenLevel) <= tolerance {
				touches++
			}
		} else {
			if math.Abs(c.Low-cand.BrokenLevel) <= tolerance {
				touches++
			}
		}
	}
	touchScore := math.Min(25, 5*float64(touches))

	age := float64(index - cand.swing.CandleIndex)
	recency := 25 * math.Max(0, 1-age/100)

	// 20 when the swing is the extreme of the last 5 same-type swings.
	position := 10.0
	if d.isRecentExtreme(cand, candles) {
		position = 20
	}

	return swingStrength + touchScore + recency + position
}

func (d *MarketStructureBreakDetector) isRecentExtreme(cand *BreakOfMarketStructure, candles []market.Candle) bool {
	detector := NewSwingDetector(cand.swing.Strength)
	var sameType []SwingPoint
	if cand.swing.IsHigh {
		sameType = detector.DetectSwingHighs(candles[:cand.BreakIndex])
	} else {
		sameType = detector.DetectSwingLows(candles[:cand.BreakIndex])
	}
	if len(sameType) > 5 {
		sameType = sameType[len(sameType)-5:]
	}
	for _, s := range sameType {
		if cand.swing.IsHigh && s.Price > cand.swing.Price {
			return false
		}
		if !cand.swing.IsHigh && s.Price < cand.swing.Price {
			return false
		}
	}
	return len(sameType) > 0
}

// scoreConfidence combines break cleanliness, follow-through, significance,
// volume, and trend alignment into 0-100.
func (d *MarketStructureBreakDetector) scoreConfidence(cand *BreakOfMarketStructure, trend TrendDirection) float64 {
	cleanliness := 25 * math.Min(1, cand.BreakDistance/5)
	followThrough := 30 * math.Min(1, cand.FollowThroughDistance/10)
	significance := 0.25 * cand.StructureSignificance

	volume := 5.0
	if cand.VolumeConfirmation {
		volume = 15
	}

	alignment := 0.0
	if (cand.BMSType == BullishBMS && trend == Uptrend) ||
		(cand.BMSType == BearishBMS && trend == Downtrend) {
		alignment = 5
	}

	return cleanliness + followThrough + significance + volume + alignment
}

func (d *MarketStructureBreakDetector) publish(bms *BreakOfMarketStructure) {
	d.logger.Info().
		Str("type", string(bms.BMSType)).
		Float64("level", bms.BrokenLevel).
		Float64("confidence", bms.Confidence).
		Msg("Market structure break confirmed")

	if d.bus != nil {
		d.bus.Publish(events.New(events.EventMarketStructureBreak, events.PriorityStructureBreak,
			"MarketStructureBreakDetector", bms))
	}
}

// ConfirmedBreaks returns every confirmed break so far, oldest first.
func (d *MarketStructureBreakDetector) ConfirmedBreaks() []*BreakOfMarketStructure {
	out := make([]*BreakOfMarketStructure, len(d.confirmed))
	copy(out, d.confirmed)
	return out
}

// Stats returns break detection counters.
func (d *MarketStructureBreakDetector) Stats() BMSStats {
	stats := d.stats
	stats.ActiveCandidates = len(d.candidates)
	return stats
}
