package structure

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
)

// ConsistencyLevel rates cross-timeframe agreement.
type ConsistencyLevel string

const (
	ConsistencyPerfect  ConsistencyLevel = "PERFECT"
	ConsistencyHigh     ConsistencyLevel = "HIGH"
	ConsistencyModerate ConsistencyLevel = "MODERATE"
	ConsistencyLow      ConsistencyLevel = "LOW"
	ConsistencyConflict ConsistencyLevel = "CONFLICT"
)

// OverallBias is the integrated directional lean.
type OverallBias string

const (
	StronglyBullish OverallBias = "STRONGLY_BULLISH"
	Bullish         OverallBias = "BULLISH"
	Neutral         OverallBias = "NEUTRAL"
	Bearish         OverallBias = "BEARISH"
	StronglyBearish OverallBias = "STRONGLY_BEARISH"
)

// MultiTimeframeStructure integrates H1, M15, and M1 state into one view.
type MultiTimeframeStructure struct {
	H1Structure      *MarketStateData `json:"h1_structure,omitempty"`
	M15Structure     *MarketStateData `json:"m15_structure,omitempty"`
	M1Structure      *MarketStateData `json:"m1_structure,omitempty"`
	ConsistencyLevel ConsistencyLevel `json:"consistency_level"`
	OverallBias      OverallBias      `json:"overall_bias"`
	BiasStrength     float64          `json:"bias_strength"` // 0-10
	PrimaryTimeframe string           `json:"primary_timeframe"`
	EntryTimeframe   string           `json:"entry_timeframe,omitempty"`
	Conflicts        []string         `json:"conflicts,omitempty"`
	Recommendations  []string         `json:"recommendations,omitempty"`
}

// IsStrongTrend reports an aligned, decisive multi-timeframe trend.
func (m *MultiTimeframeStructure) IsStrongTrend() bool {
	return (m.ConsistencyLevel == ConsistencyPerfect || m.ConsistencyLevel == ConsistencyHigh) &&
		m.BiasStrength >= 8
}

// IsRangingMarket reports a market with no usable directional edge.
func (m *MultiTimeframeStructure) IsRangingMarket() bool {
	return m.ConsistencyLevel == ConsistencyConflict ||
		(m.OverallBias == Neutral && m.BiasStrength < 4)
}

// MTFConfig tunes the timeframe integration weights.
type MTFConfig struct {
	H1Weight  float64 `json:"h1_weight"`
	M15Weight float64 `json:"m15_weight"`
	M1Weight  float64 `json:"m1_weight"`
}

// DefaultMTFConfig returns H1-dominant weights.
func DefaultMTFConfig() *MTFConfig {
	return &MTFConfig{H1Weight: 0.6, M15Weight: 0.3, M1Weight: 0.1}
}

// MultiTimeframeAnalyzer integrates per-timeframe market states with an
// H1-dominant bias and conflict annotation.
type MultiTimeframeAnalyzer struct {
	config *MTFConfig
	logger zerolog.Logger
}

// NewMultiTimeframeAnalyzer creates an analyzer.
func NewMultiTimeframeAnalyzer(config *MTFConfig, logger zerolog.Logger) *MultiTimeframeAnalyzer {
	if config == nil {
		config = DefaultMTFConfig()
	}
	return &MultiTimeframeAnalyzer{
		config: config,
		logger: logger.With().Str("component", "MultiTimeframeAnalyzer").Logger(),
	}
}

// Integrate merges the three timeframe states. Any of them may be nil when
// a timeframe has not produced a state yet; missing states count as neutral.
func (a *MultiTimeframeAnalyzer) Integrate(h1, m15, m1 *MarketStateData) *MultiTimeframeStructure {
	result := &MultiTimeframeStructure{
		H1Structure:      h1,
		M15Structure:     m15,
		M1Structure:      m1,
		PrimaryTimeframe: "1h",
	}

	result.ConsistencyLevel = a.assessConsistency(h1, m15, m1)
	result.Conflicts = a.findConflicts(h1, m15, m1)

	score := a.biasScore(h1, m15, m1)
	result.BiasStrength = math.Abs(score)
	result.OverallBias = biasFor(score)

	if result.IsStrongTrend() {
		result.EntryTimeframe = "15m"
	}
	result.Recommendations = a.recommend(result)

	return result
}

// directionScore maps a state to -1, 0, or 1.
func directionScore(state *MarketStateData) float64 {
	if state == nil {
		return 0
	}
	switch state.State {
	case StateBullish:
		return 1
	case StateBearish:
		return -1
	default:
		return 0
	}
}

// assessConsistency rates pairwise direction agreement plus strength
// alignment across the three timeframes.
func (a *MultiTimeframeAnalyzer) assessConsistency(h1, m15, m1 *MarketStateData) ConsistencyLevel {
	scores := []float64{directionScore(h1), directionScore(m15), directionScore(m1)}

	hasBull, hasBear := false, false
	directional := 0
	for _, s := range scores {
		if s > 0 {
			hasBull = true
		}
		if s < 0 {
			hasBear = true
		}
		if s != 0 {
			directional++
		}
	}

	// Opposing directional calls on any pair of timeframes.
	if hasBull && hasBear {
		return ConsistencyConflict
	}

	switch directional {
	case 3:
		if strengthsAligned(h1, m15, m1) {
			return ConsistencyPerfect
		}
		return ConsistencyHigh
	case 2:
		return ConsistencyHigh
	case 1:
		return ConsistencyModerate
	default:
		return ConsistencyLow
	}
}

// strengthsAligned reports whether trend strengths sit within a 25-point
// band of each other.
func strengthsAligned(states ...*MarketStateData) bool {
	min, max := math.Inf(1), math.Inf(-1)
	for _, s := range states {
		if s == nil {
			continue
		}
		min = math.Min(min, s.TrendStrength)
		max = math.Max(max, s.TrendStrength)
	}
	return max-min <= 25
}

// findConflicts annotates lower timeframes that disagree with the H1 bias.
// H1 dominates; conflicts are recorded, never resolved in favor of the
// lower timeframe.
func (a *MultiTimeframeAnalyzer) findConflicts(h1, m15, m1 *MarketStateData) []string {
	h1Score := directionScore(h1)
	if h1Score == 0 {
		return nil
	}

	var conflicts []string
	if s := directionScore(m15); s != 0 && s != h1Score {
		conflicts = append(conflicts, fmt.Sprintf("15m state %s conflicts with 1h state %s", m15.State, h1.State))
	}
	if s := directionScore(m1); s != 0 && s != h1Score {
		conflicts = append(conflicts, fmt.Sprintf("1m state %s conflicts with 1h state %s", m1.State, h1.State))
	}
	return conflicts
}

// biasScore computes the weighted signed bias in [-10, 10], scaled by each
// timeframe's confidence.
func (a *MultiTimeframeAnalyzer) biasScore(h1, m15, m1 *MarketStateData) float64 {
	contribution := func(state *MarketStateData, weight float64) float64 {
		score := directionScore(state)
		if score == 0 {
			return 0
		}
		return score * weight * state.Confidence / 100
	}

	total := contribution(h1, a.config.H1Weight) +
		contribution(m15, a.config.M15Weight) +
		contribution(m1, a.config.M1Weight)
	return 10 * total / (a.config.H1Weight + a.config.M15Weight + a.config.M1Weight)
}

func biasFor(score float64) OverallBias {
	switch {
	case score >= 7:
		return StronglyBullish
	case score >= 3:
		return Bullish
	case score <= -7:
		return StronglyBearish
	case score <= -3:
		return Bearish
	default:
		return Neutral
	}
}

// recommend produces entry suggestions for strong aligned trends and
// avoidance warnings for conflicted or weak markets.
func (a *MultiTimeframeAnalyzer) recommend(result *MultiTimeframeStructure) []string {
	var recs []string

	if result.IsStrongTrend() {
		side := "LONG"
		if result.OverallBias == Bearish || result.OverallBias == StronglyBearish {
			side = "SHORT"
		}
		recs = append(recs, fmt.Sprintf("Strong aligned trend: favor %s entries on 15m pullbacks", side))
		return recs
	}

	if result.ConsistencyLevel == ConsistencyConflict || result.ConsistencyLevel == ConsistencyLow {
		recs = append(recs, "Timeframes disagree: avoid new entries until alignment improves")
	}
	for _, c := range result.Conflicts {
		recs = append(recs, "Caution: "+c)
	}
	if result.IsRangingMarket() {
		recs = append(recs, "Ranging market: reduce size and widen invalidation")
	}
	return recs
}
