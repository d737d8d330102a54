package structure

import (
	"math"
	"sort"

	"github.com/rs/zerolog"

	"futures-structure-bot/internal/market"
)

// LevelType marks which side of the book a level's resting stops sit on.
type LevelType string

const (
	BuySideLiquidity  LevelType = "BUY_SIDE"  // stops above swing highs
	SellSideLiquidity LevelType = "SELL_SIDE" // stops below swing lows
)

// LevelState is the liquidity level lifecycle. SWEPT and EXPIRED are terminal.
type LevelState string

const (
	LevelActive  LevelState = "ACTIVE"
	LevelPartial LevelState = "PARTIAL"
	LevelSwept   LevelState = "SWEPT"
	LevelExpired LevelState = "EXPIRED"
)

// LiquidityLevel is a price where stop orders are believed to accumulate.
type LiquidityLevel struct {
	Type              LevelType  `json:"type"`
	Price             float64    `json:"price"`
	OriginTimestamp   int64      `json:"origin_timestamp"`
	OriginCandleIndex int        `json:"origin_candle_index"`
	Symbol            string     `json:"symbol"`
	Timeframe         string     `json:"timeframe"`
	TouchCount        int        `json:"touch_count"`
	Strength          float64    `json:"strength"` // 0-100
	VolumeProfile     float64    `json:"volume_profile"`
	State             LevelState `json:"state"`
	LastTouchTs       int64      `json:"last_touch_ts,omitempty"`
	SweptTs           int64      `json:"swept_ts,omitempty"`
}

// IsTradeable reports whether the level can still attract a sweep.
func (l *LiquidityLevel) IsTradeable() bool {
	return l.State == LevelActive || l.State == LevelPartial
}

// MarkTouched records a touch without a close-through. No-op once terminal.
func (l *LiquidityLevel) MarkTouched(ts int64) {
	if !l.IsTradeable() {
		return
	}
	l.TouchCount++
	l.LastTouchTs = ts
	l.State = LevelPartial
}

// MarkSwept terminally retires the level. No-op once terminal.
func (l *LiquidityLevel) MarkSwept(ts int64) {
	if !l.IsTradeable() {
		return
	}
	l.State = LevelSwept
	l.SweptTs = ts
}

// ZoneConfig tunes liquidity level construction and clustering.
type ZoneConfig struct {
	SwingLookback          int     `json:"swing_lookback"`
	ProximityTolerancePips float64 `json:"proximity_tolerance_pips"`
	PipSize                float64 `json:"pip_size"`
}

// DefaultZoneConfig returns safe defaults.
func DefaultZoneConfig() *ZoneConfig {
	return &ZoneConfig{
		SwingLookback:          3,
		ProximityTolerancePips: 5,
		PipSize:                0.0001,
	}
}

// LiquidityZoneEngine derives liquidity levels from swing points, clusters
// neighbors, and tracks level state against subsequent candles.
type LiquidityZoneEngine struct {
	detector *SwingDetector
	config   *ZoneConfig
	logger   zerolog.Logger
}

// NewLiquidityZoneEngine creates an engine.
func NewLiquidityZoneEngine(config *ZoneConfig, logger zerolog.Logger) *LiquidityZoneEngine {
	if config == nil {
		config = DefaultZoneConfig()
	}
	if config.PipSize <= 0 {
		config.PipSize = 0.0001
	}
	return &LiquidityZoneEngine{
		detector: NewSwingDetector(config.SwingLookback),
		config:   config,
		logger:   logger.With().Str("component", "LiquidityZoneEngine").Logger(),
	}
}

// BuildLevels maps swing highs to BUY-SIDE levels and swing lows to
// SELL-SIDE levels, scores them, and clusters neighbors.
func (e *LiquidityZoneEngine) BuildLevels(candles []market.Candle) []*LiquidityLevel {
	swings := e.detector.DetectSwings(candles)
	if len(swings) == 0 {
		return nil
	}

	avgVolume := averageVolume(candles)

	levels := make([]*LiquidityLevel, 0, len(swings))
	for _, s := range swings {
		levelType := BuySideLiquidity
		if !s.IsHigh {
			levelType = SellSideLiquidity
		}

		level := &LiquidityLevel{
			Type:              levelType,
			Price:             s.Price,
			OriginTimestamp:   s.Timestamp,
			OriginCandleIndex: s.CandleIndex,
			Symbol:            candles[0].Symbol,
			Timeframe:         string(candles[0].Timeframe),
			VolumeProfile:     s.Volume,
			State:             LevelActive,
		}
		level.Strength = e.scoreLevel(s, candles, avgVolume)
		levels = append(levels, level)
	}

	return e.clusterLevels(levels)
}

// scoreLevel computes strength 0-100 from lookback, touch count, and the
// volume around the swing relative to the overall average.
func (e *LiquidityZoneEngine) scoreLevel(s SwingPoint, candles []market.Candle, avgVolume float64) float64 {
	base := 0.3 * math.Min(float64(s.Strength), 10) * 10

	touchComponent := math.Min(40, 10*float64(e.countTouches(s, candles)))

	volumeRatio := 0.0
	if avgVolume > 0 {
		nearby := e.nearbyVolume(s, candles)
		volumeRatio = (s.Volume + nearby) / 2 / avgVolume
	}
	volumeComponent := math.Min(30, 15*volumeRatio)

	return math.Min(100, base+touchComponent+volumeComponent)
}

// countTouches counts candles after the swing that reach the level without
// closing through it.
func (e *LiquidityZoneEngine) countTouches(s SwingPoint, candles []market.Candle) int {
	touches := 0
	for i := s.CandleIndex + 1; i < len(candles); i++ {
		c := candles[i]
		if s.IsHigh {
			if c.High >= s.Price && c.Close <= s.Price {
				touches++
			}
		} else {
			if c.Low <= s.Price && c.Close >= s.Price {
				touches++
			}
		}
	}
	return touches
}

// nearbyVolume averages volume over the swing's detection window.
func (e *LiquidityZoneEngine) nearbyVolume(s SwingPoint, candles []market.Candle) float64 {
	start := s.CandleIndex - s.Strength
	end := s.CandleIndex + s.Strength
	if start < 0 {
		start = 0
	}
	if end >= len(candles) {
		end = len(candles) - 1
	}
	sum := 0.0
	for i := start; i <= end; i++ {
		sum += candles[i].Volume
	}
	return sum / float64(end-start+1)
}

// clusterLevels merges same-type levels within the proximity tolerance of the
// running cluster mean. Merged price is the strength-weighted mean; strength
// is base + 0.3 * sum of the others, capped at 100.
func (e *LiquidityZoneEngine) clusterLevels(levels []*LiquidityLevel) []*LiquidityLevel {
	if len(levels) <= 1 {
		return levels
	}

	tolerance := e.config.ProximityTolerancePips * e.config.PipSize

	sort.Slice(levels, func(i, j int) bool {
		if levels[i].Type != levels[j].Type {
			return levels[i].Type < levels[j].Type
		}
		return levels[i].Price < levels[j].Price
	})

	var out []*LiquidityLevel
	var cluster []*LiquidityLevel

	flush := func() {
		if len(cluster) > 0 {
			out = append(out, mergeCluster(cluster))
			cluster = nil
		}
	}

	for _, level := range levels {
		if len(cluster) == 0 {
			cluster = append(cluster, level)
			continue
		}
		if level.Type == cluster[0].Type && math.Abs(level.Price-clusterMean(cluster)) <= tolerance {
			cluster = append(cluster, level)
			continue
		}
		flush()
		cluster = append(cluster, level)
	}
	flush()

	return out
}

func clusterMean(cluster []*LiquidityLevel) float64 {
	sum := 0.0
	for _, l := range cluster {
		sum += l.Price
	}
	return sum / float64(len(cluster))
}

func mergeCluster(cluster []*LiquidityLevel) *LiquidityLevel {
	if len(cluster) == 1 {
		return cluster[0]
	}

	// Strongest member anchors the merge.
	base := cluster[0]
	for _, l := range cluster[1:] {
		if l.Strength > base.Strength {
			base = l
		}
	}

	weightedPrice := 0.0
	totalWeight := 0.0
	touchSum := 0
	otherStrength := 0.0
	earliest := base
	maxVolume := 0.0

	for _, l := range cluster {
		weight := l.Strength
		if weight <= 0 {
			weight = 1
		}
		weightedPrice += l.Price * weight
		totalWeight += weight
		touchSum += l.TouchCount
		if l != base {
			otherStrength += l.Strength
		}
		if l.OriginTimestamp < earliest.OriginTimestamp {
			earliest = l
		}
		if l.VolumeProfile > maxVolume {
			maxVolume = l.VolumeProfile
		}
	}

	return &LiquidityLevel{
		Type:              base.Type,
		Price:             weightedPrice / totalWeight,
		OriginTimestamp:   earliest.OriginTimestamp,
		OriginCandleIndex: earliest.OriginCandleIndex,
		Symbol:            base.Symbol,
		Timeframe:         base.Timeframe,
		TouchCount:        touchSum,
		Strength:          math.Min(100, base.Strength+0.3*otherStrength),
		VolumeProfile:     maxVolume,
		State:             LevelActive,
	}
}

// UpdateLevelStates walks candles from startIndex and advances each
// tradeable level: a close through the level sweeps it terminally, a touch
// without close-through marks it PARTIAL.
func (e *LiquidityZoneEngine) UpdateLevelStates(levels []*LiquidityLevel, candles []market.Candle, startIndex int) {
	if startIndex < 0 {
		startIndex = 0
	}
	for _, level := range levels {
		for i := startIndex; i < len(candles); i++ {
			if !level.IsTradeable() {
				break
			}
			if i <= level.OriginCandleIndex {
				continue
			}
			c := candles[i]
			switch level.Type {
			case BuySideLiquidity:
				if c.High >= level.Price {
					if c.Close > level.Price {
						level.MarkSwept(c.Timestamp)
					} else {
						level.MarkTouched(c.Timestamp)
					}
				}
			case SellSideLiquidity:
				if c.Low <= level.Price {
					if c.Close < level.Price {
						level.MarkSwept(c.Timestamp)
					} else {
						level.MarkTouched(c.Timestamp)
					}
				}
			}
		}
	}
}

func averageVolume(candles []market.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range candles {
		sum += c.Volume
	}
	return sum / float64(len(candles))
}
