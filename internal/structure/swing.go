package structure

import (
	"math"

	"futures-structure-bot/internal/market"
)

// SwingPoint is a confirmed local extreme. Never mutated after creation.
type SwingPoint struct {
	Price       float64 `json:"price"`
	Timestamp   int64   `json:"timestamp"`
	CandleIndex int     `json:"candle_index"`
	IsHigh      bool    `json:"is_high"`
	Strength    int     `json:"strength"` // detection lookback
	Volume      float64 `json:"volume"`
}

// SwingDetector finds fractal swing highs and lows over a fixed lookback.
type SwingDetector struct {
	lookback int
}

// NewSwingDetector creates a detector. Lookback defaults to 3.
func NewSwingDetector(lookback int) *SwingDetector {
	if lookback <= 0 {
		lookback = 3
	}
	return &SwingDetector{lookback: lookback}
}

// Lookback returns the detection window half-width.
func (sd *SwingDetector) Lookback() int {
	return sd.lookback
}

// DetectSwings returns all swing highs and lows in candle order. A swing high
// at index i requires its high to be strictly greater than every high in
// [i-N, i-1] and [i+1, i+N]; lows are symmetric. Fewer than 2N+1 candles
// yield nothing.
func (sd *SwingDetector) DetectSwings(candles []market.Candle) []SwingPoint {
	n := sd.lookback
	if len(candles) < 2*n+1 {
		return nil
	}

	var swings []SwingPoint
	for i := n; i < len(candles)-n; i++ {
		if sd.isSwingHigh(candles, i) {
			swings = append(swings, SwingPoint{
				Price:       candles[i].High,
				Timestamp:   candles[i].Timestamp,
				CandleIndex: i,
				IsHigh:      true,
				Strength:    n,
				Volume:      candles[i].Volume,
			})
		}
		if sd.isSwingLow(candles, i) {
			swings = append(swings, SwingPoint{
				Price:       candles[i].Low,
				Timestamp:   candles[i].Timestamp,
				CandleIndex: i,
				IsHigh:      false,
				Strength:    n,
				Volume:      candles[i].Volume,
			})
		}
	}
	return swings
}

// DetectSwingHighs returns only swing highs.
func (sd *SwingDetector) DetectSwingHighs(candles []market.Candle) []SwingPoint {
	return filterSwings(sd.DetectSwings(candles), true)
}

// DetectSwingLows returns only swing lows.
func (sd *SwingDetector) DetectSwingLows(candles []market.Candle) []SwingPoint {
	return filterSwings(sd.DetectSwings(candles), false)
}

func filterSwings(swings []SwingPoint, highs bool) []SwingPoint {
	var out []SwingPoint
	for _, s := range swings {
		if s.IsHigh == highs {
			out = append(out, s)
		}
	}
	return out
}

func (sd *SwingDetector) isSwingHigh(candles []market.Candle, i int) bool {
	h := candles[i].High
	for j := i - sd.lookback; j <= i+sd.lookback; j++ {
		if j != i && candles[j].High >= h {
			return false
		}
	}
	return true
}

func (sd *SwingDetector) isSwingLow(candles []market.Candle, i int) bool {
	l := candles[i].Low
	for j := i - sd.lookback; j <= i+sd.lookback; j++ {
		if j != i && candles[j].Low <= l {
			return false
		}
	}
	return true
}

// CalculateATR computes the average true range over the last period candles.
// Returns 0 when fewer than period+1 candles are available.
func CalculateATR(candles []market.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}

	start := len(candles) - period
	sum := 0.0
	for i := start; i < len(candles); i++ {
		prevClose := candles[i-1].Close
		tr := candles[i].High - candles[i].Low
		tr = math.Max(tr, math.Abs(candles[i].High-prevClose))
		tr = math.Max(tr, math.Abs(candles[i].Low-prevClose))
		sum += tr
	}
	return sum / float64(period)
}
