package market

import (
	"fmt"
	"time"
)

// Candle is one OHLCV bar. Immutable once IsClosed is set.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Timestamp int64     `json:"timestamp"` // ms, normalized to the timeframe boundary
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	IsClosed  bool      `json:"is_closed"`
}

// NewCandle builds a candle and enforces OHLCV sanity:
// low <= min(open, close) <= max(open, close) <= high, volume >= 0.
// The timestamp is normalized to the timeframe boundary.
func NewCandle(symbol string, tf Timeframe, tsMillis int64, open, high, low, closePrice, volume float64) (Candle, error) {
	if symbol == "" {
		return Candle{}, fmt.Errorf("candle requires a symbol")
	}
	if !tf.IsValid() {
		return Candle{}, fmt.Errorf("unknown timeframe %q", tf)
	}
	if tsMillis <= 0 {
		return Candle{}, fmt.Errorf("candle requires a positive timestamp, got %d", tsMillis)
	}
	if volume < 0 {
		return Candle{}, fmt.Errorf("negative volume %f", volume)
	}
	lowBody := open
	if closePrice < lowBody {
		lowBody = closePrice
	}
	highBody := open
	if closePrice > highBody {
		highBody = closePrice
	}
	if low > lowBody || high < highBody {
		return Candle{}, fmt.Errorf("OHLC out of order: o=%f h=%f l=%f c=%f", open, high, low, closePrice)
	}

	return Candle{
		Symbol:    symbol,
		Timeframe: tf,
		Timestamp: tf.NormalizeTimestamp(tsMillis),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
	}, nil
}

// OpenTime returns the candle start as a time.Time.
func (c *Candle) OpenTime() time.Time {
	return time.UnixMilli(c.Timestamp)
}

// IsBullish reports whether the candle closed above its open.
func (c *Candle) IsBullish() bool {
	return c.Close > c.Open
}

// Range returns the high-low span.
func (c *Candle) Range() float64 {
	return c.High - c.Low
}

// CandleUpdate is the raw tick payload carried by CANDLE_RECEIVED events.
// Timeframe stays a plain string here; validation happens in the processor.
type CandleUpdate struct {
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}
