package market

import (
	"fmt"
	"sort"
	"time"
)

// Timeframe is a canonical chart interval string.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF4h:  4 * time.Hour,
	TF1d:  24 * time.Hour,
}

// ParseTimeframe validates a timeframe string. Unknown strings are rejected.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Duration returns the interval length. Zero for unknown timeframes.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// IsValid reports whether the timeframe is one of the canonical intervals.
func (tf Timeframe) IsValid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// NormalizeTimestamp floors a millisecond timestamp to the timeframe
// boundary.
func (tf Timeframe) NormalizeTimestamp(tsMillis int64) int64 {
	intervalMs := tf.Duration().Milliseconds()
	if intervalMs == 0 {
		return tsMillis
	}
	return tsMillis - tsMillis%intervalMs
}

// SortTimeframes orders timeframes by ascending duration in place and
// returns the slice.
func SortTimeframes(tfs []Timeframe) []Timeframe {
	sort.Slice(tfs, func(i, j int) bool {
		return tfs[i].Duration() < tfs[j].Duration()
	})
	return tfs
}
