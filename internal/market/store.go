package market

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

const estimatedBytesPerCandle = 200

var (
	// ErrStaleCandle is returned when an incoming candle's timestamp is not
	// after the latest stored one.
	ErrStaleCandle = errors.New("candle timestamp not after latest stored candle")
	// ErrDuplicateCandle is returned for a repeat of the latest candle.
	ErrDuplicateCandle = errors.New("duplicate candle")
)

// StoreConfig bounds per-(symbol, timeframe) storage.
type StoreConfig struct {
	MaxCandles int `json:"max_candles"`
}

// DefaultStoreConfig returns safe defaults.
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{MaxCandles: 1000}
}

// StoreStats summarizes store contents.
type StoreStats struct {
	TotalCandles int     `json:"total_candles"`
	StorageCount int     `json:"storage_count"`
	MemoryMB     float64 `json:"memory_mb"`
}

// CandleStore holds bounded, strictly time-ordered candle series per
// (symbol, timeframe). Eviction is FIFO, oldest first.
type CandleStore struct {
	mu         sync.RWMutex
	series     map[string][]Candle
	maxCandles int
	logger     zerolog.Logger
}

// NewCandleStore creates an empty store.
func NewCandleStore(config *StoreConfig, logger zerolog.Logger) *CandleStore {
	if config == nil {
		config = DefaultStoreConfig()
	}
	if config.MaxCandles <= 0 {
		config.MaxCandles = 1000
	}
	return &CandleStore{
		series:     make(map[string][]Candle),
		maxCandles: config.MaxCandles,
		logger:     logger.With().Str("component", "CandleStore").Logger(),
	}
}

func storeKey(symbol string, tf Timeframe) string {
	return symbol + ":" + string(tf)
}

// AddCandle appends a candle iff its timestamp is strictly after the latest
// stored one. Duplicates and out-of-order candles are refused.
func (cs *CandleStore) AddCandle(c Candle) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	key := storeKey(c.Symbol, c.Timeframe)
	series := cs.series[key]

	if n := len(series); n > 0 {
		last := series[n-1]
		if c.Timestamp == last.Timestamp && c.Close == last.Close {
			return fmt.Errorf("%w: %s %s ts=%d", ErrDuplicateCandle, c.Symbol, c.Timeframe, c.Timestamp)
		}
		if c.Timestamp <= last.Timestamp {
			return fmt.Errorf("%w: %s %s incoming=%d latest=%d",
				ErrStaleCandle, c.Symbol, c.Timeframe, c.Timestamp, last.Timestamp)
		}
	}

	series = append(series, c)
	if len(series) > cs.maxCandles {
		series = series[len(series)-cs.maxCandles:]
	}
	cs.series[key] = series
	return nil
}

// GetCandles returns the most recent candles for a key in chronological
// order. limit <= 0 returns everything.
func (cs *CandleStore) GetCandles(symbol string, tf Timeframe, limit int) []Candle {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	series := cs.series[storeKey(symbol, tf)]
	if limit > 0 && limit < len(series) {
		series = series[len(series)-limit:]
	}
	out := make([]Candle, len(series))
	copy(out, series)
	return out
}

// GetLatest returns the newest candle for a key.
func (cs *CandleStore) GetLatest(symbol string, tf Timeframe) (Candle, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	series := cs.series[storeKey(symbol, tf)]
	if len(series) == 0 {
		return Candle{}, false
	}
	return series[len(series)-1], true
}

// GetCandleCount returns the number of stored candles for a key.
func (cs *CandleStore) GetCandleCount(symbol string, tf Timeframe) int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.series[storeKey(symbol, tf)])
}

// Clear removes stored candles. Empty symbol clears everything; empty
// timeframe clears all series for the symbol. Returns removed candle count.
func (cs *CandleStore) Clear(symbol string, tf Timeframe) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	removed := 0
	if symbol == "" {
		for _, series := range cs.series {
			removed += len(series)
		}
		cs.series = make(map[string][]Candle)
		return removed
	}

	if tf != "" {
		key := storeKey(symbol, tf)
		removed = len(cs.series[key])
		delete(cs.series, key)
		return removed
	}

	prefix := symbol + ":"
	for key, series := range cs.series {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			removed += len(series)
			delete(cs.series, key)
		}
	}
	return removed
}

// Stats returns aggregate storage statistics. Memory is an estimate of
// roughly 200 bytes per candle.
func (cs *CandleStore) Stats() StoreStats {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	total := 0
	for _, series := range cs.series {
		total += len(series)
	}
	return StoreStats{
		TotalCandles: total,
		StorageCount: len(cs.series),
		MemoryMB:     float64(total*estimatedBytesPerCandle) / (1024 * 1024),
	}
}
