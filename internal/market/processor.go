package market

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"futures-structure-bot/internal/events"
)

// ProcessorConfig tunes the realtime candle pipeline.
type ProcessorConfig struct {
	// OutlierThreshold is the maximum allowed relative close-to-close move;
	// ticks beyond it are dropped. Default 0.10 (10%).
	OutlierThreshold float64 `json:"outlier_threshold"`
}

// DefaultProcessorConfig returns safe defaults.
func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{OutlierThreshold: 0.10}
}

// ProcessorStats summarizes pipeline activity.
type ProcessorStats struct {
	CandlesProcessed   uint64 `json:"candles_processed"`
	CandlesClosed      uint64 `json:"candles_closed"`
	DuplicatesFiltered uint64 `json:"duplicates_filtered"`
	OutliersFiltered   uint64 `json:"outliers_filtered"`
	ActiveStreams      int    `json:"active_streams"`
}

// streamState tracks the in-progress candle for one (symbol, timeframe).
type streamState struct {
	current   Candle
	lastTs    int64
	lastClose float64
}

// RealtimeCandleProcessor turns raw candle ticks into a clean stream of
// closed candles. A tick with a new timestamp closes the buffered candle,
// stores it, and publishes CANDLE_CLOSED; the first tick for a key never
// triggers a close. Duplicate and outlier ticks are dropped and counted.
type RealtimeCandleProcessor struct {
	mu      sync.Mutex
	streams map[string]*streamState
	store   *CandleStore
	bus     *events.EventBus
	config  *ProcessorConfig
	logger  zerolog.Logger
	stats   ProcessorStats
}

// NewRealtimeCandleProcessor wires the processor to a store and bus.
func NewRealtimeCandleProcessor(config *ProcessorConfig, store *CandleStore, bus *events.EventBus, logger zerolog.Logger) *RealtimeCandleProcessor {
	if config == nil {
		config = DefaultProcessorConfig()
	}
	if config.OutlierThreshold <= 0 {
		config.OutlierThreshold = 0.10
	}
	return &RealtimeCandleProcessor{
		streams: make(map[string]*streamState),
		store:   store,
		bus:     bus,
		config:  config,
		logger:  logger.With().Str("component", "RealtimeCandleProcessor").Logger(),
	}
}

// CanHandle accepts only raw candle events.
func (p *RealtimeCandleProcessor) CanHandle(eventType events.EventType) bool {
	return eventType == events.EventCandleReceived
}

// Handle processes one CANDLE_RECEIVED event.
func (p *RealtimeCandleProcessor) Handle(event events.Event) error {
	update, ok := event.Data.(CandleUpdate)
	if !ok {
		return fmt.Errorf("unexpected payload type %T for %s", event.Data, event.Type)
	}
	return p.ProcessUpdate(update)
}

// OnError logs handler failures; the pipeline keeps running.
func (p *RealtimeCandleProcessor) OnError(event events.Event, err error) {
	p.logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("Candle event rejected")
}

// ProcessUpdate validates, filters, and applies one raw tick.
func (p *RealtimeCandleProcessor) ProcessUpdate(update CandleUpdate) error {
	if update.Symbol == "" || update.Timeframe == "" || update.Timestamp <= 0 {
		return fmt.Errorf("candle update missing symbol/timeframe/timestamp: %+v", update)
	}
	tf, err := ParseTimeframe(update.Timeframe)
	if err != nil {
		return err
	}

	candle, err := NewCandle(update.Symbol, tf, update.Timestamp,
		update.Open, update.High, update.Low, update.Close, update.Volume)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := storeKey(candle.Symbol, candle.Timeframe)
	state, exists := p.streams[key]

	if exists {
		// Identical (timestamp, close) repeat of the last tick.
		if candle.Timestamp == state.lastTs && candle.Close == state.lastClose {
			p.stats.DuplicatesFiltered++
			return nil
		}
		// Implausible jump against the previous tick's close.
		if state.lastClose > 0 {
			move := math.Abs(candle.Close-state.lastClose) / state.lastClose
			if move > p.config.OutlierThreshold {
				p.stats.OutliersFiltered++
				p.logger.Warn().
					Str("symbol", candle.Symbol).
					Str("timeframe", string(candle.Timeframe)).
					Float64("move", move).
					Msg("Outlier candle dropped")
				return nil
			}
		}
	}

	p.stats.CandlesProcessed++

	if !exists {
		p.streams[key] = &streamState{
			current:   candle,
			lastTs:    candle.Timestamp,
			lastClose: candle.Close,
		}
		return nil
	}

	if candle.Timestamp != state.current.Timestamp {
		// New bar started: the buffered candle is final.
		p.closeCandle(state.current)
	}

	state.current = candle
	state.lastTs = candle.Timestamp
	state.lastClose = candle.Close
	return nil
}

// closeCandle stores a finalized candle and publishes CANDLE_CLOSED.
// Called with the processor lock held; store and bus have their own locks.
func (p *RealtimeCandleProcessor) closeCandle(c Candle) {
	c.IsClosed = true

	if err := p.store.AddCandle(c); err != nil {
		p.logger.Warn().Err(err).
			Str("symbol", c.Symbol).
			Str("timeframe", string(c.Timeframe)).
			Msg("Closed candle rejected by store")
		return
	}

	p.stats.CandlesClosed++

	if p.bus != nil {
		if !p.bus.Publish(events.New(events.EventCandleClosed, events.PriorityCandleClosed,
			"RealtimeCandleProcessor", c)) {
			p.logger.Warn().
				Str("symbol", c.Symbol).
				Msg("CANDLE_CLOSED dropped by full bus queue")
		}
	}
}

// CurrentCandle returns the buffered in-progress candle for a key.
func (p *RealtimeCandleProcessor) CurrentCandle(symbol string, tf Timeframe) (Candle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.streams[storeKey(symbol, tf)]
	if !ok {
		return Candle{}, false
	}
	return state.current, true
}

// ClearStream drops per-key state. Empty symbol clears everything.
func (p *RealtimeCandleProcessor) ClearStream(symbol string, tf Timeframe) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if symbol == "" {
		p.streams = make(map[string]*streamState)
		return
	}
	delete(p.streams, storeKey(symbol, tf))
}

// Stats returns a snapshot of processing counters.
func (p *RealtimeCandleProcessor) Stats() ProcessorStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := p.stats
	stats.ActiveStreams = len(p.streams)
	return stats
}
