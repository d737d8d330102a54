package structure

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"futures-structure-bot/internal/events"
	"futures-structure-bot/internal/market"
)

// CandleSource supplies historical candles for lane warm starts. Satisfied
// by market.CandleDataManager.
type CandleSource interface {
	GetCandles(symbol string, tf market.Timeframe, limit int) []market.Candle
}

// CoordinatorConfig tunes the analysis pipeline driver.
type CoordinatorConfig struct {
	// MaxWindow is the per-lane candle window. Detector indices are only
	// valid against a stable slice, so the lane reseeds (and resets its
	// sweep and break detectors) when the window overflows.
	MaxWindow int `json:"max_window"`
	// SeedLimit is how much history a new lane pulls from the candle source.
	SeedLimit int `json:"seed_limit"`
	// RecentBreaks and RecentSweeps bound how much detector history feeds
	// the composite state derivation.
	RecentBreaks int `json:"recent_breaks"`
	RecentSweeps int `json:"recent_sweeps"`

	Zone  *ZoneConfig  `json:"zone,omitempty"`
	Sweep *SweepConfig `json:"sweep,omitempty"`
	Trend *TrendConfig `json:"trend,omitempty"`
	BMS   *BMSConfig   `json:"bms,omitempty"`
	State *StateConfig `json:"state,omitempty"`
	MTF   *MTFConfig   `json:"mtf,omitempty"`
}

// DefaultCoordinatorConfig returns safe defaults.
func DefaultCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		MaxWindow:    600,
		SeedLimit:    300,
		RecentBreaks: 10,
		RecentSweeps: 20,
	}
}

// CoordinatorStats counts pipeline activity.
type CoordinatorStats struct {
	CandlesAnalyzed uint64 `json:"candles_analyzed"`
	LaneReseeds     uint64 `json:"lane_reseeds"`
	ActiveLanes     int    `json:"active_lanes"`
}

// lane holds the per-(symbol, timeframe) detector set and its candle window.
// The sweep and break detectors key internal state by slice index, so the
// window is append-only between reseeds.
type lane struct {
	symbol    string
	timeframe market.Timeframe

	candles []market.Candle
	levels  []*LiquidityLevel
	// stateIndex is the first candle not yet replayed through level states.
	stateIndex int

	sweep *LiquiditySweepDetector
	bms   *MarketStructureBreakDetector
}

// Coordinator drives the full market-structure pipeline off closed candles.
// For every CANDLE_CLOSED it detects swings, refreshes liquidity levels,
// advances the sweep and break state machines, reclassifies the trend, folds
// everything into the composite market state, and reintegrates the symbol's
// multi-timeframe picture. Detectors publish their own events; the
// coordinator only sequences them.
type Coordinator struct {
	config *CoordinatorConfig
	bus    *events.EventBus
	source CandleSource
	logger zerolog.Logger

	swings  *SwingDetector
	zone    *LiquidityZoneEngine
	trend   *TrendRecognitionEngine
	tracker *MarketStateTracker
	mtf     *MultiTimeframeAnalyzer

	mu    sync.Mutex
	lanes map[string]*lane
	// latest integrated view per symbol
	integrated map[string]*MultiTimeframeStructure
	stats      CoordinatorStats
}

// NewCoordinator creates the pipeline driver. source may be nil; lanes then
// build their windows from the event stream alone.
func NewCoordinator(config *CoordinatorConfig, source CandleSource, bus *events.EventBus, logger zerolog.Logger) *Coordinator {
	if config == nil {
		config = DefaultCoordinatorConfig()
	}
	if config.MaxWindow <= 0 {
		config.MaxWindow = 600
	}
	if config.SeedLimit <= 0 || config.SeedLimit > config.MaxWindow {
		config.SeedLimit = config.MaxWindow / 2
	}
	if config.RecentBreaks <= 0 {
		config.RecentBreaks = 10
	}
	if config.RecentSweeps <= 0 {
		config.RecentSweeps = 20
	}

	zone := NewLiquidityZoneEngine(config.Zone, logger)
	return &Coordinator{
		config:     config,
		bus:        bus,
		source:     source,
		logger:     logger.With().Str("component", "StructureCoordinator").Logger(),
		swings:     NewSwingDetector(zone.config.SwingLookback),
		zone:       zone,
		trend:      NewTrendRecognitionEngine(config.Trend, bus, logger),
		tracker:    NewMarketStateTracker(config.State, bus, logger),
		mtf:        NewMultiTimeframeAnalyzer(config.MTF, logger),
		lanes:      make(map[string]*lane),
		integrated: make(map[string]*MultiTimeframeStructure),
	}
}

// CanHandle accepts only closed-candle events.
func (c *Coordinator) CanHandle(eventType events.EventType) bool {
	return eventType == events.EventCandleClosed
}

// Handle processes one CANDLE_CLOSED event.
func (c *Coordinator) Handle(event events.Event) error {
	candle, ok := event.Data.(market.Candle)
	if !ok {
		return fmt.Errorf("unexpected payload type %T for %s", event.Data, event.Type)
	}
	return c.ProcessClosedCandle(candle)
}

// OnError logs handler failures; the pipeline keeps running.
func (c *Coordinator) OnError(event events.Event, err error) {
	c.logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("Candle rejected by pipeline")
}

// ProcessClosedCandle runs one full analysis pass for the candle's lane.
func (c *Coordinator) ProcessClosedCandle(candle market.Candle) error {
	if candle.Symbol == "" || candle.Timeframe == "" {
		return fmt.Errorf("closed candle missing symbol/timeframe: %+v", candle)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ln := c.ensureLane(candle)
	if !c.appendCandle(ln, candle) {
		return nil // stale or duplicate timestamp
	}
	index := len(ln.candles) - 1

	swings := c.swings.DetectSwings(ln.candles)
	c.refreshLevels(ln)

	// The sweep detector sees the candle while the levels it breaches are
	// still tradeable; a breach candle that also closes through the level
	// must open a candidate before the state replay retires it.
	ln.sweep.ProcessCandle(ln.candles, index, ln.levels)

	c.zone.UpdateLevelStates(ln.levels, ln.candles, ln.stateIndex)
	ln.stateIndex = len(ln.candles)

	tf := string(candle.Timeframe)
	trendState := c.trend.Analyze(ln.symbol, tf, ln.candles)
	var direction TrendDirection = Ranging
	if trendState != nil {
		direction = trendState.Direction
	}
	ln.bms.ProcessCandle(ln.candles, index, swings, direction)

	c.tracker.Update(ln.symbol, tf, trendState,
		tailBreaks(ln.bms.ConfirmedBreaks(), c.config.RecentBreaks),
		tailSweeps(ln.sweep.CompletedSweeps(), c.config.RecentSweeps),
		candle.Timestamp)

	c.integrate(ln.symbol, candle.Timeframe)
	c.stats.CandlesAnalyzed++
	return nil
}

// ensureLane returns the lane for the candle's key, creating and optionally
// warm-starting it on first sight.
func (c *Coordinator) ensureLane(candle market.Candle) *lane {
	key := candle.Symbol + ":" + string(candle.Timeframe)
	if ln, ok := c.lanes[key]; ok {
		return ln
	}

	ln := &lane{
		symbol:    candle.Symbol,
		timeframe: candle.Timeframe,
		sweep:     NewLiquiditySweepDetector(c.config.Sweep, c.bus, c.logger),
		bms:       NewMarketStructureBreakDetector(c.config.BMS, c.bus, c.logger),
	}
	if c.source != nil {
		// The store already holds the triggering candle; history includes it.
		history := c.source.GetCandles(candle.Symbol, candle.Timeframe, c.config.SeedLimit)
		if len(history) > 1 {
			ln.candles = append(ln.candles, history[:len(history)-1]...)
			c.logger.Info().
				Str("symbol", candle.Symbol).
				Str("timeframe", string(candle.Timeframe)).
				Int("candles", len(ln.candles)).
				Msg("Lane warm-started from store")
		}
	}
	c.lanes[key] = ln
	c.stats.ActiveLanes = len(c.lanes)
	return ln
}

// appendCandle grows the lane window, reseeding first when it would
// overflow. Returns false for out-of-order or duplicate timestamps.
func (c *Coordinator) appendCandle(ln *lane, candle market.Candle) bool {
	if n := len(ln.candles); n > 0 && candle.Timestamp <= ln.candles[n-1].Timestamp {
		return false
	}
	if len(ln.candles) >= c.config.MaxWindow {
		c.reseedLane(ln)
	}
	ln.candles = append(ln.candles, candle)
	return true
}

// reseedLane halves the window and resets the index-keyed detectors. Level
// and candidate state is rebuilt from the kept candles; in-flight sweep and
// break candidates are dropped at the boundary.
func (c *Coordinator) reseedLane(ln *lane) {
	keep := c.config.MaxWindow / 2
	kept := make([]market.Candle, keep)
	copy(kept, ln.candles[len(ln.candles)-keep:])

	ln.candles = kept
	ln.levels = nil
	ln.stateIndex = 0
	ln.sweep = NewLiquiditySweepDetector(c.config.Sweep, c.bus, c.logger)
	ln.bms = NewMarketStructureBreakDetector(c.config.BMS, c.bus, c.logger)

	c.stats.LaneReseeds++
	c.logger.Debug().
		Str("symbol", ln.symbol).
		Str("timeframe", string(ln.timeframe)).
		Int("kept", keep).
		Msg("Lane window reseeded")
}

// refreshLevels merges freshly built levels into the lane. Existing level
// pointers are kept because the sweep detector keys candidates by pointer;
// identity is (type, origin timestamp). Levels whose origin rolled out of
// the window are dropped.
func (c *Coordinator) refreshLevels(ln *lane) {
	fresh := c.zone.BuildLevels(ln.candles)

	existing := make(map[string]*LiquidityLevel, len(ln.levels))
	for _, level := range ln.levels {
		existing[levelKey(level)] = level
	}

	merged := make([]*LiquidityLevel, 0, len(fresh))
	for _, level := range fresh {
		if prev, ok := existing[levelKey(level)]; ok {
			merged = append(merged, prev)
			continue
		}
		level.Symbol = ln.symbol
		level.Timeframe = string(ln.timeframe)
		// New levels replay post-origin history up to the lane's replay
		// cursor once; the lane-wide pass covers the newer candles exactly
		// once from there.
		c.zone.UpdateLevelStates([]*LiquidityLevel{level}, ln.candles[:ln.stateIndex], level.OriginCandleIndex+1)
		merged = append(merged, level)
	}
	ln.levels = merged
}

func levelKey(level *LiquidityLevel) string {
	return fmt.Sprintf("%s:%d", level.Type, level.OriginTimestamp)
}

func tailBreaks(breaks []*BreakOfMarketStructure, n int) []*BreakOfMarketStructure {
	if len(breaks) <= n {
		return breaks
	}
	return breaks[len(breaks)-n:]
}

func tailSweeps(sweeps []*LiquiditySweep, n int) []*LiquiditySweep {
	if len(sweeps) <= n {
		return sweeps
	}
	return sweeps[len(sweeps)-n:]
}

// integrate recomputes the symbol's multi-timeframe view when the updated
// timeframe participates in it.
func (c *Coordinator) integrate(symbol string, tf market.Timeframe) {
	switch tf {
	case market.TF1h, market.TF15m, market.TF1m:
	default:
		return
	}

	h1, _ := c.tracker.State(symbol, string(market.TF1h))
	m15, _ := c.tracker.State(symbol, string(market.TF15m))
	m1, _ := c.tracker.State(symbol, string(market.TF1m))
	c.integrated[symbol] = c.mtf.Integrate(h1, m15, m1)
}

// MultiTimeframe returns the latest integrated view for a symbol.
func (c *Coordinator) MultiTimeframe(symbol string) (*MultiTimeframeStructure, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	view, ok := c.integrated[symbol]
	return view, ok
}

// State returns the composite market state for a key.
func (c *Coordinator) State(symbol string, tf market.Timeframe) (*MarketStateData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.State(symbol, string(tf))
}

// Levels returns the lane's current liquidity levels.
func (c *Coordinator) Levels(symbol string, tf market.Timeframe) []*LiquidityLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	ln, ok := c.lanes[symbol+":"+string(tf)]
	if !ok {
		return nil
	}
	out := make([]*LiquidityLevel, len(ln.levels))
	copy(out, ln.levels)
	return out
}

// Sweeps returns the lane's completed liquidity sweeps.
func (c *Coordinator) Sweeps(symbol string, tf market.Timeframe) []*LiquiditySweep {
	c.mu.Lock()
	defer c.mu.Unlock()
	ln, ok := c.lanes[symbol+":"+string(tf)]
	if !ok {
		return nil
	}
	return ln.sweep.CompletedSweeps()
}

// Stats returns a snapshot of pipeline counters.
func (c *Coordinator) Stats() CoordinatorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.ActiveLanes = len(c.lanes)
	return stats
}
