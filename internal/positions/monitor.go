package positions

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-structure-bot/internal/events"
	"futures-structure-bot/internal/exchange"
)

// ConflictKind classifies a reconciliation mismatch.
type ConflictKind string

const (
	ConflictSizeMismatch  ConflictKind = "size_mismatch"
	ConflictEntryMismatch ConflictKind = "entry_mismatch"
	ConflictOrphaned      ConflictKind = "orphaned"
)

// Conflict is one local-vs-exchange discrepancy. Conflicts are reported, not
// resolved.
type Conflict struct {
	Symbol        string          `json:"symbol"`
	Kind          ConflictKind    `json:"kind"`
	LocalSize     decimal.Decimal `json:"local_size"`
	ExchangeSize  decimal.Decimal `json:"exchange_size"`
	LocalEntry    decimal.Decimal `json:"local_entry"`
	ExchangeEntry decimal.Decimal `json:"exchange_entry"`
}

// RecoveryResult summarizes one recover_positions pass.
type RecoveryResult struct {
	Recovered int        `json:"recovered"`
	Conflicts []Conflict `json:"conflicts"`
}

// MonitorConfig tunes the reconciliation loop.
type MonitorConfig struct {
	SyncInterval time.Duration `json:"sync_interval"`
	// MismatchTolerance is the relative size/entry drift treated as equal.
	MismatchTolerance float64 `json:"mismatch_tolerance"`
}

// DefaultMonitorConfig returns the standard reconciliation policy.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		SyncInterval:      30 * time.Second,
		MismatchTolerance: 0.01,
	}
}

// MonitorStats counts reconciliation activity.
type MonitorStats struct {
	SyncRuns       int       `json:"sync_runs"`
	SyncErrors     int       `json:"sync_errors"`
	Recovered      int       `json:"recovered"`
	ConflictsFound int       `json:"conflicts_found"`
	LastSync       time.Time `json:"last_sync"`
}

// Monitor periodically reconciles local positions against the exchange.
// Recovery adopts exchange-only positions; conflicts are emitted as events
// and left for the operator.
type Monitor struct {
	manager *Manager
	ex      exchange.Exchange
	bus     *events.EventBus
	config  *MonitorConfig
	logger  zerolog.Logger

	mu      sync.Mutex
	stats   MonitorStats
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewMonitor creates a reconciliation monitor.
func NewMonitor(manager *Manager, ex exchange.Exchange, bus *events.EventBus, config *MonitorConfig, logger zerolog.Logger) *Monitor {
	if config == nil {
		config = DefaultMonitorConfig()
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = 30 * time.Second
	}
	if config.MismatchTolerance <= 0 {
		config.MismatchTolerance = 0.01
	}
	return &Monitor{
		manager: manager,
		ex:      ex,
		bus:     bus,
		config:  config,
		logger:  logger.With().Str("component", "PositionMonitor").Logger(),
	}
}

// RecoverPositions reconciles at startup: exchange-only positions are
// adopted with strategy "recovered", drifted positions and local orphans
// become conflicts.
func (pm *Monitor) RecoverPositions(ctx context.Context) (*RecoveryResult, error) {
	exchangePositions, err := pm.ex.FetchPositions(ctx)
	if err != nil {
		return nil, err
	}

	result := &RecoveryResult{}
	seen := make(map[string]bool)

	for _, exPos := range exchangePositions {
		if !exPos.Contracts.IsPositive() {
			continue
		}
		seen[exPos.Symbol] = true

		local, ok := pm.manager.GetPosition(exPos.Symbol)
		if !ok {
			if err := pm.adopt(ctx, exPos); err != nil {
				pm.logger.Warn().Err(err).Str("symbol", exPos.Symbol).Msg("Failed to adopt exchange position")
				continue
			}
			result.Recovered++
			continue
		}

		if conflict, ok := pm.compare(local, exPos); ok {
			result.Conflicts = append(result.Conflicts, conflict)
		}
	}

	// Local positions the exchange does not know about.
	for _, local := range pm.manager.OpenPositions() {
		if !seen[local.Symbol] {
			result.Conflicts = append(result.Conflicts, Conflict{
				Symbol:     local.Symbol,
				Kind:       ConflictOrphaned,
				LocalSize:  local.Size,
				LocalEntry: local.EntryPrice,
			})
		}
	}

	pm.mu.Lock()
	pm.stats.Recovered += result.Recovered
	pm.stats.ConflictsFound += len(result.Conflicts)
	pm.mu.Unlock()

	for _, conflict := range result.Conflicts {
		pm.publishConflict(conflict)
	}

	pm.logger.Info().
		Int("recovered", result.Recovered).
		Int("conflicts", len(result.Conflicts)).
		Msg("Position recovery complete")
	return result, nil
}

// SyncPositions refreshes mark prices from the exchange. Conflicts are not
// resolved here.
func (pm *Monitor) SyncPositions(ctx context.Context) (int, error) {
	exchangePositions, err := pm.ex.FetchPositions(ctx)
	if err != nil {
		return 0, err
	}

	prices := make(map[string]decimal.Decimal)
	for _, exPos := range exchangePositions {
		if exPos.MarkPrice.IsPositive() {
			if _, ok := pm.manager.GetPosition(exPos.Symbol); ok {
				prices[exPos.Symbol] = exPos.MarkPrice
			}
		}
	}
	updated := pm.manager.UpdateAllPositions(ctx, prices)

	pm.mu.Lock()
	pm.stats.SyncRuns++
	pm.stats.LastSync = time.Now()
	pm.mu.Unlock()
	return updated, nil
}

// Start launches the periodic sync loop. Idempotent.
func (pm *Monitor) Start() {
	pm.mu.Lock()
	if pm.running {
		pm.mu.Unlock()
		return
	}
	pm.running = true
	pm.stopCh = make(chan struct{})
	pm.doneCh = make(chan struct{})
	pm.mu.Unlock()

	go pm.loop()
	pm.logger.Info().Dur("interval", pm.config.SyncInterval).Msg("Position monitor started")
}

// Stop halts the loop and waits for it to exit. Idempotent.
func (pm *Monitor) Stop() {
	pm.mu.Lock()
	if !pm.running {
		pm.mu.Unlock()
		return
	}
	pm.running = false
	close(pm.stopCh)
	done := pm.doneCh
	pm.mu.Unlock()

	<-done
	pm.logger.Info().Msg("Position monitor stopped")
}

// loop never lets one failed sync kill the task.
func (pm *Monitor) loop() {
	defer close(pm.doneCh)
	ticker := time.NewTicker(pm.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), pm.config.SyncInterval)
			if _, err := pm.SyncPositions(ctx); err != nil {
				pm.mu.Lock()
				pm.stats.SyncErrors++
				pm.mu.Unlock()
				pm.logger.Error().Err(err).Msg("Position sync failed")
			}
			cancel()
		}
	}
}

// Stats returns reconciliation counters.
func (pm *Monitor) Stats() MonitorStats {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.stats
}

func (pm *Monitor) adopt(ctx context.Context, exPos exchange.Position) error {
	side := SideLong
	if strings.EqualFold(exPos.Side, "short") {
		side = SideShort
	}
	_, err := pm.manager.OpenPosition(ctx, OpenRequest{
		Symbol:     exPos.Symbol,
		Strategy:   "recovered",
		Side:       side,
		Size:       exPos.Contracts,
		EntryPrice: exPos.EntryPrice,
		Leverage:   exPos.Leverage,
	})
	if err != nil {
		return err
	}
	if exPos.MarkPrice.IsPositive() {
		_, err = pm.manager.UpdatePosition(ctx, exPos.Symbol, exPos.MarkPrice, decimal.Zero)
	}
	return err
}

// compare flags relative size or entry drift beyond the tolerance.
func (pm *Monitor) compare(local *Position, exPos exchange.Position) (Conflict, bool) {
	conflict := Conflict{
		Symbol:        local.Symbol,
		LocalSize:     local.Size,
		ExchangeSize:  exPos.Contracts,
		LocalEntry:    local.EntryPrice,
		ExchangeEntry: exPos.EntryPrice,
	}
	if relDrift(local.Size, exPos.Contracts) > pm.config.MismatchTolerance {
		conflict.Kind = ConflictSizeMismatch
		return conflict, true
	}
	if relDrift(local.EntryPrice, exPos.EntryPrice) > pm.config.MismatchTolerance {
		conflict.Kind = ConflictEntryMismatch
		return conflict, true
	}
	return Conflict{}, false
}

func relDrift(local, reference decimal.Decimal) float64 {
	if reference.IsZero() {
		return 0
	}
	drift, _ := local.Sub(reference).Div(reference).Abs().Float64()
	return drift
}

func (pm *Monitor) publishConflict(conflict Conflict) {
	pm.logger.Warn().
		Str("symbol", conflict.Symbol).
		Str("kind", string(conflict.Kind)).
		Str("local_size", conflict.LocalSize.String()).
		Str("exchange_size", conflict.ExchangeSize.String()).
		Msg("Position conflict detected")
	if pm.bus != nil {
		pm.bus.Publish(events.New(events.EventErrorOccurred, events.PriorityOrderCancelled,
			"PositionMonitor", conflict))
	}
}
