// Package bot assembles the full trading system: one root owns every
// component handle and controls the start/stop order.
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"futures-structure-bot/config"
	"futures-structure-bot/internal/events"
	"futures-structure-bot/internal/exchange"
	"futures-structure-bot/internal/market"
	"futures-structure-bot/internal/orders"
	"futures-structure-bot/internal/permissions"
	"futures-structure-bot/internal/positions"
	"futures-structure-bot/internal/risk"
	"futures-structure-bot/internal/storage"
	"futures-structure-bot/internal/structure"
)

// System is the composition root. Components never reach for globals; every
// dependency is an owned handle wired here.
type System struct {
	config *config.Config
	logger zerolog.Logger

	bus         *events.EventBus
	store       *market.CandleStore
	processor   *market.RealtimeCandleProcessor
	candles     *market.CandleDataManager
	coordinator *structure.Coordinator

	ex       exchange.Exchange
	stream   *exchange.ExecutionStream
	executor *orders.OrderExecutor
	tracker  *orders.OrderTracker

	pgRepo      *storage.PostgresPositionRepository
	redisClient *redis.Client
	snapshots   *storage.RedisStateStore

	positions *positions.Manager
	monitor   *positions.Monitor
	emergency *positions.EmergencyManager
	verifier  *permissions.Verifier

	takeProfit *risk.TakeProfitCalculator
	trailing   *risk.TrailingStopManager

	mu      sync.Mutex
	running bool
}

// New wires every component from the config. Only dry-run mode has exchange
// connectivity here; live trading would plug a real client into the same
// Exchange capability.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*System, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	log := logger.With().Str("component", "System").Logger()

	s := &System{
		config: cfg,
		logger: log,
	}

	s.bus = events.NewEventBus(&events.BusConfig{
		MaxQueueSize: cfg.EventBusConfig.MaxQueueSize,
		IdleSleep:    cfg.EventBusConfig.IdleSleep,
	}, logger)

	// Candle pipeline: store, processor, orchestration layer.
	s.store = market.NewCandleStore(&market.StoreConfig{
		MaxCandles: cfg.MarketConfig.MaxCandles,
	}, logger)
	s.processor = market.NewRealtimeCandleProcessor(&market.ProcessorConfig{
		OutlierThreshold: cfg.MarketConfig.OutlierThreshold,
	}, s.store, s.bus, logger)
	s.candles = market.NewCandleDataManager(&market.ManagerConfig{
		MonitoringEnabled:  cfg.MarketConfig.MonitoringEnabled,
		MonitoringInterval: time.Duration(cfg.MarketConfig.MonitoringInterval) * time.Second,
		MemoryBudgetMB:     cfg.MarketConfig.MemoryBudgetMB,
	}, s.store, s.processor, logger)

	tfs, err := parseTimeframes(cfg.MarketConfig.Timeframes)
	if err != nil {
		return nil, err
	}
	for _, symbol := range cfg.MarketConfig.Symbols {
		s.candles.AddSymbol(symbol, tfs, false)
	}

	// Structure analysis pipeline.
	s.coordinator = structure.NewCoordinator(coordinatorConfig(cfg), s.candles, s.bus, logger)

	// Exchange boundary.
	if cfg.TradingConfig.DryRun {
		s.ex = exchange.NewMockExchange()
		log.Info().Msg("Dry-run mode: using mock exchange")
	} else {
		return nil, fmt.Errorf("live exchange connectivity is not configured; enable trading.dry_run")
	}

	// Order execution and tracking.
	s.executor, err = orders.NewOrderExecutor(s.ex, s.bus, &orders.ExecutorConfig{
		MaxRetries:     cfg.OrdersConfig.MaxRetries,
		RetryDelays:    msDurations(cfg.OrdersConfig.RetryDelaysMs),
		MaxHistorySize: cfg.OrdersConfig.MaxHistorySize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("order executor: %w", err)
	}
	s.tracker = orders.NewOrderTracker(&orders.TrackerConfig{
		MaxHistorySize: cfg.OrdersConfig.TrackerHistory,
	}, s.bus, logger)

	if url := cfg.ExchangeConfig.StreamURL; url != "" && !cfg.TradingConfig.DryRun {
		s.stream = exchange.NewExecutionStream(url, logger)
		s.stream.SetReportCallback(s.tracker.ApplyReport)
	}

	// Position persistence: Postgres when enabled, in-memory otherwise,
	// with optional Redis snapshots for warm restarts.
	var repo storage.PositionRepository
	if cfg.DatabaseConfig.Enabled {
		s.pgRepo, err = storage.NewPostgresPositionRepository(ctx, storage.PostgresConfig{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Database,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("position repository: %w", err)
		}
		repo = s.pgRepo
	} else {
		repo = storage.NewMemoryPositionRepository()
	}
	if cfg.RedisConfig.Enabled {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		s.snapshots = storage.NewRedisStateStore(s.redisClient, logger)
	}

	// Position lifecycle, reconciliation, emergency control.
	s.positions = positions.NewManager(repo, s.snapshots, s.bus, &positions.ManagerConfig{
		MaxHistorySize:     cfg.PositionsConfig.MaxHistorySize,
		PriceChangeEpsilon: cfg.PositionsConfig.PriceChangeEpsilon,
	}, logger)
	s.monitor = positions.NewMonitor(s.positions, s.ex, s.bus, &positions.MonitorConfig{
		SyncInterval:      time.Duration(cfg.PositionsConfig.SyncInterval) * time.Second,
		MismatchTolerance: cfg.PositionsConfig.MismatchTolerance,
	}, logger)
	s.emergency = positions.NewEmergencyManager(s.positions, s.executor, s.bus, logger)

	s.verifier = permissions.NewVerifier(s.ex, s.bus, &permissions.VerifierConfig{
		CacheTTL:             cfg.PermissionsConfig.CacheTTL,
		CheckInterval:        cfg.PermissionsConfig.CheckInterval,
		MaxConsecutiveErrors: cfg.PermissionsConfig.MaxConsecutiveErrors,
	}, logger)

	// Risk tooling.
	s.takeProfit, err = risk.NewTakeProfitCalculator(tpConfig(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("take-profit calculator: %w", err)
	}
	s.trailing = risk.NewTrailingStopManager(&risk.TrailingConfig{
		TrailingPct:   cfg.RiskConfig.TrailingPct,
		ActivationPct: cfg.RiskConfig.TrailingActivationPct,
	}, logger)

	// Event wiring: raw ticks into the processor, closed candles into the
	// analysis pipeline.
	s.bus.Subscribe(events.EventCandleReceived, s.processor)
	s.bus.Subscribe(events.EventCandleClosed, s.coordinator)

	return s, nil
}

func parseTimeframes(raw []string) ([]market.Timeframe, error) {
	out := make([]market.Timeframe, 0, len(raw))
	for _, r := range raw {
		tf, err := market.ParseTimeframe(r)
		if err != nil {
			return nil, fmt.Errorf("market.timeframes: %w", err)
		}
		out = append(out, tf)
	}
	return out, nil
}

func msDurations(ms []int) []time.Duration {
	out := make([]time.Duration, 0, len(ms))
	for _, m := range ms {
		out = append(out, time.Duration(m)*time.Millisecond)
	}
	return out
}

// coordinatorConfig builds the pipeline config, overriding only the pip size
// on the detector defaults.
func coordinatorConfig(cfg *config.Config) *structure.CoordinatorConfig {
	out := structure.DefaultCoordinatorConfig()
	if cfg.StructureConfig.MaxWindow > 0 {
		out.MaxWindow = cfg.StructureConfig.MaxWindow
	}
	if cfg.StructureConfig.SeedLimit > 0 {
		out.SeedLimit = cfg.StructureConfig.SeedLimit
	}

	if pip := cfg.StructureConfig.PipSize; pip > 0 {
		zone := structure.DefaultZoneConfig()
		zone.PipSize = pip
		sweep := structure.DefaultSweepConfig()
		sweep.PipSize = pip
		bms := structure.DefaultBMSConfig()
		bms.PipSize = pip
		out.Zone = zone
		out.Sweep = sweep
		out.BMS = bms
	}
	return out
}

func tpConfig(cfg *config.Config) *risk.TPConfig {
	out := risk.DefaultTPConfig()
	if cfg.RiskConfig.MinRiskRewardRatio > 0 {
		out.MinRiskRewardRatio = cfg.RiskConfig.MinRiskRewardRatio
	}
	if cfg.RiskConfig.MinDistancePct > 0 {
		out.MinDistancePct = cfg.RiskConfig.MinDistancePct
	}
	if cfg.RiskConfig.MaxDistancePct > 0 {
		out.MaxDistancePct = cfg.RiskConfig.MaxDistancePct
	}
	if cfg.RiskConfig.LiquiditySnapPct > 0 {
		out.LiquiditySnapPct = cfg.RiskConfig.LiquiditySnapPct
	}
	if cfg.RiskConfig.PricePrecision > 0 {
		out.PricePrecision = int32(cfg.RiskConfig.PricePrecision)
	}
	if cfg.RiskConfig.TrailingPct > 0 {
		out.TrailingPct = cfg.RiskConfig.TrailingPct
	}
	if len(cfg.RiskConfig.Partials) > 0 {
		partials := make([]risk.PartialLevel, 0, len(cfg.RiskConfig.Partials))
		for _, p := range cfg.RiskConfig.Partials {
			partials = append(partials, risk.PartialLevel{
				RRMultiple: p.RRMultiple,
				SharePct:   p.SharePct,
			})
		}
		out.Partials = partials
	}
	return out
}

// Start brings the system up: bus first so nothing publishes into a dead
// queue, then recovery before the periodic reconciler. Idempotent.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.bus.Start()
	s.candles.Start()

	if status, err := s.verifier.Verify(ctx, false); err != nil {
		s.logger.Warn().Err(err).Msg("Initial permission check failed")
	} else if !status.Trade {
		s.logger.Warn().Msg("API key has no trade permission; orders will fail")
	}
	s.verifier.Start()

	// Adopt whatever the exchange already holds before the periodic sync
	// starts moving mark prices.
	if result, err := s.monitor.RecoverPositions(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Position recovery failed")
	} else {
		s.logger.Info().
			Int("recovered", result.Recovered).
			Int("conflicts", len(result.Conflicts)).
			Msg("Position recovery completed")
	}
	s.monitor.Start()

	if s.stream != nil {
		s.stream.Start()
	}

	s.bus.Publish(events.New(events.EventSystemStart, events.PriorityStateChange, "System", nil))
	s.logger.Info().Msg("System started")
	return nil
}

// Stop tears the system down in reverse order and releases external
// connections. Idempotent.
func (s *System) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.bus.Publish(events.New(events.EventSystemStop, events.PriorityStateChange, "System", nil))

	if s.stream != nil {
		s.stream.Stop()
	}
	s.monitor.Stop()
	s.verifier.Stop()
	s.candles.Stop()
	s.bus.Stop()

	if s.pgRepo != nil {
		s.pgRepo.Close()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Redis close failed")
		}
	}
	s.logger.Info().Msg("System stopped")
}

// IsRunning reports whether Start has been called without a matching Stop.
func (s *System) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SubmitCandle feeds one raw candle tick into the pipeline.
func (s *System) SubmitCandle(update market.CandleUpdate) bool {
	return s.bus.Publish(events.New(events.EventCandleReceived, events.PriorityCandleReceived,
		"System", update))
}

// Component accessors. Callers get the live handle, never a copy.

func (s *System) Bus() *events.EventBus                  { return s.bus }
func (s *System) Candles() *market.CandleDataManager     { return s.candles }
func (s *System) Coordinator() *structure.Coordinator    { return s.coordinator }
func (s *System) Executor() *orders.OrderExecutor        { return s.executor }
func (s *System) Tracker() *orders.OrderTracker          { return s.tracker }
func (s *System) Positions() *positions.Manager          { return s.positions }
func (s *System) Monitor() *positions.Monitor            { return s.monitor }
func (s *System) Emergency() *positions.EmergencyManager { return s.emergency }
func (s *System) Verifier() *permissions.Verifier        { return s.verifier }
func (s *System) TakeProfit() *risk.TakeProfitCalculator { return s.takeProfit }
func (s *System) Trailing() *risk.TrailingStopManager    { return s.trailing }

// Stats aggregates component statistics for operational visibility.
func (s *System) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"running":     s.IsRunning(),
		"bus":         s.bus.Stats(),
		"processor":   s.processor.Stats(),
		"store":       s.store.Stats(),
		"coordinator": s.coordinator.Stats(),
		"tracker":     s.tracker.Stats(),
		"monitor":     s.monitor.Stats(),
		"emergency":   string(s.emergency.State()),
	}
	if s.stream != nil {
		stats["stream"] = s.stream.Stats()
	}
	return stats
}
