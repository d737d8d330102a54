// Package positions owns the position lifecycle: open, PnL updates, close,
// reconciliation against the exchange, and emergency liquidation.
package positions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-structure-bot/internal/events"
	"futures-structure-bot/internal/storage"
)

// Side is the position direction.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Status is the position lifecycle state.
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusUpdated Status = "UPDATED"
	StatusClosed  Status = "CLOSED"
)

// Position is one tracked futures position.
type Position struct {
	ID               string          `json:"id"`
	Symbol           string          `json:"symbol"`
	Strategy         string          `json:"strategy"`
	Side             Side            `json:"side"`
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	ExitPrice        decimal.Decimal `json:"exit_price"`
	Leverage         int             `json:"leverage"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPct decimal.Decimal `json:"unrealized_pnl_pct"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	TotalFees        decimal.Decimal `json:"total_fees"`
	StopLoss         decimal.Decimal `json:"stop_loss"`
	TakeProfit       decimal.Decimal `json:"take_profit"`
	Status           Status          `json:"status"`
	CloseReason      string          `json:"close_reason,omitempty"`
	OpenedTs         time.Time       `json:"opened_ts"`
	ClosedTs         *time.Time      `json:"closed_ts,omitempty"`
}

// PnL returns the absolute unrealized profit at the given price.
func (p *Position) PnL(price decimal.Decimal) decimal.Decimal {
	if p.Side == SideLong {
		return price.Sub(p.EntryPrice).Mul(p.Size)
	}
	return p.EntryPrice.Sub(price).Mul(p.Size)
}

// OpenRequest carries the parameters of a new position.
type OpenRequest struct {
	Symbol     string          `json:"symbol"`
	Strategy   string          `json:"strategy"`
	Side       Side            `json:"side"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Leverage   int             `json:"leverage"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
}

// ManagerConfig tunes the position manager.
type ManagerConfig struct {
	MaxHistorySize int `json:"max_history_size"`
	// PriceChangeEpsilon is the relative price move below which updates
	// are applied silently, without a POSITION_UPDATED event.
	PriceChangeEpsilon float64 `json:"price_change_epsilon"`
}

// DefaultManagerConfig returns safe defaults.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		MaxHistorySize:     200,
		PriceChangeEpsilon: 0.001,
	}
}

// Manager enforces at most one OPEN position per symbol. The database is
// committed before events are emitted; on database failure the in-memory
// state stays authoritative and the monitor reports drift later.
type Manager struct {
	mu        sync.Mutex
	repo      storage.PositionRepository
	snapshots *storage.RedisStateStore
	bus       *events.EventBus
	config    *ManagerConfig
	logger    zerolog.Logger
	open      map[string]*Position
	history   []*Position
}

// NewManager creates a position manager. The snapshot store is optional.
func NewManager(repo storage.PositionRepository, snapshots *storage.RedisStateStore, bus *events.EventBus, config *ManagerConfig, logger zerolog.Logger) *Manager {
	if config == nil {
		config = DefaultManagerConfig()
	}
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = 200
	}
	if config.PriceChangeEpsilon <= 0 {
		config.PriceChangeEpsilon = 0.001
	}
	return &Manager{
		repo:      repo,
		snapshots: snapshots,
		bus:       bus,
		config:    config,
		logger:    logger.With().Str("component", "PositionManager").Logger(),
		open:      make(map[string]*Position),
	}
}

// OpenPosition opens a new position. Duplicate OPEN positions per symbol are
// rejected.
func (m *Manager) OpenPosition(ctx context.Context, req OpenRequest) (*Position, error) {
	if req.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if !req.Size.IsPositive() {
		return nil, fmt.Errorf("size must be positive, got %s", req.Size)
	}
	if !req.EntryPrice.IsPositive() {
		return nil, fmt.Errorf("entry price must be positive, got %s", req.EntryPrice)
	}
	if req.Side != SideLong && req.Side != SideShort {
		return nil, fmt.Errorf("invalid side %q", req.Side)
	}
	if req.Leverage < 1 {
		req.Leverage = 1
	}

	m.mu.Lock()
	if existing, ok := m.open[req.Symbol]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("position %s already open for %s", existing.ID, req.Symbol)
	}

	position := &Position{
		ID:         uuid.NewString(),
		Symbol:     req.Symbol,
		Strategy:   req.Strategy,
		Side:       req.Side,
		Size:       req.Size,
		EntryPrice: req.EntryPrice,
		Leverage:   req.Leverage,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Status:     StatusOpen,
		OpenedTs:   time.Now(),
	}
	m.open[req.Symbol] = position
	snapshot := *position
	m.mu.Unlock()

	m.persist(ctx, &snapshot, true)
	m.saveSnapshot(ctx, &snapshot)

	m.logger.Info().
		Str("symbol", position.Symbol).
		Str("side", string(position.Side)).
		Str("size", position.Size.String()).
		Str("entry", position.EntryPrice.String()).
		Msg("Position opened")

	if m.bus != nil {
		m.bus.Publish(events.New(events.EventPositionOpened, events.PriorityPositionOpened,
			"PositionManager", snapshot))
	}
	return &snapshot, nil
}

// UpdatePosition recomputes unrealized PnL at the given mark price and
// optionally adjusts size. POSITION_UPDATED fires only for size changes or
// price moves beyond the epsilon.
func (m *Manager) UpdatePosition(ctx context.Context, symbol string, currentPrice decimal.Decimal, sizeChange decimal.Decimal) (*Position, error) {
	if !currentPrice.IsPositive() {
		return nil, fmt.Errorf("current price must be positive, got %s", currentPrice)
	}

	m.mu.Lock()
	position, ok := m.open[symbol]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("no open position for %s", symbol)
	}

	sizeChanged := !sizeChange.IsZero()
	if sizeChanged {
		newSize := position.Size.Add(sizeChange)
		if !newSize.IsPositive() {
			m.mu.Unlock()
			return nil, fmt.Errorf("size change %s would leave non-positive size", sizeChange)
		}
		position.Size = newSize
	}

	prevPrice := position.CurrentPrice
	if prevPrice.IsZero() {
		prevPrice = position.EntryPrice
	}
	position.CurrentPrice = currentPrice
	position.UnrealizedPnL = position.PnL(currentPrice)
	position.UnrealizedPnLPct = pnlPercent(position)
	position.Status = StatusUpdated

	relMove, _ := currentPrice.Sub(prevPrice).Div(prevPrice).Abs().Float64()
	notify := sizeChanged || relMove > m.config.PriceChangeEpsilon
	snapshot := *position
	m.mu.Unlock()

	m.persist(ctx, &snapshot, false)
	m.saveSnapshot(ctx, &snapshot)

	if notify && m.bus != nil {
		m.bus.Publish(events.New(events.EventPositionUpdated, events.PriorityRoutineUpdate,
			"PositionManager", snapshot))
	}
	return &snapshot, nil
}

// UpdateAllPositions applies mark prices in batch and returns the number of
// positions updated.
func (m *Manager) UpdateAllPositions(ctx context.Context, prices map[string]decimal.Decimal) int {
	updated := 0
	for symbol, price := range prices {
		if _, err := m.UpdatePosition(ctx, symbol, price, decimal.Zero); err == nil {
			updated++
		}
	}
	return updated
}

// ClosePosition realizes PnL at the exit price, persists, emits
// POSITION_CLOSED, and moves the position to history.
func (m *Manager) ClosePosition(ctx context.Context, symbol string, exitPrice decimal.Decimal, reason string, fees decimal.Decimal) (*Position, error) {
	if !exitPrice.IsPositive() {
		return nil, fmt.Errorf("exit price must be positive, got %s", exitPrice)
	}
	if fees.IsNegative() {
		return nil, fmt.Errorf("fees cannot be negative, got %s", fees)
	}

	m.mu.Lock()
	position, ok := m.open[symbol]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("no open position for %s", symbol)
	}

	now := time.Now()
	position.RealizedPnL = position.PnL(exitPrice).Sub(fees)
	position.UnrealizedPnL = decimal.Zero
	position.UnrealizedPnLPct = decimal.Zero
	position.TotalFees = position.TotalFees.Add(fees)
	position.ExitPrice = exitPrice
	position.Status = StatusClosed
	position.CloseReason = reason
	position.ClosedTs = &now

	delete(m.open, symbol)
	m.history = append([]*Position{position}, m.history...)
	if len(m.history) > m.config.MaxHistorySize {
		m.history = m.history[:m.config.MaxHistorySize]
	}
	snapshot := *position
	m.mu.Unlock()

	// Commit before emitting so consumers never observe an unpersisted close.
	m.persist(ctx, &snapshot, false)
	m.deleteSnapshot(ctx, symbol)

	m.logger.Info().
		Str("symbol", symbol).
		Str("exit", exitPrice.String()).
		Str("realized_pnl", snapshot.RealizedPnL.String()).
		Str("reason", reason).
		Msg("Position closed")

	if m.bus != nil {
		m.bus.Publish(events.New(events.EventPositionClosed, events.PriorityPositionClosed,
			"PositionManager", snapshot))
	}
	return &snapshot, nil
}

// GetPosition returns a copy of the open position for the symbol.
func (m *Manager) GetPosition(symbol string) (*Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	position, ok := m.open[symbol]
	if !ok {
		return nil, false
	}
	snapshot := *position
	return &snapshot, true
}

// OpenPositions returns copies of every open position.
func (m *Manager) OpenPositions() []*Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Position, 0, len(m.open))
	for _, position := range m.open {
		snapshot := *position
		out = append(out, &snapshot)
	}
	return out
}

// OpenSymbols returns the symbols with an open position.
func (m *Manager) OpenSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.open))
	for symbol := range m.open {
		out = append(out, symbol)
	}
	return out
}

// History returns closed positions, newest first.
func (m *Manager) History() []*Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Position, len(m.history))
	copy(out, m.history)
	return out
}

// pnlPercent returns 100 * pnl / (entry * size / leverage).
func pnlPercent(p *Position) decimal.Decimal {
	value := p.EntryPrice.Mul(p.Size).Div(decimal.NewFromInt(int64(p.Leverage)))
	if value.IsZero() {
		return decimal.Zero
	}
	return p.UnrealizedPnL.Mul(decimal.NewFromInt(100)).Div(value)
}

// persist commits to the repository; failures are logged and the in-memory
// state remains the source of truth.
func (m *Manager) persist(ctx context.Context, position *Position, create bool) {
	if m.repo == nil {
		return
	}
	record := toRecord(position)
	var err error
	if create {
		err = m.repo.SavePosition(ctx, record)
	} else {
		err = m.repo.UpdatePosition(ctx, record)
	}
	if err != nil {
		m.logger.Warn().Err(err).
			Str("symbol", position.Symbol).
			Str("position_id", position.ID).
			Msg("Position persistence failed, in-memory state stays authoritative")
	}
}

func (m *Manager) saveSnapshot(ctx context.Context, position *Position) {
	if m.snapshots == nil {
		return
	}
	_ = m.snapshots.SaveSnapshot(ctx, &storage.PositionSnapshot{
		ID:           position.ID,
		Symbol:       position.Symbol,
		Strategy:     position.Strategy,
		Side:         string(position.Side),
		Size:         position.Size.String(),
		EntryPrice:   position.EntryPrice.String(),
		CurrentPrice: position.CurrentPrice.String(),
		Leverage:     position.Leverage,
		StopLoss:     position.StopLoss.String(),
		TakeProfit:   position.TakeProfit.String(),
	})
}

func (m *Manager) deleteSnapshot(ctx context.Context, symbol string) {
	if m.snapshots == nil {
		return
	}
	m.snapshots.DeleteSnapshot(ctx, symbol)
}

func toRecord(p *Position) *storage.PositionRecord {
	return &storage.PositionRecord{
		ID:            p.ID,
		Symbol:        p.Symbol,
		Strategy:      p.Strategy,
		Side:          string(p.Side),
		Size:          p.Size,
		EntryPrice:    p.EntryPrice,
		CurrentPrice:  p.CurrentPrice,
		ExitPrice:     p.ExitPrice,
		Leverage:      p.Leverage,
		UnrealizedPnL: p.UnrealizedPnL,
		RealizedPnL:   p.RealizedPnL,
		TotalFees:     p.TotalFees,
		StopLoss:      p.StopLoss,
		TakeProfit:    p.TakeProfit,
		Status:        string(p.Status),
		CloseReason:   p.CloseReason,
		OpenedTs:      p.OpenedTs,
		ClosedTs:      p.ClosedTs,
	}
}
