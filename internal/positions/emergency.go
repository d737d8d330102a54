package positions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-structure-bot/internal/events"
	"futures-structure-bot/internal/exchange"
)

// SystemState is the global trading state.
type SystemState string

const (
	StateNormal      SystemState = "NORMAL"
	StateLiquidating SystemState = "LIQUIDATING"
	StatePaused      SystemState = "PAUSED"
)

// OrderSubmitter is the slice of the order executor the emergency manager
// needs.
type OrderSubmitter interface {
	ExecuteOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResponse, error)
}

// LiquidationDetail records the outcome for one position.
type LiquidationDetail struct {
	Symbol  string `json:"symbol"`
	OrderID string `json:"order_id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// LiquidationResult summarizes one emergency_liquidate_all run.
type LiquidationResult struct {
	Total      int                 `json:"total"`
	Successful int                 `json:"successful"`
	Failed     int                 `json:"failed"`
	Details    []LiquidationDetail `json:"details"`
}

// EmergencyEvent is the payload of SYSTEM_STOP events.
type EmergencyEvent struct {
	Phase  string             `json:"phase"` // started, completed
	Reason string             `json:"reason"`
	Result *LiquidationResult `json:"result,omitempty"`
}

// EmergencyManager flattens every open position with market reduce-only
// orders. NORMAL -> LIQUIDATING -> PAUSED; resume() returns to NORMAL.
// The orders_blocked flag gates external submitters independently.
type EmergencyManager struct {
	manager  *Manager
	executor OrderSubmitter
	bus      *events.EventBus
	logger   zerolog.Logger

	mu            sync.Mutex
	state         SystemState
	ordersBlocked bool
	lastReason    string
	lastRun       time.Time
}

// NewEmergencyManager creates the manager in NORMAL state.
func NewEmergencyManager(manager *Manager, executor OrderSubmitter, bus *events.EventBus, logger zerolog.Logger) *EmergencyManager {
	return &EmergencyManager{
		manager:  manager,
		executor: executor,
		bus:      bus,
		logger:   logger.With().Str("component", "EmergencyManager").Logger(),
		state:    StateNormal,
	}
}

// State returns the current global state.
func (em *EmergencyManager) State() SystemState {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.state
}

// OrdersBlocked reports whether new order submission is gated off.
func (em *EmergencyManager) OrdersBlocked() bool {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.ordersBlocked
}

// SetOrdersBlocked toggles the submission gate without changing state.
func (em *EmergencyManager) SetOrdersBlocked(blocked bool) {
	em.mu.Lock()
	em.ordersBlocked = blocked
	em.mu.Unlock()
	em.logger.Warn().Bool("blocked", blocked).Msg("Order submission gate changed")
}

// Resume returns from PAUSED to NORMAL and unblocks orders.
func (em *EmergencyManager) Resume() error {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.state != StatePaused {
		return fmt.Errorf("cannot resume from %s", em.state)
	}
	em.state = StateNormal
	em.ordersBlocked = false
	em.logger.Info().Msg("Resumed normal operation")
	return nil
}

// LiquidateAll closes every open position at market. Positions whose closing
// order does not fill stay open and are reported as failures. The system
// ends PAUSED regardless of the outcome.
func (em *EmergencyManager) LiquidateAll(ctx context.Context, reason string) (*LiquidationResult, error) {
	em.mu.Lock()
	if em.state == StateLiquidating {
		em.mu.Unlock()
		return nil, fmt.Errorf("liquidation already in progress")
	}
	em.state = StateLiquidating
	em.ordersBlocked = true
	em.lastReason = reason
	em.lastRun = time.Now()
	em.mu.Unlock()

	em.logger.Error().Str("reason", reason).Msg("EMERGENCY LIQUIDATION STARTED")
	em.publish(EmergencyEvent{Phase: "started", Reason: reason})

	open := em.manager.OpenPositions()
	result := &LiquidationResult{Total: len(open)}

	for _, position := range open {
		detail := em.liquidate(ctx, position, reason)
		result.Details = append(result.Details, detail)
		if detail.Success {
			result.Successful++
		} else {
			result.Failed++
		}
	}

	em.mu.Lock()
	em.state = StatePaused
	em.mu.Unlock()

	em.logger.Warn().
		Int("total", result.Total).
		Int("successful", result.Successful).
		Int("failed", result.Failed).
		Msg("Emergency liquidation finished, system paused")
	em.publish(EmergencyEvent{Phase: "completed", Reason: reason, Result: result})

	return result, nil
}

// liquidate submits one closing order and closes the position if it filled.
func (em *EmergencyManager) liquidate(ctx context.Context, position *Position, reason string) LiquidationDetail {
	detail := LiquidationDetail{Symbol: position.Symbol}

	side := exchange.SideSell
	positionSide := exchange.PositionSideLong
	if position.Side == SideShort {
		side = exchange.SideBuy
		positionSide = exchange.PositionSideShort
	}

	resp, err := em.executor.ExecuteOrder(ctx, exchange.OrderRequest{
		Symbol:       position.Symbol,
		Type:         exchange.OrderTypeMarket,
		Side:         side,
		Quantity:     position.Size,
		PositionSide: positionSide,
		ReduceOnly:   true,
	})
	if err != nil {
		detail.Error = err.Error()
		em.logger.Error().Err(err).Str("symbol", position.Symbol).Msg("Liquidation order failed")
		return detail
	}
	detail.OrderID = resp.ID

	if !resp.IsFilled() {
		detail.Error = fmt.Sprintf("order %s not filled, status %s", resp.ID, resp.Status)
		em.logger.Error().
			Str("symbol", position.Symbol).
			Str("status", resp.Status).
			Msg("Liquidation order did not fill, position stays open")
		return detail
	}

	exitPrice := firstPositive(resp.Average, resp.Price, position.CurrentPrice, position.EntryPrice)
	if _, err := em.manager.ClosePosition(ctx, position.Symbol, exitPrice,
		fmt.Sprintf("Emergency liquidation: %s", reason), decimal.Zero); err != nil {
		detail.Error = err.Error()
		return detail
	}
	detail.Success = true
	return detail
}

func firstPositive(prices ...decimal.Decimal) decimal.Decimal {
	for _, price := range prices {
		if price.IsPositive() {
			return price
		}
	}
	return decimal.Zero
}

func (em *EmergencyManager) publish(payload EmergencyEvent) {
	if em.bus == nil {
		return
	}
	em.bus.Publish(events.New(events.EventSystemStop, events.PriorityEmergency,
		"EmergencyManager", payload))
}
