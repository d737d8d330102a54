// Package storage persists position lifecycles. PostgreSQL is the durable
// store, an in-memory repository backs tests and dry-run mode, and Redis
// holds restart-survivable position snapshots.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionRecord mirrors the position model for persistence.
type PositionRecord struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Strategy      string          `json:"strategy"`
	Side          string          `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	ExitPrice     decimal.Decimal `json:"exit_price"`
	Leverage      int             `json:"leverage"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	TotalFees     decimal.Decimal `json:"total_fees"`
	StopLoss      decimal.Decimal `json:"stop_loss"`
	TakeProfit    decimal.Decimal `json:"take_profit"`
	Status        string          `json:"status"`
	CloseReason   string          `json:"close_reason,omitempty"`
	OpenedTs      time.Time       `json:"opened_ts"`
	ClosedTs      *time.Time      `json:"closed_ts,omitempty"`
}

// PositionRepository is the persistence contract for position lifecycles.
// Each call is one transactional commit; callers persist before emitting
// events so the store never lags the in-memory state on success.
type PositionRepository interface {
	SavePosition(ctx context.Context, record *PositionRecord) error
	UpdatePosition(ctx context.Context, record *PositionRecord) error
	GetPosition(ctx context.Context, id string) (*PositionRecord, error)
	ListOpenPositions(ctx context.Context) ([]*PositionRecord, error)
	ListClosedPositions(ctx context.Context, limit int) ([]*PositionRecord, error)
}

// ErrPositionNotFound is returned by lookups for unknown position IDs.
type ErrPositionNotFound struct {
	ID string
}

func (e *ErrPositionNotFound) Error() string {
	return fmt.Sprintf("position %s not found", e.ID)
}
