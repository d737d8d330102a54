package exchange

import "context"

// Exchange is the injected broker capability. The core never talks to an SDK
// directly; everything goes through this interface so tests can substitute
// the mock client.
type Exchange interface {
	// ==================== ACCOUNT ====================

	// FetchBalance retrieves per-asset account balances.
	FetchBalance(ctx context.Context) ([]Balance, error)

	// FetchOpenOrders retrieves open orders, optionally filtered by symbol
	// (empty string for all symbols).
	FetchOpenOrders(ctx context.Context, symbol string) ([]OrderResponse, error)

	// FetchPositions retrieves all open positions.
	FetchPositions(ctx context.Context) ([]Position, error)

	// ==================== TRADING ====================

	// CreateOrder submits a new order.
	CreateOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)

	// CancelOrder cancels an existing order.
	CancelOrder(ctx context.Context, orderID, symbol string) error

	// FetchOrder retrieves a specific order.
	FetchOrder(ctx context.Context, orderID, symbol string) (*OrderResponse, error)

	// ==================== TIME ====================

	// SyncTime re-synchronizes the local clock offset with the exchange.
	// Called by the retry layer when a timestamp/recvWindow rejection occurs.
	SyncTime(ctx context.Context) error
}
