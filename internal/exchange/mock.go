package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MockExchange implements the Exchange interface for tests and dry-run mode.
// Behavior is scripted per method: queued errors are consumed first, then the
// default path runs. Market orders fill immediately unless FillMarketOrders
// is disabled.
type MockExchange struct {
	mu sync.RWMutex

	balances    []Balance
	positions   []Position
	openOrders  []OrderResponse
	nextOrderID int64

	// FillMarketOrders controls whether market orders report as closed with
	// a full fill. Defaults to true.
	FillMarketOrders bool

	// errQueues holds scripted errors per method name, consumed FIFO.
	errQueues map[string][]error

	// Recorded activity for assertions.
	CreatedOrders  []OrderRequest
	CancelledIDs   []string
	SyncTimeCalls  int
	FetchBalCalls  int
	FetchOrdCalls  int
	FetchPosCalls  int
}

// NewMockExchange creates a mock with immediate market-order fills.
func NewMockExchange() *MockExchange {
	return &MockExchange{
		nextOrderID:      1000,
		FillMarketOrders: true,
		errQueues:        make(map[string][]error),
	}
}

// FailNext queues an error for the named method ("CreateOrder",
// "FetchBalance", ...). Each queued error is consumed by one call.
func (m *MockExchange) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errQueues[method] = append(m.errQueues[method], err)
}

// SetBalances replaces the scripted balances.
func (m *MockExchange) SetBalances(balances []Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = balances
}

// SetPositions replaces the scripted exchange positions.
func (m *MockExchange) SetPositions(positions []Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}

// SetOpenOrders replaces the scripted open orders.
func (m *MockExchange) SetOpenOrders(orders []OrderResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrders = orders
}

// BalanceCalls returns the FetchBalance call count, safe to read while other
// goroutines drive the mock.
func (m *MockExchange) BalanceCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.FetchBalCalls
}

func (m *MockExchange) popError(method string) error {
	queue := m.errQueues[method]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	m.errQueues[method] = queue[1:]
	return err
}

func (m *MockExchange) FetchBalance(ctx context.Context) ([]Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchBalCalls++
	if err := m.popError("FetchBalance"); err != nil {
		return nil, err
	}
	out := make([]Balance, len(m.balances))
	copy(out, m.balances)
	return out, nil
}

func (m *MockExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchOrdCalls++
	if err := m.popError("FetchOpenOrders"); err != nil {
		return nil, err
	}
	out := make([]OrderResponse, 0, len(m.openOrders))
	for _, o := range m.openOrders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MockExchange) FetchPositions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchPosCalls++
	if err := m.popError("FetchPositions"); err != nil {
		return nil, err
	}
	out := make([]Position, len(m.positions))
	copy(out, m.positions)
	return out, nil
}

func (m *MockExchange) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.popError("CreateOrder"); err != nil {
		return nil, err
	}

	m.nextOrderID++
	m.CreatedOrders = append(m.CreatedOrders, req)

	resp := &OrderResponse{
		ID:            fmt.Sprintf("%d", m.nextOrderID),
		ClientOrderID: req.ClientOrderID,
		Status:        ExchangeStatusOpen,
		Symbol:        req.Symbol,
		Type:          req.Type,
		Side:          req.Side,
		Price:         req.Price,
		Amount:        req.Quantity,
		Remaining:     req.Quantity,
		Timestamp:     time.Now().UnixMilli(),
	}

	if req.Type == OrderTypeMarket && m.FillMarketOrders {
		fillPrice := req.Price
		if fillPrice.IsZero() {
			fillPrice = decimal.NewFromInt(100)
		}
		resp.Status = ExchangeStatusClosed
		resp.Filled = req.Quantity
		resp.Remaining = decimal.Zero
		resp.Average = fillPrice
	} else {
		m.openOrders = append(m.openOrders, *resp)
	}

	return resp, nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, orderID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.popError("CancelOrder"); err != nil {
		return err
	}

	for i, o := range m.openOrders {
		if o.ID == orderID {
			m.openOrders = append(m.openOrders[:i], m.openOrders[i+1:]...)
			m.CancelledIDs = append(m.CancelledIDs, orderID)
			return nil
		}
	}
	return &OrderNotFoundError{OrderID: orderID, Symbol: symbol}
}

func (m *MockExchange) FetchOrder(ctx context.Context, orderID, symbol string) (*OrderResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.openOrders {
		if o.ID == orderID {
			found := o
			return &found, nil
		}
	}
	return nil, &OrderNotFoundError{OrderID: orderID, Symbol: symbol}
}

func (m *MockExchange) SyncTime(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SyncTimeCalls++
	return m.popError("SyncTime")
}

// Compile-time interface check.
var _ Exchange = (*MockExchange)(nil)
