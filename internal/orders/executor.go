package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"futures-structure-bot/internal/events"
	"futures-structure-bot/internal/exchange"
	"futures-structure-bot/internal/retry"
)

// ExecutorConfig tunes order submission.
type ExecutorConfig struct {
	MaxRetries     int             `json:"max_retries"`
	RetryDelays    []time.Duration `json:"retry_delays"`
	MaxHistorySize int             `json:"max_history_size"`
}

// DefaultExecutorConfig returns the standard submission policy.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxRetries:     3,
		RetryDelays:    []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second},
		MaxHistorySize: 500,
	}
}

// LatencyStats aggregates execution timing for one (symbol, type, side).
type LatencyStats struct {
	Count   int           `json:"count"`
	Total   time.Duration `json:"total"`
	Max     time.Duration `json:"max"`
	Average time.Duration `json:"average"`
}

// OrderError is the payload of order failure events.
type OrderError struct {
	Symbol    string                `json:"symbol"`
	Operation string                `json:"operation"`
	Request   exchange.OrderRequest `json:"request"`
	Message   string                `json:"message"`
}

// OrderExecutor validates and submits orders with classified retries. Broker
// clock-drift rejections trigger a time resync before the retry.
type OrderExecutor struct {
	mu      sync.Mutex
	ex      exchange.Exchange
	bus     *events.EventBus
	retrier *retry.Manager
	config  *ExecutorConfig
	logger  zerolog.Logger
	history []*exchange.OrderResponse
	latency map[string]*LatencyStats
}

// NewOrderExecutor wires the executor to an exchange and bus.
func NewOrderExecutor(ex exchange.Exchange, bus *events.EventBus, config *ExecutorConfig, logger zerolog.Logger) (*OrderExecutor, error) {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	if len(config.RetryDelays) == 0 {
		config.RetryDelays = DefaultExecutorConfig().RetryDelays
	}

	retrier, err := retry.New(retry.Config{
		MaxRetries:   config.MaxRetries,
		Strategy:     retry.StrategyCustom,
		BaseDelay:    config.RetryDelays[0],
		MaxDelay:     config.RetryDelays[len(config.RetryDelays)-1],
		CustomDelays: config.RetryDelays,
		Retryable:    []retry.Matcher{exchange.IsNetworkError},
		NonRetryable: []retry.Matcher{
			exchange.IsValidationError,
			exchange.IsInsufficientFunds,
			exchange.IsOrderNotFound,
		},
		Special: []retry.SpecialHandler{{
			Name:  "sync_time",
			Match: exchange.IsTimestampError,
			Handle: func(ctx context.Context, _ error) error {
				return ex.SyncTime(ctx)
			},
		}},
		LogAttempts: true,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &OrderExecutor{
		ex:      ex,
		bus:     bus,
		retrier: retrier,
		config:  config,
		logger:  logger.With().Str("component", "OrderExecutor").Logger(),
		latency: make(map[string]*LatencyStats),
	}, nil
}

// ExecuteOrder validates and submits one order. Successful submissions emit
// ORDER_PLACED, plus ORDER_FILLED when the response is already filled.
// Non-retryable failures emit ORDER_CANCELLED; exhausted retries emit
// EXCHANGE_ERROR. The error is returned in both failure cases.
func (oe *OrderExecutor) ExecuteOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResponse, error) {
	if err := ValidateRequest(req); err != nil {
		oe.emitFailure(req, "create_order", err)
		return nil, err
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = newClientOrderID()
	}

	start := time.Now()
	var resp *exchange.OrderResponse
	err := oe.retrier.Execute(ctx, "create_order", func(ctx context.Context) error {
		var opErr error
		resp, opErr = oe.ex.CreateOrder(ctx, req)
		return opErr
	})
	oe.recordLatency(req, time.Since(start))

	if err != nil {
		oe.logger.Error().Err(err).
			Str("symbol", req.Symbol).
			Str("type", string(req.Type)).
			Str("side", string(req.Side)).
			Msg("Order submission failed")
		oe.emitFailure(req, "create_order", err)
		return nil, err
	}

	oe.appendHistory(resp)

	oe.logger.Info().
		Str("symbol", resp.Symbol).
		Str("order_id", resp.ID).
		Str("type", string(req.Type)).
		Str("side", string(req.Side)).
		Msg("Order placed")

	if oe.bus != nil {
		oe.bus.Publish(events.New(events.EventOrderPlaced, events.PriorityOrderPlaced,
			"OrderExecutor", resp))
		if resp.IsFilled() {
			oe.bus.Publish(events.New(events.EventOrderFilled, events.PriorityOrderFilled,
				"OrderExecutor", resp))
		}
	}
	return resp, nil
}

// CancelOrder cancels an order under the same retry policy and emits
// ORDER_CANCELLED on success.
func (oe *OrderExecutor) CancelOrder(ctx context.Context, orderID, symbol string) error {
	err := oe.retrier.Execute(ctx, "cancel_order", func(ctx context.Context) error {
		return oe.ex.CancelOrder(ctx, orderID, symbol)
	})
	if err != nil {
		oe.emitFailure(exchange.OrderRequest{Symbol: symbol}, "cancel_order", err)
		return err
	}

	if oe.bus != nil {
		oe.bus.Publish(events.New(events.EventOrderCancelled, events.PriorityOrderCancelled,
			"OrderExecutor", map[string]string{"order_id": orderID, "symbol": symbol}))
	}
	return nil
}

// emitFailure routes a failed operation to the right event: exhausted
// transient errors surface as EXCHANGE_ERROR, everything else as
// ORDER_CANCELLED.
func (oe *OrderExecutor) emitFailure(req exchange.OrderRequest, operation string, err error) {
	if oe.bus == nil {
		return
	}
	payload := OrderError{
		Symbol:    req.Symbol,
		Operation: operation,
		Request:   req,
		Message:   err.Error(),
	}
	if exchange.IsNetworkError(err) {
		oe.bus.Publish(events.New(events.EventExchangeError, events.PriorityOrderFilled,
			"OrderExecutor", payload))
		return
	}
	oe.bus.Publish(events.New(events.EventOrderCancelled, events.PriorityOrderCancelled,
		"OrderExecutor", payload))
}

// ValidateRequest enforces the submission preconditions.
func ValidateRequest(req exchange.OrderRequest) error {
	if req.Symbol == "" {
		return &exchange.ValidationError{Field: "symbol", Reason: "required"}
	}
	if !req.Quantity.IsPositive() {
		return &exchange.ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	switch req.Type {
	case exchange.OrderTypeMarket:
	case exchange.OrderTypeLimit:
		if !req.Price.IsPositive() {
			return &exchange.ValidationError{Field: "price", Reason: "required for LIMIT orders"}
		}
	case exchange.OrderTypeStopLoss, exchange.OrderTypeTakeProfit:
		if !req.StopPrice.IsPositive() {
			return &exchange.ValidationError{Field: "stop_price", Reason: fmt.Sprintf("required for %s orders", req.Type)}
		}
	default:
		return &exchange.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown order type %q", req.Type)}
	}

	switch req.TimeInForce {
	case "", exchange.TimeInForceGTC, exchange.TimeInForceIOC, exchange.TimeInForceFOK:
	default:
		return &exchange.ValidationError{Field: "time_in_force", Reason: fmt.Sprintf("unsupported value %q", req.TimeInForce)}
	}
	if req.PostOnly && req.TimeInForce != "" && req.TimeInForce != exchange.TimeInForceGTC {
		return &exchange.ValidationError{Field: "post_only", Reason: "post-only orders require GTC"}
	}

	switch req.PositionSide {
	case "", exchange.PositionSideLong, exchange.PositionSideShort:
	default:
		return &exchange.ValidationError{Field: "position_side", Reason: fmt.Sprintf("unsupported value %q", req.PositionSide)}
	}
	return nil
}

func newClientOrderID() string {
	return "fsb-" + uuid.NewString()
}

func latencyKey(req exchange.OrderRequest) string {
	return req.Symbol + ":" + string(req.Type) + ":" + string(req.Side)
}

func (oe *OrderExecutor) recordLatency(req exchange.OrderRequest, elapsed time.Duration) {
	oe.mu.Lock()
	defer oe.mu.Unlock()

	key := latencyKey(req)
	stats, ok := oe.latency[key]
	if !ok {
		stats = &LatencyStats{}
		oe.latency[key] = stats
	}
	stats.Count++
	stats.Total += elapsed
	if elapsed > stats.Max {
		stats.Max = elapsed
	}
	stats.Average = stats.Total / time.Duration(stats.Count)
}

func (oe *OrderExecutor) appendHistory(resp *exchange.OrderResponse) {
	oe.mu.Lock()
	defer oe.mu.Unlock()

	oe.history = append(oe.history, resp)
	if len(oe.history) > oe.config.MaxHistorySize {
		oe.history = oe.history[len(oe.history)-oe.config.MaxHistorySize:]
	}
}

// History returns a copy of the recorded responses, oldest first.
func (oe *OrderExecutor) History() []*exchange.OrderResponse {
	oe.mu.Lock()
	defer oe.mu.Unlock()
	out := make([]*exchange.OrderResponse, len(oe.history))
	copy(out, oe.history)
	return out
}

// Latency returns a copy of the per-(symbol, type, side) latency stats.
func (oe *OrderExecutor) Latency() map[string]LatencyStats {
	oe.mu.Lock()
	defer oe.mu.Unlock()
	out := make(map[string]LatencyStats, len(oe.latency))
	for k, v := range oe.latency {
		out[k] = *v
	}
	return out
}

// RetryStatistics exposes the underlying retry history aggregate.
func (oe *OrderExecutor) RetryStatistics() retry.Stats {
	return oe.retrier.Statistics()
}
