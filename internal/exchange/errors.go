package exchange

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError indicates bad input (invalid order, bad symbol, malformed
// request). Never retried; surfaced to the caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// InsufficientFundsError indicates the account cannot cover the order.
type InsufficientFundsError struct {
	Message string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: %s", e.Message)
}

// OrderNotFoundError is returned by cancel/fetch paths for unknown orders.
type OrderNotFoundError struct {
	OrderID string
	Symbol  string
}

func (e *OrderNotFoundError) Error() string {
	return fmt.Sprintf("order %s not found for %s", e.OrderID, e.Symbol)
}

// NetworkError wraps a transient transport failure. Retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ExchangeError is a generic broker-side rejection. The message is inspected
// for the time-sync heuristic; everything else is non-retryable by default.
type ExchangeError struct {
	Code    int
	Message string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Message)
}

// InternalInvariantError indicates a bug (e.g. a sweep recorded against a
// level that does not exist). Logged; the component keeps running.
type InternalInvariantError struct {
	Message string
}

func (e *InternalInvariantError) Error() string {
	return fmt.Sprintf("internal invariant violated: %s", e.Message)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsInsufficientFunds reports whether err is an insufficient-funds rejection.
func IsInsufficientFunds(err error) bool {
	var target *InsufficientFundsError
	return errors.As(err, &target)
}

// IsOrderNotFound reports whether err is an unknown-order error.
func IsOrderNotFound(err error) bool {
	var target *OrderNotFoundError
	return errors.As(err, &target)
}

// IsNetworkError reports whether err is a transient transport failure.
func IsNetworkError(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}

// IsExchangeError reports whether err is a generic broker error.
func IsExchangeError(err error) bool {
	var target *ExchangeError
	return errors.As(err, &target)
}

// IsTimestampError reports whether a broker error looks like a clock-drift
// rejection ("timestamp" / "recvwindow" in the message). Those are recovered
// by re-syncing time and retrying.
func IsTimestampError(err error) bool {
	var target *ExchangeError
	if !errors.As(err, &target) {
		return false
	}
	msg := strings.ToLower(target.Message)
	return strings.Contains(msg, "timestamp") || strings.Contains(msg, "recvwindow")
}
