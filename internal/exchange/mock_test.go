package exchange

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

func TestMockMarketOrderFillsImmediately(t *testing.T) {
	mock := NewMockExchange()
	ctx := context.Background()

	resp, err := mock.CreateOrder(ctx, OrderRequest{
		Symbol:   "BTCUSDT",
		Type:     OrderTypeMarket,
		Side:     SideBuy,
		Quantity: decimal.RequireFromString("0.5"),
		Price:    decimal.NewFromInt(50000),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != ExchangeStatusClosed || !resp.IsFilled() {
		t.Fatalf("market order status = %s, filled = %s", resp.Status, resp.Filled)
	}
	if !resp.Average.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("average = %s", resp.Average)
	}

	open, err := mock.FetchOpenOrders(ctx, "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Fatalf("filled market order left on the book: %d", len(open))
	}
}

func TestMockLimitOrderRestsAndCancels(t *testing.T) {
	mock := NewMockExchange()
	ctx := context.Background()

	resp, err := mock.CreateOrder(ctx, OrderRequest{
		Symbol:   "BTCUSDT",
		Type:     OrderTypeLimit,
		Side:     SideBuy,
		Quantity: decimal.RequireFromString("0.5"),
		Price:    decimal.NewFromInt(49000),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != ExchangeStatusOpen {
		t.Fatalf("limit order status = %s", resp.Status)
	}

	if err := mock.CancelOrder(ctx, resp.ID, "BTCUSDT"); err != nil {
		t.Fatal(err)
	}
	if err := mock.CancelOrder(ctx, resp.ID, "BTCUSDT"); !IsOrderNotFound(err) {
		t.Fatalf("second cancel err = %v, want OrderNotFoundError", err)
	}
}

func TestMockFailNextConsumedInOrder(t *testing.T) {
	mock := NewMockExchange()
	ctx := context.Background()

	mock.FailNext("FetchBalance", &NetworkError{Op: "fetch_balance"})
	mock.FailNext("FetchBalance", &ExchangeError{Code: -1021, Message: "timestamp outside recvWindow"})

	if _, err := mock.FetchBalance(ctx); !IsNetworkError(err) {
		t.Fatalf("first err = %v", err)
	}
	if _, err := mock.FetchBalance(ctx); !IsTimestampError(err) {
		t.Fatalf("second err = %v", err)
	}
	if _, err := mock.FetchBalance(ctx); err != nil {
		t.Fatalf("queue exhausted but err = %v", err)
	}
	if mock.BalanceCalls() != 3 {
		t.Fatalf("balance calls = %d", mock.BalanceCalls())
	}
}
