package exchange

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestHandleMessageRoutesOrderUpdates(t *testing.T) {
	stream := NewExecutionStream("ws://unused", zerolog.Nop())

	var mu sync.Mutex
	var got []*ExecutionReport
	stream.SetReportCallback(func(r *ExecutionReport) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	})

	stream.HandleMessage([]byte(`{"e":"ORDER_TRADE_UPDATE","i":12345,"c":"fsb-abc","s":"BTCUSDT","X":"PARTIALLY_FILLED","z":"0.4","Z":"20010.0","E":1640000000000}`))
	stream.HandleMessage([]byte(`{"e":"ACCOUNT_UPDATE","s":"BTCUSDT"}`))
	stream.HandleMessage([]byte(`not json`))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("reports routed = %d, want 1", len(got))
	}
	r := got[0]
	if r.OrderID.String() != "12345" || r.Symbol != "BTCUSDT" || r.Status != "PARTIALLY_FILLED" {
		t.Fatalf("report = %+v", r)
	}
	if !r.CumFilledQty.Equal(decimal.RequireFromString("0.4")) {
		t.Fatalf("cum filled = %s", r.CumFilledQty)
	}
}

func TestAveragePrice(t *testing.T) {
	r := &ExecutionReport{
		CumFilledQty:  decimal.RequireFromString("0.4"),
		CumQuoteValue: decimal.RequireFromString("20010.0"),
	}
	if want := decimal.RequireFromString("50025"); !r.AveragePrice().Equal(want) {
		t.Fatalf("average = %s, want %s", r.AveragePrice(), want)
	}

	empty := &ExecutionReport{}
	if !empty.AveragePrice().IsZero() {
		t.Fatalf("average with no fills = %s, want 0", empty.AveragePrice())
	}
}

func TestHandleMessageCountsReports(t *testing.T) {
	stream := NewExecutionStream("ws://unused", zerolog.Nop())

	stream.HandleMessage([]byte(`{"e":"executionReport","i":1,"s":"ETHUSDT","X":"NEW"}`))
	stream.HandleMessage([]byte(`{"e":"executionReport","i":2,"s":"ETHUSDT","X":"FILLED","z":"1","Z":"3000"}`))

	stats := stream.Stats()
	if handled := stats["reports_handled"].(uint64); handled != 2 {
		t.Fatalf("reports_handled = %d, want 2", handled)
	}
	if stats["running"].(bool) {
		t.Fatal("stream should not report running before Start")
	}
}
