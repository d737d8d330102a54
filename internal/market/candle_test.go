package market

import "testing"

func TestNewCandleValidation(t *testing.T) {
	tests := []struct {
		name    string
		symbol  string
		tf      Timeframe
		ts      int64
		o, h    float64
		l, c    float64
		vol     float64
		wantErr bool
	}{
		{"valid bullish", "BTCUSDT", TF1m, 1640000000000, 100, 110, 95, 105, 10, false},
		{"valid bearish", "BTCUSDT", TF1m, 1640000000000, 105, 110, 95, 100, 10, false},
		{"valid doji", "BTCUSDT", TF1m, 1640000000000, 100, 100, 100, 100, 0, false},
		{"missing symbol", "", TF1m, 1640000000000, 100, 110, 95, 105, 10, true},
		{"bad timeframe", "BTCUSDT", "2m", 1640000000000, 100, 110, 95, 105, 10, true},
		{"zero timestamp", "BTCUSDT", TF1m, 0, 100, 110, 95, 105, 10, true},
		{"negative volume", "BTCUSDT", TF1m, 1640000000000, 100, 110, 95, 105, -1, true},
		{"high below close", "BTCUSDT", TF1m, 1640000000000, 100, 104, 95, 105, 10, true},
		{"low above open", "BTCUSDT", TF1m, 1640000000000, 100, 110, 101, 105, 10, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewCandle(tc.symbol, tc.tf, tc.ts, tc.o, tc.h, tc.l, tc.c, tc.vol)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestNewCandleNormalizesTimestamp(t *testing.T) {
	c, err := NewCandle("BTCUSDT", TF1m, 1640000000500, 100, 110, 95, 105, 10)
	if err != nil {
		t.Fatal(err)
	}
	if c.Timestamp != 1640000000000-20000 {
		t.Fatalf("timestamp = %d, want minute boundary", c.Timestamp)
	}
}

func TestCandleHelpers(t *testing.T) {
	c, _ := NewCandle("BTCUSDT", TF1m, 1640000040000, 100, 112, 98, 108, 10)
	if !c.IsBullish() {
		t.Fatal("close above open should be bullish")
	}
	if c.Range() != 14 {
		t.Fatalf("range = %f", c.Range())
	}
	if c.OpenTime().UnixMilli() != c.Timestamp {
		t.Fatal("OpenTime does not round-trip timestamp")
	}
}
