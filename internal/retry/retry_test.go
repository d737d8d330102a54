package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-structure-bot/internal/exchange"
)

func networkFailing(times int) func(context.Context) error {
	calls := 0
	return func(context.Context) error {
		calls++
		if calls <= times {
			return &exchange.NetworkError{Op: "test", Err: errors.New("connection reset")}
		}
		return nil
	}
}

func baseConfig() Config {
	return Config{
		MaxRetries: 3,
		Strategy:   StrategyFixed,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Second,
		Retryable:  []Matcher{exchange.IsNetworkError},
		NonRetryable: []Matcher{
			exchange.IsValidationError,
			exchange.IsInsufficientFunds,
		},
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, true},
		{"zero base delay", func(c *Config) { c.BaseDelay = 0 }, true},
		{"max below base", func(c *Config) { c.MaxDelay = time.Microsecond }, true},
		{"custom without delays", func(c *Config) { c.Strategy = StrategyCustom }, true},
		{"unknown strategy", func(c *Config) { c.Strategy = "BOGUS" }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig()
			tc.mutate(&cfg)
			_, err := New(cfg, zerolog.Nop())
			if (err != nil) != tc.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestDelaySchedules(t *testing.T) {
	base := 10 * time.Millisecond
	cases := []struct {
		name     string
		strategy Strategy
		custom   []time.Duration
		attempt  int
		want     time.Duration
	}{
		{"fixed", StrategyFixed, nil, 3, base},
		{"linear n=1", StrategyLinear, nil, 1, base},
		{"linear n=3", StrategyLinear, nil, 3, 3 * base},
		{"exponential n=1", StrategyExponential, nil, 1, base},
		{"exponential n=4", StrategyExponential, nil, 4, 8 * base},
		{"custom in range", StrategyCustom, []time.Duration{base, 2 * base}, 1, base},
		{"custom clamps to last", StrategyCustom, []time.Duration{base, 2 * base}, 5, 2 * base},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.Strategy = tc.strategy
			cfg.BaseDelay = base
			cfg.CustomDelays = tc.custom
			m, err := New(cfg, zerolog.Nop())
			if err != nil {
				t.Fatal(err)
			}
			if got := m.DelayFor(tc.attempt); got != tc.want {
				t.Errorf("DelayFor(%d) = %v, want %v", tc.attempt, got, tc.want)
			}
		})
	}
}

func TestDelayCappedByMax(t *testing.T) {
	cfg := baseConfig()
	cfg.Strategy = StrategyExponential
	cfg.BaseDelay = time.Second
	cfg.MaxDelay = 3 * time.Second
	m, _ := New(cfg, zerolog.Nop())

	if got := m.DelayFor(10); got != 3*time.Second {
		t.Errorf("DelayFor(10) = %v, want cap %v", got, 3*time.Second)
	}
}

func TestSuccessAfterRetries(t *testing.T) {
	m, _ := New(baseConfig(), zerolog.Nop())

	err := m.Execute(context.Background(), "op", networkFailing(2))
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}

	// Success on attempt 3: history holds the two retried failures.
	if got := len(m.History()); got != 2 {
		t.Errorf("history length = %d, want 2", got)
	}
	if stats := m.Statistics(); stats.TotalAttempts != 2 {
		t.Errorf("stats.TotalAttempts = %d, want history length 2", stats.TotalAttempts)
	}
}

func TestExhaustionReRaisesLastError(t *testing.T) {
	cfg := baseConfig()
	cfg.Strategy = StrategyCustom
	cfg.CustomDelays = []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}
	m, _ := New(cfg, zerolog.Nop())

	attempts := 0
	err := m.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		return &exchange.NetworkError{Op: "op", Err: errors.New("down")}
	})

	if !exchange.IsNetworkError(err) {
		t.Fatalf("terminal error should be the NetworkError, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}

	history := m.History()
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2 (terminal failure not recorded)", len(history))
	}
	if history[0].Delay != 10*time.Millisecond || history[1].Delay != 20*time.Millisecond {
		t.Errorf("recorded delays = [%v %v], want [10ms 20ms]", history[0].Delay, history[1].Delay)
	}
}

func TestZeroRetriesSingleAttempt(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxRetries = 0
	m, _ := New(cfg, zerolog.Nop())

	attempts := 0
	err := m.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		return &exchange.NetworkError{Op: "op", Err: errors.New("down")}
	})

	if err == nil {
		t.Fatal("expected failure")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if len(m.History()) != 0 {
		t.Errorf("history should be empty on single-attempt failure, got %d", len(m.History()))
	}
}

func TestNonRetryableSurfacesImmediately(t *testing.T) {
	m, _ := New(baseConfig(), zerolog.Nop())

	attempts := 0
	err := m.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		return &exchange.ValidationError{Field: "quantity", Reason: "must be positive"}
	})

	if !exchange.IsValidationError(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("non-retryable should stop after attempt 1, got %d attempts", attempts)
	}
}

func TestNonRetryableWinsOverRetryable(t *testing.T) {
	cfg := baseConfig()
	// A matcher that would also accept the error, listed as retryable.
	cfg.Retryable = append(cfg.Retryable, func(error) bool { return true })
	m, _ := New(cfg, zerolog.Nop())

	attempts := 0
	err := m.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		return &exchange.InsufficientFundsError{Message: "margin too low"}
	})

	if !exchange.IsInsufficientFunds(err) || attempts != 1 {
		t.Errorf("non-retryable match must win: err=%v attempts=%d", err, attempts)
	}
}

func TestUnmatchedErrorIsNonRetryable(t *testing.T) {
	m, _ := New(baseConfig(), zerolog.Nop())

	attempts := 0
	plain := errors.New("unknown failure")
	err := m.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		return plain
	})

	if !errors.Is(err, plain) || attempts != 1 {
		t.Errorf("unmatched errors default to non-retryable: err=%v attempts=%d", err, attempts)
	}
}

func TestSpecialHandlerRunsThenRetries(t *testing.T) {
	synced := 0
	cfg := baseConfig()
	cfg.Special = []SpecialHandler{{
		Name:  "time_resync",
		Match: exchange.IsTimestampError,
		Handle: func(context.Context, error) error {
			synced++
			return nil
		},
	}}
	m, _ := New(cfg, zerolog.Nop())

	attempts := 0
	err := m.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		if attempts == 1 {
			return &exchange.ExchangeError{Code: -1021, Message: "Timestamp for this request is outside of the recvWindow"}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected recovery after resync, got %v", err)
	}
	if synced != 1 {
		t.Errorf("special handler invoked %d times, want 1", synced)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestStatisticsAggregation(t *testing.T) {
	m, _ := New(baseConfig(), zerolog.Nop())
	_ = m.Execute(context.Background(), "op", networkFailing(2))

	stats := m.Statistics()
	if stats.TotalDelay != 2*time.Millisecond {
		t.Errorf("total delay = %v, want 2ms", stats.TotalDelay)
	}
	if stats.AvgDelay != time.Millisecond {
		t.Errorf("avg delay = %v, want 1ms", stats.AvgDelay)
	}
	if stats.ErrorCounts["*exchange.NetworkError"] != 2 {
		t.Errorf("error counts = %v, want 2 NetworkError", stats.ErrorCounts)
	}
}

func TestContextCancellationStopsRetries(t *testing.T) {
	cfg := baseConfig()
	cfg.BaseDelay = time.Second
	cfg.MaxDelay = time.Second
	m, _ := New(cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := m.Execute(ctx, "op", func(context.Context) error {
		return &exchange.NetworkError{Op: "op", Err: errors.New("down")}
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
