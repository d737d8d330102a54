// Package retry wraps operations with policy-based, classified retries.
// Errors are matched against non-retryable classes first, then special
// handlers (side-effect recovery, e.g. clock resync), then retryable
// classes; anything unmatched is non-retryable.
package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Strategy selects the delay schedule between attempts.
type Strategy string

const (
	StrategyFixed       Strategy = "FIXED"
	StrategyLinear      Strategy = "LINEAR"
	StrategyExponential Strategy = "EXPONENTIAL"
	StrategyCustom      Strategy = "CUSTOM"
)

// Matcher reports whether an error belongs to a class. Matchers built on
// errors.As give subtype semantics for wrapped errors.
type Matcher func(error) bool

// SpecialHandler pairs a matcher with a recovery side effect. A matched
// error runs the handler and is then treated as retryable.
type SpecialHandler struct {
	Name   string
	Match  Matcher
	Handle func(ctx context.Context, err error) error
}

// Config holds the retry policy.
type Config struct {
	MaxRetries   int
	Strategy     Strategy
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	CustomDelays []time.Duration
	Retryable    []Matcher
	NonRetryable []Matcher
	Special      []SpecialHandler
	LogAttempts  bool
}

// Validate checks the policy for internal consistency.
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be > 0, got %v", c.BaseDelay)
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max_delay %v must be >= base_delay %v", c.MaxDelay, c.BaseDelay)
	}
	if c.Strategy == StrategyCustom && len(c.CustomDelays) == 0 {
		return fmt.Errorf("custom strategy requires custom_delays")
	}
	switch c.Strategy {
	case StrategyFixed, StrategyLinear, StrategyExponential, StrategyCustom:
	default:
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	return nil
}

// AttemptRecord captures one failed attempt that was followed by a retry.
// The terminal failure of an exhausted operation is not recorded.
type AttemptRecord struct {
	Attempt   int           `json:"attempt_number"`
	Err       error         `json:"-"`
	Error     string        `json:"error"`
	Delay     time.Duration `json:"delay"`
	Timestamp time.Time     `json:"timestamp"`
}

// Stats aggregates the retry history.
type Stats struct {
	TotalAttempts int            `json:"total_attempts"` // equals history length
	TotalDelay    time.Duration  `json:"total_delay"`
	AvgDelay      time.Duration  `json:"avg_delay"`
	ErrorCounts   map[string]int `json:"error_counts"`
}

// Manager executes operations under a retry policy and keeps a history of
// retried failures.
type Manager struct {
	mu          sync.Mutex
	config      Config
	logger      zerolog.Logger
	history     []AttemptRecord
	errorCounts map[string]int
}

// New validates the config and builds a manager.
func New(config Config, logger zerolog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		config:      config,
		logger:      logger.With().Str("component", "RetryManager").Logger(),
		errorCounts: make(map[string]int),
	}, nil
}

type classification int

const (
	classNonRetryable classification = iota
	classSpecial
	classRetryable
)

// classify applies the matching order: non-retryable wins over everything,
// then special handlers, then retryable; default is non-retryable.
func (m *Manager) classify(err error) (classification, *SpecialHandler) {
	for _, match := range m.config.NonRetryable {
		if match(err) {
			return classNonRetryable, nil
		}
	}
	for i := range m.config.Special {
		if m.config.Special[i].Match(err) {
			return classSpecial, &m.config.Special[i]
		}
	}
	for _, match := range m.config.Retryable {
		if match(err) {
			return classRetryable, nil
		}
	}
	return classNonRetryable, nil
}

// DelayFor returns the pre-sleep before the (n+1)th attempt, given that
// attempt n (1-indexed) failed. Capped by MaxDelay.
func (m *Manager) DelayFor(attempt int) time.Duration {
	var delay time.Duration
	switch m.config.Strategy {
	case StrategyFixed:
		delay = m.config.BaseDelay
	case StrategyLinear:
		delay = m.config.BaseDelay * time.Duration(attempt)
	case StrategyExponential:
		delay = m.config.BaseDelay * time.Duration(1<<uint(attempt-1))
	case StrategyCustom:
		idx := attempt - 1
		if idx >= len(m.config.CustomDelays) {
			idx = len(m.config.CustomDelays) - 1
		}
		delay = m.config.CustomDelays[idx]
	}
	if delay > m.config.MaxDelay {
		delay = m.config.MaxDelay
	}
	return delay
}

// Execute runs op until it succeeds, fails non-retryably, or exhausts the
// attempt budget. MaxRetries bounds the total number of attempts; zero means
// a single attempt with no delays. The last error is returned on exhaustion.
func (m *Manager) Execute(ctx context.Context, operation string, op func(context.Context) error) error {
	attempts := m.config.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		class, special := m.classify(err)
		if class == classNonRetryable {
			if m.config.LogAttempts {
				m.logger.Warn().Err(err).
					Str("operation", operation).
					Int("attempt", attempt).
					Msg("Non-retryable error, surfacing")
			}
			return err
		}

		if class == classSpecial {
			if m.config.LogAttempts {
				m.logger.Info().
					Str("operation", operation).
					Str("handler", special.Name).
					Msg("Running special error handler before retry")
			}
			if handlerErr := special.Handle(ctx, err); handlerErr != nil {
				m.logger.Warn().Err(handlerErr).
					Str("handler", special.Name).
					Msg("Special handler failed, retrying anyway")
			}
		}

		// Terminal failure of an exhausted operation is not recorded; only
		// failures followed by a delay enter the history.
		if attempt == attempts {
			break
		}

		delay := m.DelayFor(attempt)
		m.record(attempt, err, delay)

		if m.config.LogAttempts {
			m.logger.Warn().Err(err).
				Str("operation", operation).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying after failure")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

func (m *Manager) record(attempt int, err error, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, AttemptRecord{
		Attempt:   attempt,
		Err:       err,
		Error:     err.Error(),
		Delay:     delay,
		Timestamp: time.Now(),
	})
	m.errorCounts[fmt.Sprintf("%T", err)]++
}

// History returns a copy of the retried-failure records.
func (m *Manager) History() []AttemptRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AttemptRecord, len(m.history))
	copy(out, m.history)
	return out
}

// ClearHistory drops the accumulated records and counters.
func (m *Manager) ClearHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = nil
	m.errorCounts = make(map[string]int)
}

// Statistics aggregates the recorded history.
func (m *Manager) Statistics() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		TotalAttempts: len(m.history),
		ErrorCounts:   make(map[string]int, len(m.errorCounts)),
	}
	for k, v := range m.errorCounts {
		stats.ErrorCounts[k] = v
	}
	for _, rec := range m.history {
		stats.TotalDelay += rec.Delay
	}
	if len(m.history) > 0 {
		stats.AvgDelay = stats.TotalDelay / time.Duration(len(m.history))
	}
	return stats
}
