// Package permissions probes and caches the API key's capabilities.
package permissions

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-structure-bot/internal/events"
	"futures-structure-bot/internal/exchange"
)

// Status is the cached capability snapshot.
type Status struct {
	Read        bool      `json:"read"`
	Trade       bool      `json:"trade"`
	CheckedAt   time.Time `json:"checked_at"`
	ChecksRun   int       `json:"checks_run"`
	LastChanged time.Time `json:"last_changed,omitempty"`
}

// VerifierConfig tunes caching and the periodic re-validation task.
type VerifierConfig struct {
	CacheTTL             time.Duration `json:"cache_ttl"`
	CheckInterval        time.Duration `json:"check_interval"`
	MaxConsecutiveErrors int           `json:"max_consecutive_errors"`
}

// DefaultVerifierConfig re-validates hourly.
func DefaultVerifierConfig() *VerifierConfig {
	return &VerifierConfig{
		CacheTTL:             time.Hour,
		CheckInterval:        time.Hour,
		MaxConsecutiveErrors: 3,
	}
}

// PermissionEvent is the payload of permission-related EXCHANGE_ERROR events.
type PermissionEvent struct {
	Event             string `json:"event"`
	Read              bool   `json:"read"`
	Trade             bool   `json:"trade"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
}

// Verifier probes read capability via fetch_balance and trade capability via
// fetch_open_orders. Probe failures mean the capability is denied, not that
// verification broke.
type Verifier struct {
	ex     exchange.Exchange
	bus    *events.EventBus
	config *VerifierConfig
	logger zerolog.Logger

	mu                sync.Mutex
	cached            *Status
	consecutiveErrors int
	failureEmitted    bool
	running           bool
	stopCh            chan struct{}
	doneCh            chan struct{}
}

// NewVerifier creates a verifier with an empty cache.
func NewVerifier(ex exchange.Exchange, bus *events.EventBus, config *VerifierConfig, logger zerolog.Logger) *Verifier {
	if config == nil {
		config = DefaultVerifierConfig()
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = time.Hour
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = time.Hour
	}
	if config.MaxConsecutiveErrors <= 0 {
		config.MaxConsecutiveErrors = 3
	}
	return &Verifier{
		ex:     ex,
		bus:    bus,
		config: config,
		logger: logger.With().Str("component", "PermissionVerifier").Logger(),
	}
}

// Verify returns the capability status, probing the exchange when the cache
// is stale or a refresh is forced. A cancelled context returns the stale
// cache when one exists.
func (v *Verifier) Verify(ctx context.Context, forceRefresh bool) (*Status, error) {
	v.mu.Lock()
	if !forceRefresh && v.cached != nil && time.Since(v.cached.CheckedAt) < v.config.CacheTTL {
		cached := *v.cached
		v.mu.Unlock()
		return &cached, nil
	}
	v.mu.Unlock()

	if err := ctx.Err(); err != nil {
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.cached != nil {
			stale := *v.cached
			v.logger.Warn().Err(err).Msg("Verification aborted, returning stale cache")
			return &stale, nil
		}
		return nil, err
	}

	// Probes are isolated: an error means that capability is denied.
	read := true
	if _, err := v.ex.FetchBalance(ctx); err != nil {
		read = false
		v.logger.Warn().Err(err).Msg("Read permission probe failed")
	}
	trade := true
	if _, err := v.ex.FetchOpenOrders(ctx, ""); err != nil {
		trade = false
		v.logger.Warn().Err(err).Msg("Trade permission probe failed")
	}

	v.mu.Lock()
	now := time.Now()
	status := &Status{
		Read:      read,
		Trade:     trade,
		CheckedAt: now,
	}
	if v.cached != nil {
		status.ChecksRun = v.cached.ChecksRun
		status.LastChanged = v.cached.LastChanged
	}
	status.ChecksRun++

	changed := v.cached != nil && (v.cached.Read != read || v.cached.Trade != trade)
	if changed {
		status.LastChanged = now
	}

	if read && trade {
		v.consecutiveErrors = 0
		v.failureEmitted = false
	} else {
		v.consecutiveErrors++
	}
	consecutive := v.consecutiveErrors
	// One-shot: fire only on the call that reaches the threshold.
	emitFailure := consecutive == v.config.MaxConsecutiveErrors && !v.failureEmitted
	if emitFailure {
		v.failureEmitted = true
	}

	v.cached = status
	snapshot := *status
	v.mu.Unlock()

	if changed {
		v.logger.Warn().
			Bool("read", read).
			Bool("trade", trade).
			Msg("API key permissions changed")
		v.publish(events.PriorityOrderFilled, PermissionEvent{
			Event: "permissions_changed", Read: read, Trade: trade,
		})
	}
	if emitFailure {
		v.logger.Error().
			Int("consecutive_errors", consecutive).
			Msg("Permission verification failing repeatedly")
		v.publish(events.PriorityOrderFilled, PermissionEvent{
			Event: "verification_failures", Read: read, Trade: trade,
			ConsecutiveErrors: consecutive,
		})
	}
	if !read && !trade {
		v.publish(events.PriorityOrderPlaced, PermissionEvent{
			Event: "insufficient_permissions",
		})
	}

	return &snapshot, nil
}

// Status returns the cached snapshot without probing.
func (v *Verifier) Status() (*Status, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cached == nil {
		return nil, false
	}
	cached := *v.cached
	return &cached, true
}

// Start launches the periodic re-validation task. Idempotent.
func (v *Verifier) Start() {
	v.mu.Lock()
	if v.running {
		v.mu.Unlock()
		return
	}
	v.running = true
	v.stopCh = make(chan struct{})
	v.doneCh = make(chan struct{})
	v.mu.Unlock()

	go v.loop()
	v.logger.Info().Dur("interval", v.config.CheckInterval).Msg("Permission verifier started")
}

// Stop halts the task and waits for it. Idempotent.
func (v *Verifier) Stop() {
	v.mu.Lock()
	if !v.running {
		v.mu.Unlock()
		return
	}
	v.running = false
	close(v.stopCh)
	done := v.doneCh
	v.mu.Unlock()

	<-done
	v.logger.Info().Msg("Permission verifier stopped")
}

// loop re-validates on a timer and never lets one failure kill the task.
func (v *Verifier) loop() {
	defer close(v.doneCh)
	ticker := time.NewTicker(v.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-v.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := v.Verify(ctx, true); err != nil {
				v.logger.Error().Err(err).Msg("Periodic permission check failed")
			}
			cancel()
		}
	}
}

func (v *Verifier) publish(priority int, payload PermissionEvent) {
	if v.bus == nil {
		return
	}
	v.bus.Publish(events.New(events.EventExchangeError, priority, "PermissionVerifier", payload))
}
