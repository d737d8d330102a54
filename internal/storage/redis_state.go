package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// positionKeyPrefix keys one snapshot: fsb:position:{symbol}.
	positionKeyPrefix = "fsb:position"

	// positionSetKey holds the symbols with a live snapshot.
	positionSetKey = "fsb:positions:symbols"

	// positionSnapshotTTL keeps stale snapshots from surviving forever.
	// Positions close within hours or days; a week is a safe ceiling.
	positionSnapshotTTL = 7 * 24 * time.Hour
)

// PositionSnapshot is the restart-survivable subset of a position.
type PositionSnapshot struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Strategy     string    `json:"strategy"`
	Side         string    `json:"side"`
	Size         string    `json:"size"`
	EntryPrice   string    `json:"entry_price"`
	CurrentPrice string    `json:"current_price"`
	Leverage     int       `json:"leverage"`
	StopLoss     string    `json:"stop_loss,omitempty"`
	TakeProfit   string    `json:"take_profit,omitempty"`
	SavedAt      time.Time `json:"saved_at"`
}

// RedisStateStore mirrors open-position snapshots into Redis so a restarted
// process can reconcile faster than a cold exchange fetch. When Redis is
// unavailable it falls back to an in-memory cache and keeps running.
type RedisStateStore struct {
	client    *redis.Client
	logger    zerolog.Logger
	cacheMu   sync.RWMutex
	cache     map[string]*PositionSnapshot
	available atomic.Bool
}

// NewRedisStateStore creates the store. A nil client means memory-only mode.
func NewRedisStateStore(client *redis.Client, logger zerolog.Logger) *RedisStateStore {
	store := &RedisStateStore{
		client: client,
		logger: logger.With().Str("component", "RedisStateStore").Logger(),
		cache:  make(map[string]*PositionSnapshot),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			store.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory cache")
		} else {
			store.logger.Info().Msg("Redis connected")
			store.available.Store(true)
		}
	}
	return store
}

func positionKey(symbol string) string {
	return fmt.Sprintf("%s:%s", positionKeyPrefix, symbol)
}

// SaveSnapshot writes one snapshot, always updating the in-memory cache so
// reads keep working through a Redis outage.
func (s *RedisStateStore) SaveSnapshot(ctx context.Context, snapshot *PositionSnapshot) error {
	snapshot.SavedAt = time.Now()

	s.cacheMu.Lock()
	clone := *snapshot
	s.cache[snapshot.Symbol] = &clone
	s.cacheMu.Unlock()

	if s.client == nil {
		return nil
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, positionKey(snapshot.Symbol), payload, positionSnapshotTTL)
	pipe.SAdd(ctx, positionSetKey, snapshot.Symbol)
	pipe.Expire(ctx, positionSetKey, positionSnapshotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.available.Store(false)
		s.logger.Warn().Err(err).Str("symbol", snapshot.Symbol).Msg("Redis write failed, cache retains snapshot")
		return nil
	}
	s.available.Store(true)
	return nil
}

// GetSnapshot reads one snapshot, preferring Redis and falling back to the
// cache.
func (s *RedisStateStore) GetSnapshot(ctx context.Context, symbol string) (*PositionSnapshot, bool) {
	if s.client != nil && s.available.Load() {
		payload, err := s.client.Get(ctx, positionKey(symbol)).Bytes()
		if err == nil {
			var snapshot PositionSnapshot
			if err := json.Unmarshal(payload, &snapshot); err == nil {
				return &snapshot, true
			}
		} else if err != redis.Nil {
			s.available.Store(false)
		}
	}

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	snapshot, ok := s.cache[symbol]
	if !ok {
		return nil, false
	}
	clone := *snapshot
	return &clone, true
}

// ListSnapshots returns every live snapshot.
func (s *RedisStateStore) ListSnapshots(ctx context.Context) []*PositionSnapshot {
	if s.client != nil && s.available.Load() {
		symbols, err := s.client.SMembers(ctx, positionSetKey).Result()
		if err == nil {
			out := make([]*PositionSnapshot, 0, len(symbols))
			for _, symbol := range symbols {
				if snapshot, ok := s.GetSnapshot(ctx, symbol); ok {
					out = append(out, snapshot)
				}
			}
			return out
		}
		s.available.Store(false)
	}

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	out := make([]*PositionSnapshot, 0, len(s.cache))
	for _, snapshot := range s.cache {
		clone := *snapshot
		out = append(out, &clone)
	}
	return out
}

// DeleteSnapshot removes a closed position's snapshot.
func (s *RedisStateStore) DeleteSnapshot(ctx context.Context, symbol string) {
	s.cacheMu.Lock()
	delete(s.cache, symbol)
	s.cacheMu.Unlock()

	if s.client == nil {
		return
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, positionKey(symbol))
	pipe.SRem(ctx, positionSetKey, symbol)
	if _, err := pipe.Exec(ctx); err != nil {
		s.available.Store(false)
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("Redis delete failed")
	}
}

// Available reports whether the last Redis operation succeeded.
func (s *RedisStateStore) Available() bool {
	return s.available.Load()
}
