package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bybit-trading-engine/internal/ledger"
)

const (
	// positionKeyPrefix is the prefix for individual position keys.
	// Format: engine:position:{id}
	positionKeyPrefix = "engine:position"

	// positionListKey holds the set of active position IDs.
	positionListKey = "engine:positions:list"

	// positionTTL keeps stale keys from accumulating; positions close
	// within hours or days.
	positionTTL = 7 * 24 * time.Hour
)

// RedisConfig holds the cache connection settings.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// DefaultRedisConfig returns local development settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{Addr: "localhost:6379"}
}

// RedisStateStore shares hot position state between instances. When
// Redis is unavailable it falls back to an in-memory map so trading
// continues without interruption; availability is re-probed on writes.
type RedisStateStore struct {
	client    *redis.Client
	logger    zerolog.Logger
	available atomic.Bool

	cacheMu sync.RWMutex
	cache   map[string]*ledger.Position
}

// NewRedisStateStore creates the store. A nil client means memory-only
// mode.
func NewRedisStateStore(client *redis.Client, logger zerolog.Logger) *RedisStateStore {
	s := &RedisStateStore{
		client: client,
		logger: logger.With().Str("component", "RedisStateStore").Logger(),
		cache:  make(map[string]*ledger.Position),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory cache")
		} else {
			s.logger.Info().Msg("Redis connected")
			s.available.Store(true)
		}
	} else {
		s.logger.Info().Msg("No Redis client configured, in-memory cache only")
	}
	return s
}

func positionKey(id string) string {
	return fmt.Sprintf("%s:%s", positionKeyPrefix, id)
}

// Available reports whether Redis was reachable on the last operation.
func (s *RedisStateStore) Available() bool {
	return s.available.Load()
}

// Save writes the position state. The in-memory cache is always
// updated; a Redis failure downgrades to memory-only without surfacing
// an error.
func (s *RedisStateStore) Save(ctx context.Context, pos *ledger.Position) error {
	if pos == nil {
		return fmt.Errorf("cannot save nil position state")
	}

	s.cacheMu.Lock()
	s.cache[pos.ID] = pos
	s.cacheMu.Unlock()

	if s.client == nil {
		return nil
	}

	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("failed to marshal position state: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, positionKey(pos.ID), data, positionTTL)
	pipe.SAdd(ctx, positionListKey, pos.ID)
	pipe.Expire(ctx, positionListKey, positionTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		if s.available.Swap(false) {
			s.logger.Warn().Err(err).Msg("Redis write failed, falling back to in-memory cache")
		}
		return nil
	}
	s.available.Store(true)
	return nil
}

// Load returns the stored state for a position, nil when unknown.
func (s *RedisStateStore) Load(ctx context.Context, id string) (*ledger.Position, error) {
	if s.client != nil && s.available.Load() {
		data, err := s.client.Get(ctx, positionKey(id)).Result()
		if err == nil {
			var pos ledger.Position
			if err := json.Unmarshal([]byte(data), &pos); err != nil {
				return nil, fmt.Errorf("failed to unmarshal position state: %w", err)
			}
			return &pos, nil
		}
		if err != redis.Nil {
			s.logger.Warn().Err(err).Msg("Redis read failed, using in-memory cache")
			s.available.Store(false)
		}
	}

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.cache[id], nil
}

// Delete removes the position state after a full close.
func (s *RedisStateStore) Delete(ctx context.Context, id string) error {
	s.cacheMu.Lock()
	delete(s.cache, id)
	s.cacheMu.Unlock()

	if s.client == nil || !s.available.Load() {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, positionKey(id))
	pipe.SRem(ctx, positionListKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Redis delete failed")
		s.available.Store(false)
	}
	return nil
}

// ActiveIDs lists the position IDs known to the store.
func (s *RedisStateStore) ActiveIDs(ctx context.Context) ([]string, error) {
	if s.client != nil && s.available.Load() {
		ids, err := s.client.SMembers(ctx, positionListKey).Result()
		if err == nil {
			return ids, nil
		}
		s.logger.Warn().Err(err).Msg("Redis list read failed, using in-memory cache")
		s.available.Store(false)
	}

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	ids := make([]string, 0, len(s.cache))
	for id := range s.cache {
		ids = append(ids, id)
	}
	return ids, nil
}
