// Package redis provides a Redis-backed quota state store.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/linkorbit/coordinator/internal/quota"
)

// QuotaStore persists provider quota records in Redis.
type QuotaStore struct {
	client *redis.Client
	prefix string
}

// NewQuotaStore initializes a Redis-backed quota.StateStore.
func NewQuotaStore(addr, prefix string) *QuotaStore {
	if prefix == "" {
		prefix = "coordinator:quota:"
	}
	return &QuotaStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
	}
}

// NewQuotaStoreWithClient builds a store using a custom client (tests).
func NewQuotaStoreWithClient(client *redis.Client, prefix string) *QuotaStore {
	return &QuotaStore{client: client, prefix: prefix}
}

// Close closes the Redis client.
func (s *QuotaStore) Close() error {
	return s.client.Close()
}

// Save writes the provider record to Redis. Quota records have no TTL: the
// tracker owns period rollover, not key expiry.
func (s *QuotaStore) Save(ctx context.Context, name string, state quota.PersistedState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal quota state: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+name, payload, 0).Err(); err != nil {
		return fmt.Errorf("set quota state: %w", err)
	}
	return nil
}

// Load reads every persisted provider record.
func (s *QuotaStore) Load(ctx context.Context) (map[string]quota.PersistedState, error) {
	out := make(map[string]quota.PersistedState)
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := s.client.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("get quota state %s: %w", key, err)
		}
		var state quota.PersistedState
		if err := json.Unmarshal([]byte(val), &state); err != nil {
			return nil, fmt.Errorf("unmarshal quota state %s: %w", key, err)
		}
		out[strings.TrimPrefix(key, s.prefix)] = state
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan quota state: %w", err)
	}
	return out, nil
}
