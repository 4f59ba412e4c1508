package nonce

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisLedger backs the ledger with Redis: INCR for the counter, a set for
// used nonces. INCR returns the post-increment value, so the reserved nonce
// is that value minus one and the first reservation yields 0.
type RedisLedger struct {
	rdb *redis.Client
}

// NewRedisLedger wraps an existing Redis client.
func NewRedisLedger(rdb *redis.Client) *RedisLedger {
	return &RedisLedger{rdb: rdb}
}

func (r *RedisLedger) Reserve(ctx context.Context, key Key) (uint64, error) {
	n, err := r.rdb.Incr(ctx, counterKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("reserve nonce for %s: %w", key, err)
	}
	return uint64(n - 1), nil
}

func (r *RedisLedger) MarkUsed(ctx context.Context, key Key, nonce uint64) error {
	if err := r.rdb.SAdd(ctx, usedKey(key), nonce).Err(); err != nil {
		return fmt.Errorf("mark nonce %d used for %s: %w", nonce, key, err)
	}
	return nil
}

func (r *RedisLedger) IsUsed(ctx context.Context, key Key, nonce uint64) (bool, error) {
	used, err := r.rdb.SIsMember(ctx, usedKey(key), nonce).Result()
	if err != nil {
		return false, fmt.Errorf("check nonce %d for %s: %w", nonce, key, err)
	}
	return used, nil
}

func counterKey(key Key) string {
	return "nonce:counter:" + key.String()
}

func usedKey(key Key) string {
	return "nonce:used:" + key.String()
}
