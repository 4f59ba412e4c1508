package nonce

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// newTestRedisLedger connects to the Redis named by TEST_REDIS_ADDR and
// clears any state left over from previous runs. Tests are skipped when the
// variable is unset.
func newTestRedisLedger(t *testing.T) *RedisLedger {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis ledger tests")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	require.NoError(t, rdb.Ping(ctx).Err())

	for _, key := range []Key{keyA, keyB} {
		require.NoError(t, rdb.Del(ctx, counterKey(key), usedKey(key)).Err())
	}
	t.Cleanup(func() {
		for _, key := range []Key{keyA, keyB} {
			rdb.Del(context.Background(), counterKey(key), usedKey(key))
		}
		rdb.Close()
	})
	return NewRedisLedger(rdb)
}

func TestRedisLedgerSequence(t *testing.T) {
	exerciseSequence(t, newTestRedisLedger(t))
}

func TestRedisLedgerConcurrentReserve(t *testing.T) {
	exerciseConcurrent(t, newTestRedisLedger(t), 20, 25)
}
