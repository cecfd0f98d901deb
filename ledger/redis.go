package ledger

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// DefaultRedisKey is the hash holding the cooldown entries.
const DefaultRedisKey = "washguard:" + logKey

// RedisStore keeps the ledger in a Redis hash of symbol -> YYYY-MM-DD.
// It lets several hosts share one ledger; it does not lock, so two engines
// writing at once still race. Extra keys are not kept.
type RedisStore struct {
	client redis.Cmdable
	key    string
}

func NewRedisStore(client redis.Cmdable, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (r *RedisStore) Load(ctx context.Context) (State, error) {
	vals, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return State{}, fmt.Errorf("redis hgetall %s: %w", r.key, err)
	}
	st := NewState()
	if err := decodeEntries(st.WashSaleLog, vals); err != nil {
		return State{}, fmt.Errorf("%w: redis %s: %v", ErrCorrupt, r.key, err)
	}
	return st, nil
}

// Save replaces the hash in a single MULTI/EXEC.
func (r *RedisStore) Save(ctx context.Context, s State) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		for _, sym := range s.Symbols() {
			pipe.HSet(ctx, r.key, sym, s.WashSaleLog[sym].String())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save %s: %w", r.key, err)
	}
	return nil
}
