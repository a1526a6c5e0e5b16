package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLeaser implements Leaser on a Redis SET NX key so that exactly one
// scheduler node runs billing passes across a multi-node deployment. The TTL
// bounds how long a crashed holder can block the others.
type RedisLeaser struct {
	client *redis.Client
	key    string
	holder string
}

// NewRedisLeaser creates a Redis-backed lease.
// Panics if client is nil or key is empty to fail fast during initialization.
func NewRedisLeaser(client *redis.Client, key string) *RedisLeaser {
	if client == nil {
		panic("billing: redis client is required")
	}
	if key == "" {
		panic("billing: lease key is required")
	}
	return &RedisLeaser{
		client: client,
		key:    key,
		holder: uuid.NewString(),
	}
}

func (l *RedisLeaser) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.holder, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	// Re-entrant for the same holder: refresh the TTL instead of failing,
	// so a tick that outlives the previous TTL does not lose the lease to
	// itself.
	current, err := l.client.Get(ctx, l.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if current != l.holder {
		return false, nil
	}
	if err := l.client.Expire(ctx, l.key, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// releaseScript deletes the lease only when this node still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLeaser) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.holder).Err()
}
