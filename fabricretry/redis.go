package fabricretry

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/legacylands/fabric/fabriberr"
)

// incrementWithTTLScript arms the TTL atomically with the creating
// increment, in a single round trip, and never re-arms it on subsequent
// increments.
var incrementWithTTLScript = redis.NewScript(`
local v = redis.call("incr", KEYS[1])
if v == 1 and tonumber(ARGV[1]) > 0 then
	redis.call("pexpire", KEYS[1], ARGV[1])
end
return v
`)

// RedisBackend is the shared retry-counter backend, driven directly through
// the go-redis client.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// RedisBackendConfig configures a RedisBackend.
type RedisBackendConfig struct {
	Client    *redis.Client
	KeyPrefix string // defaults to "fabric:retry:"
}

// NewRedisBackend constructs a RedisBackend over an existing client.
func NewRedisBackend(cfg RedisBackendConfig) *RedisBackend {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "fabric:retry:"
	}
	return &RedisBackend{client: cfg.Client, prefix: prefix}
}

func (b *RedisBackend) redisKey(key string) string { return b.prefix + key }

func (b *RedisBackend) Increment(ctx context.Context, key string) (int64, error) {
	v, err := b.client.Incr(ctx, b.redisKey(key)).Result()
	if err != nil {
		return 0, fabriberr.New(fabriberr.TierUnavailable, "fabricretry.Increment", key, err)
	}
	return v, nil
}

func (b *RedisBackend) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	v, err := incrementWithTTLScript.Run(ctx, b.client, []string{b.redisKey(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fabriberr.New(fabriberr.TierUnavailable, "fabricretry.IncrementWithTTL", key, err)
	}
	return v, nil
}

func (b *RedisBackend) Get(ctx context.Context, key string) (int64, error) {
	v, err := b.client.Get(ctx, b.redisKey(key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fabriberr.New(fabriberr.TierUnavailable, "fabricretry.Get", key, err)
	}
	return v, nil
}

func (b *RedisBackend) Reset(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.redisKey(key)).Err(); err != nil {
		return fabriberr.New(fabriberr.TierUnavailable, "fabricretry.Reset", key, err)
	}
	return nil
}

func (b *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, b.redisKey(key)).Result()
	if err != nil {
		return false, fabriberr.New(fabriberr.TierUnavailable, "fabricretry.Exists", key, err)
	}
	return n > 0, nil
}
