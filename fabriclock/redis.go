package fabriclock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/legacylands/fabric/fabriberr"
)

// releaseScript atomically checks that the lock value still matches the
// caller's token before deleting it, the redis-idiomatic way to avoid
// releasing a lease that has already expired and been re-acquired by
// somebody else.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisBackend is the shared lock backend: a leased lock stored as a single
// redis key (SET ... NX PX), driven through the go-redis client directly.
type RedisBackend struct {
	client *redis.Client
	prefix string
	poll   time.Duration

	mu     sync.Mutex
	seq    uint64
	values map[Token]string // token -> "redisKey\x00value", consumed on Release
}

// RedisBackendConfig configures a RedisBackend.
type RedisBackendConfig struct {
	Client     *redis.Client
	KeyPrefix  string        // defaults to "fabric:lock:"
	PollPeriod time.Duration // re-check interval while waiting, defaults to 50ms
}

// NewRedisBackend constructs a RedisBackend over an existing client.
func NewRedisBackend(cfg RedisBackendConfig) *RedisBackend {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "fabric:lock:"
	}
	poll := cfg.PollPeriod
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	return &RedisBackend{
		client: cfg.Client,
		prefix: prefix,
		poll:   poll,
		values: make(map[Token]string),
	}
}

func (b *RedisBackend) redisKey(key string) string { return b.prefix + key }

// newRedisValue generates a random lock value; it only needs to be locally
// unique per acquisition so a racing re-acquirer's Release can never match.
func newRedisValue() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// Acquire implements Backend.Acquire against the shared store, polling SET
// NX PX until it succeeds, waitTime elapses, or ctx is cancelled.
func (b *RedisBackend) Acquire(ctx context.Context, key string, waitTime, leaseTime time.Duration) (Token, error) {
	value, err := newRedisValue()
	if err != nil {
		return 0, fabriberr.New(fabriberr.TierUnavailable, "fabriclock.Acquire", key, err)
	}

	redisKey := b.redisKey(key)
	deadline := time.Now().Add(waitTime)

	for {
		ok, err := b.client.SetNX(ctx, redisKey, value, leaseTime).Result()
		if err != nil {
			return 0, fabriberr.New(fabriberr.TierUnavailable, "fabriclock.Acquire", key, err)
		}
		if ok {
			return b.register(redisKey, value), nil
		}

		if waitTime <= 0 || time.Now().After(deadline) {
			return 0, newLockTimeout(key)
		}

		select {
		case <-time.After(b.poll):
			continue
		case <-ctx.Done():
			return 0, newLockInterrupted(key)
		case <-time.After(time.Until(deadline)):
			return 0, newLockTimeout(key)
		}
	}
}

// Release implements Backend.Release via the compare-and-delete Lua script.
func (b *RedisBackend) Release(ctx context.Context, key string, token Token) error {
	redisKey := b.redisKey(key)
	value, ok := b.lookup(redisKey, token)
	if !ok {
		return newNotOwner(key)
	}

	res, err := releaseScript.Run(ctx, b.client, []string{redisKey}, value).Int64()
	if err != nil {
		return fabriberr.New(fabriberr.TierUnavailable, "fabriclock.Release", key, err)
	}
	if res == 0 {
		return newNotOwner(key)
	}
	return nil
}

// register and lookup bridge the Token identity the Backend interface
// expects to the string value redis actually stores. Tokens only need to be
// unique within this process; they are never read by another node.
func (b *RedisBackend) register(redisKey, value string) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	tok := Token(b.seq)
	b.values[tok] = redisKey + "\x00" + value
	return tok
}

func (b *RedisBackend) lookup(redisKey string, token Token) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	full, ok := b.values[token]
	if !ok {
		return "", false
	}
	delete(b.values, token)
	want := redisKey + "\x00"
	if len(full) <= len(want) || full[:len(want)] != want {
		return "", false
	}
	return full[len(want):], true
}
