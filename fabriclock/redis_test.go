package fabriclock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisBackend(RedisBackendConfig{Client: client, PollPeriod: 5 * time.Millisecond}), mr
}

func TestRedisBackendAcquireRelease(t *testing.T) {
	backend, _ := newTestRedisBackend(t)

	token, err := backend.Acquire(context.Background(), "A", time.Second, time.Second)
	require.NoError(t, err)

	err = backend.Release(context.Background(), "A", token)
	require.NoError(t, err)

	// Once released, a new acquire must succeed immediately.
	_, err = backend.Acquire(context.Background(), "A", time.Millisecond, time.Second)
	require.NoError(t, err)
}

func TestRedisBackendContendedAcquireTimesOut(t *testing.T) {
	backend, _ := newTestRedisBackend(t)

	_, err := backend.Acquire(context.Background(), "B", time.Second, time.Second)
	require.NoError(t, err)

	_, err = backend.Acquire(context.Background(), "B", 20*time.Millisecond, time.Second)
	require.Error(t, err)
}

func TestRedisBackendReleaseRejectsStaleToken(t *testing.T) {
	backend, mr := newTestRedisBackend(t)

	token, err := backend.Acquire(context.Background(), "C", time.Second, 20*time.Millisecond)
	require.NoError(t, err)

	// Let the lease expire and get re-acquired by someone else.
	mr.FastForward(50 * time.Millisecond)
	_, err = backend.Acquire(context.Background(), "C", time.Second, time.Second)
	require.NoError(t, err)

	err = backend.Release(context.Background(), "C", token)
	require.Error(t, err, "a stale token must never release the new holder's lock")
}
