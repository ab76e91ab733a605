package fabricstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisTier(t *testing.T) *RedisTier {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisTier(RedisTierConfig{Client: client})
}

func TestRedisTierPutGet(t *testing.T) {
	tier := newTestRedisTier(t)
	ctx := context.Background()

	require.NoError(t, tier.Put(ctx, "A", []byte("hp=10"), 0))

	v, ok, err := tier.Get(ctx, "A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hp=10", string(v))
}

func TestRedisTierGetAbsentIsNotFound(t *testing.T) {
	tier := newTestRedisTier(t)
	_, ok, err := tier.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisTierRemoveThenExistsIsFalse(t *testing.T) {
	tier := newTestRedisTier(t)
	ctx := context.Background()
	require.NoError(t, tier.Put(ctx, "A", []byte("v"), 0))
	require.NoError(t, tier.Remove(ctx, "A"))

	exists, err := tier.Exists(ctx, "A")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedisTierComputeIfAbsentCallsSupplierOnce(t *testing.T) {
	tier := newTestRedisTier(t)
	calls := 0
	supplier := func() ([]byte, error) {
		calls++
		return []byte("computed"), nil
	}

	v1, err := tier.ComputeIfAbsent(context.Background(), "A", time.Minute, supplier)
	require.NoError(t, err)
	v2, err := tier.ComputeIfAbsent(context.Background(), "A", time.Minute, supplier)
	require.NoError(t, err)

	assert.Equal(t, "computed", string(v1))
	assert.Equal(t, "computed", string(v2))
	assert.Equal(t, 1, calls)
}

func TestRedisTierComputeIfAbsentConcurrentLoserSeesWinnersValue(t *testing.T) {
	tier := newTestRedisTier(t)
	var calls int32Counter

	var wg sync.WaitGroup
	results := make([][]byte, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, err := tier.ComputeIfAbsent(context.Background(), "race", time.Minute, func() ([]byte, error) {
				calls.inc()
				time.Sleep(10 * time.Millisecond)
				return []byte("winner"), nil
			})
			require.NoError(t, err)
			results[idx] = v
		}(i)
	}
	wg.Wait()

	assert.Equal(t, "winner", string(results[0]))
	assert.Equal(t, "winner", string(results[1]))
	assert.Equal(t, int32(1), calls.value())
}

type int32Counter struct {
	mu sync.Mutex
	v  int32
}

func (c *int32Counter) inc() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v++
}

func (c *int32Counter) value() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}
