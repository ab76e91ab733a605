package fabriclock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legacylands/fabric/fabriberr"
)

func TestExecuteUnderLockRunsBody(t *testing.T) {
	m := New(NewLocalBackend())
	result, err := ExecuteUnderLock(context.Background(), m, "player:1", time.Second, time.Second, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestExecuteUnderLockSerializesSameKey(t *testing.T) {
	m := New(NewLocalBackend())
	var mu sync.Mutex
	order := make([]int, 0, 2)
	active, maxActive := 0, 0

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		i := i
		go func() {
			defer wg.Done()
			_, _ = ExecuteUnderLock(context.Background(), m, "shared", time.Second, time.Second, func(ctx context.Context) (struct{}, error) {
				mu.Lock()
				order = append(order, i)
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return struct{}{}, nil
			})
		}()
	}
	wg.Wait()
	assert.Len(t, order, 2)
	assert.Equal(t, 1, maxActive, "bodies for the same key must not overlap")
}

func TestExecuteUnderLockZeroWaitTimesOutImmediately(t *testing.T) {
	backend := NewLocalBackend()
	m := New(backend)

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = ExecuteUnderLock(context.Background(), m, "contended", time.Second, time.Minute, func(ctx context.Context) (struct{}, error) {
			close(holding)
			<-release
			return struct{}{}, nil
		})
	}()
	<-holding
	defer close(release)

	_, err := ExecuteUnderLock(context.Background(), m, "contended", 0, time.Second, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	require.Error(t, err)
	assert.True(t, fabriberr.Is(err, fabriberr.LockTimeout))
}

func TestExecuteUnderLockIsReentrant(t *testing.T) {
	m := New(NewLocalBackend())

	outerRan := false
	_, err := ExecuteUnderLock(context.Background(), m, "nested", time.Second, time.Second, func(ctx context.Context) (struct{}, error) {
		outerRan = true
		// A nested call for the same key, within the same call chain, must
		// not deadlock against itself.
		return ExecuteUnderLock(ctx, m, "nested", time.Second, time.Second, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, nil
		})
	})
	require.NoError(t, err)
	assert.True(t, outerRan)
}

func TestLeaseAutomaticallyReleases(t *testing.T) {
	backend := NewLocalBackend()
	token, err := backend.Acquire(context.Background(), "leased", time.Second, 20*time.Millisecond)
	require.NoError(t, err)
	_ = token

	// Without calling Release, the lease must expire on its own.
	time.Sleep(60 * time.Millisecond)

	_, err = backend.Acquire(context.Background(), "leased", time.Second, time.Second)
	assert.NoError(t, err)
}

func TestReleaseRejectsNonOwner(t *testing.T) {
	backend := NewLocalBackend()
	_, err := backend.Acquire(context.Background(), "owned", time.Second, time.Second)
	require.NoError(t, err)

	err = backend.Release(context.Background(), "owned", Token(999999))
	assert.Error(t, err)
}

func TestAcquireInterruptedByContextCancellation(t *testing.T) {
	backend := NewLocalBackend()
	_, err := backend.Acquire(context.Background(), "ctx-key", time.Second, time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = backend.Acquire(ctx, "ctx-key", time.Minute, time.Minute)
	require.Error(t, err)
	assert.True(t, fabriberr.Is(err, fabriberr.LockInterrupted))
}
