package fabric

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legacylands/fabric/fabriberr"
	"github.com/legacylands/fabric/fabricconfig"
	"github.com/legacylands/fabric/fabricmodel"
)

// testOptions returns TierOptions tuned for fast, deterministic tests: no L3
// (relying on fabriccache's nil-L3 fallbacks), a short bus poll so
// cross-node propagation doesn't need a long sleep, and a persistence period
// long enough that the periodic sweep never fires mid-test.
func testOptions() fabricconfig.TierOptions {
	opts := fabricconfig.Defaults()
	opts.ConsumerTick = 10 * time.Millisecond
	opts.PersistencePeriod = time.Hour
	opts.LockWaitDefault = 5 * time.Second
	return opts
}

func TestRegistryCreateRejectsDuplicateName(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg := NewRegistry()
	ctx := context.Background()

	first, err := reg.Create(ctx, "dup-fabric", client, L3Config{}, testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Shutdown() })

	_, err = reg.Create(ctx, "dup-fabric", client, L3Config{}, testOptions())
	require.Error(t, err)
	assert.True(t, fabriberr.Is(err, fabriberr.DuplicateName))
}

func TestOperationsAfterShutdownReturnShutdownError(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg := NewRegistry()
	ctx := context.Background()

	handle, err := reg.Create(ctx, "shutdown-fabric", client, L3Config{}, testOptions())
	require.NoError(t, err)
	require.NoError(t, handle.Start(ctx))

	rec := fabricmodel.NewRecord(fabricmodel.NewID(), "entity")
	rec.AddAttribute("hp", "10")
	require.NoError(t, handle.Write(ctx, rec))

	require.NoError(t, handle.Shutdown())

	_, err = handle.Read(ctx, rec.ID())
	require.Error(t, err)
	assert.True(t, fabriberr.Is(err, fabriberr.Shutdown))

	err = handle.Write(ctx, rec)
	require.Error(t, err)
	assert.True(t, fabriberr.Is(err, fabriberr.Shutdown))

	err = handle.Remove(ctx, rec.ID())
	require.Error(t, err)
	assert.True(t, fabriberr.Is(err, fabriberr.Shutdown))

	err = handle.Publish(ctx, "whatever", "payload", time.Minute)
	require.Error(t, err)
	assert.True(t, fabriberr.Is(err, fabriberr.Shutdown))
}

func TestFindWithoutDocumentTierIsTierUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg := NewRegistry()
	ctx := context.Background()

	handle, err := reg.Create(ctx, "no-l3-fabric", client, L3Config{}, testOptions())
	require.NoError(t, err)
	require.NoError(t, handle.Start(ctx))
	t.Cleanup(func() { _ = handle.Shutdown() })

	_, err = handle.FindByType(ctx, "guild")
	require.Error(t, err)
	assert.True(t, fabriberr.Is(err, fabriberr.TierUnavailable))

	_, err = handle.FindByAttribute(ctx, "name", "treant")
	require.Error(t, err)
	assert.True(t, fabriberr.Is(err, fabriberr.TierUnavailable))

	_, err = handle.FindByRelationship(ctx, "members", fabricmodel.NewID())
	require.Error(t, err)
	assert.True(t, fabriberr.Is(err, fabriberr.TierUnavailable))
}

// TestCrossNodeSyncScenario: node A writes a record, node B reads it
// (caching it in its own L1), node A writes an
// update, and node B must observe the update after the stream-bus
// notification propagates, not the stale copy it cached on the first read.
// Two separate Registry instances simulate two fleet nodes sharing one
// redis, since DUPLICATE_NAME rejection is scoped per-Registry.
func TestCrossNodeSyncScenario(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()

	// The two simulated nodes need distinct stable identities, or they would
	// share per-node idempotency markers and suppress each other's accepters.
	optsA := testOptions()
	optsA.NodeID = "node-a"
	optsB := testOptions()
	optsB.NodeID = "node-b"

	regA := NewRegistry()
	handleA, err := regA.Create(ctx, "shared-fabric", client, L3Config{}, optsA)
	require.NoError(t, err)
	require.NoError(t, handleA.Start(ctx))
	t.Cleanup(func() { _ = handleA.Shutdown() })

	regB := NewRegistry()
	handleB, err := regB.Create(ctx, "shared-fabric", client, L3Config{}, optsB)
	require.NoError(t, err)
	require.NoError(t, handleB.Start(ctx))
	t.Cleanup(func() { _ = handleB.Shutdown() })

	id := fabricmodel.NewID()
	rec := fabricmodel.NewRecord(id, "player")
	rec.AddAttribute("hp", "10")
	require.NoError(t, handleA.Write(ctx, rec))

	// Node B reads and caches the record locally in its own L1. The read
	// retries briefly since node A's L1->L2 write-behind sync runs in a
	// background goroutine rather than blocking Write.
	require.Eventually(t, func() bool {
		rec, err := handleB.Read(ctx, id)
		if err != nil {
			return false
		}
		v, ok := rec.GetAttribute("hp")
		return ok && v == "10"
	}, 2*time.Second, 20*time.Millisecond, "node B must be able to read node A's initial write")

	// Node A writes an update, which publishes a cross-node sync
	// notification that node B's consumer loop will pick up.
	updated := fabricmodel.NewRecord(id, "player")
	updated.AddAttribute("hp", "20")
	require.NoError(t, handleA.Write(ctx, updated))

	require.Eventually(t, func() bool {
		rec, err := handleB.Read(ctx, id)
		if err != nil {
			return false
		}
		v, ok := rec.GetAttribute("hp")
		return ok && v == "20"
	}, 2*time.Second, 20*time.Millisecond, "node B must observe node A's update after cross-node sync")
}
