package fabricbus

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

func newTestBus(t *testing.T, nodeID string) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus := New(Config{Client: client, Fabric: "test-fabric", NodeID: nodeID, PollPeriod: time.Hour})
	return bus, mr
}

type recordingAccepter struct {
	mu      sync.Mutex
	action  string
	entries []Entry
	fail    bool
}

func (a *recordingAccepter) ActionName() string { return a.action }

func (a *recordingAccepter) Accept(_ context.Context, e Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		a.fail = false
		return assertErr
	}
	a.entries = append(a.entries, e)
	return nil
}

func (a *recordingAccepter) seen() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Entry(nil), a.entries...)
}

var assertErr = &testAcceptError{}

type testAcceptError struct{}

func (*testAcceptError) Error() string { return "accept failed" }

func TestBusPublishThenDrainDeliversToAccepter(t *testing.T) {
	bus, _ := newTestBus(t, "node-a")
	ctx := context.Background()

	acc := &recordingAccepter{action: "player-data-sync-id"}
	bus.RegisterAccepter("acc-1", acc)

	require.NoError(t, bus.Publish(ctx, "player-data-sync-id", "player-42", time.Minute))
	bus.drain(ctx)

	seen := acc.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, "player-42", seen[0].Payload)
}

func TestBusDrainSkipsUnregisteredAction(t *testing.T) {
	bus, _ := newTestBus(t, "node-a")
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "no-such-action", "payload", time.Minute))
	bus.drain(ctx) // must not panic or error with zero accepters registered
}

func TestBusDeliversEachEntryOnceToSameAccepterAcrossPolls(t *testing.T) {
	bus, _ := newTestBus(t, "node-a")
	ctx := context.Background()

	acc := &recordingAccepter{action: "player-data-sync-id"}
	bus.RegisterAccepter("acc-1", acc)

	require.NoError(t, bus.Publish(ctx, "player-data-sync-id", "player-1", time.Minute))
	bus.drain(ctx)
	bus.drain(ctx) // re-running drain must not redeliver the same entry

	assert.Len(t, acc.seen(), 1)
}

func TestBusRestartWithStableNodeIDDoesNotRedeliver(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()

	first := New(Config{Client: client, Fabric: "restart", NodeID: "node-a", PollPeriod: time.Hour})
	acc := &recordingAccepter{action: "player-data-sync-id"}
	first.RegisterAccepter("acc", acc)

	require.NoError(t, first.Publish(ctx, "player-data-sync-id", "player-1", time.Minute))
	first.drain(ctx)
	require.Len(t, acc.seen(), 1)
	first.Close()

	// A restarted consumer process keeps its node identity; the processed
	// markers live in the shared store, so the entry must not be re-invoked.
	restarted := New(Config{Client: client, Fabric: "restart", NodeID: "node-a", PollPeriod: time.Hour})
	accAfter := &recordingAccepter{action: "player-data-sync-id"}
	restarted.RegisterAccepter("acc", accAfter)
	restarted.drain(ctx)

	assert.Empty(t, accAfter.seen(), "a crash-restart must not re-invoke an already-marked entry for the same accepter")
}

func TestBusFailedAcceptIsRetriedOnNextDrain(t *testing.T) {
	bus, _ := newTestBus(t, "node-a")
	ctx := context.Background()

	acc := &recordingAccepter{action: "player-data-sync-id", fail: true}
	bus.RegisterAccepter("acc-1", acc)

	require.NoError(t, bus.Publish(ctx, "player-data-sync-id", "player-1", time.Minute))
	bus.drain(ctx) // first attempt fails, no processed marker recorded
	require.Empty(t, acc.seen())

	bus.lastID = "0" // re-read the same window from the start, as a restarted consumer does
	bus.drain(ctx)
	assert.Len(t, acc.seen(), 1)
}

func TestBusDeliversInPublishOrder(t *testing.T) {
	bus, _ := newTestBus(t, "node-a")
	ctx := context.Background()

	acc := &recordingAccepter{action: "player-data-sync-id"}
	bus.RegisterAccepter("acc-1", acc)

	require.NoError(t, bus.Publish(ctx, "player-data-sync-id", "first", time.Minute))
	require.NoError(t, bus.Publish(ctx, "player-data-sync-id", "second", time.Minute))
	require.NoError(t, bus.Publish(ctx, "player-data-sync-id", "third", time.Minute))
	bus.drain(ctx)

	seen := acc.seen()
	require.Len(t, seen, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{seen[0].Payload, seen[1].Payload, seen[2].Payload})
}

func TestBusTwoNodesEachSeeTheSameEntry(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	busA := New(Config{Client: client, Fabric: "shared", NodeID: "node-a", PollPeriod: time.Hour})
	busB := New(Config{Client: client, Fabric: "shared", NodeID: "node-b", PollPeriod: time.Hour})

	accA := &recordingAccepter{action: "player-data-sync-id"}
	accB := &recordingAccepter{action: "player-data-sync-id"}
	busA.RegisterAccepter("acc", accA)
	busB.RegisterAccepter("acc", accB)

	ctx := context.Background()
	require.NoError(t, busA.Publish(ctx, "player-data-sync-id", "shared-payload", time.Minute))

	busA.drain(ctx)
	busB.drain(ctx)

	require.Len(t, accA.seen(), 1)
	require.Len(t, accB.seen(), 1, "across nodes the same entry may be processed once per node")
}

func TestBusMaybeTrimRemovesExpiredPrefixOnly(t *testing.T) {
	bus, _ := newTestBus(t, "node-a")
	ctx := context.Background()

	acc := &recordingAccepter{action: "act"}
	bus.RegisterAccepter("acc", acc)

	require.NoError(t, bus.Publish(ctx, "act", "expires-fast", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, bus.Publish(ctx, "act", "lives-long", time.Hour))

	bus.drain(ctx)
	bus.maybeTrim(ctx)

	// Draining again from scratch (simulating a restarted node with no
	// cursor) must only find the still-live entry, since the expired one
	// was trimmed out of the shared log.
	fresh := New(Config{Client: bus.client, Fabric: "test-fabric", NodeID: "fresh-node", PollPeriod: time.Hour})
	freshAcc := &recordingAccepter{action: "act"}
	fresh.RegisterAccepter("acc2", freshAcc)
	fresh.drain(ctx)

	seen := freshAcc.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, "lives-long", seen[0].Payload)
}

func TestBusMaybeTrimLeavesUnexpiredEntriesForSlowerNode(t *testing.T) {
	bus, _ := newTestBus(t, "node-a")
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "act", "payload-one", time.Hour))
	bus.maybeTrim(ctx) // nothing expired yet; must be a no-op

	fresh := New(Config{Client: bus.client, Fabric: "test-fabric", NodeID: "slow-node", PollPeriod: time.Hour})
	acc := &recordingAccepter{action: "act"}
	fresh.RegisterAccepter("acc", acc)
	fresh.drain(ctx)

	require.Len(t, acc.seen(), 1, "a slow node must still see an entry that has not expired")
}
