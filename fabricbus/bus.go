// Package fabricbus implements the stream bus: a shared, per-fabric
// append-only ordered log that nodes publish writes to and consume from, with
// per-node-per-accepter idempotency and TTL-based trim. It is built on a
// redis stream (XADD/XRANGE/XTRIM), which gives opaque, monotonic,
// totally-ordered entry IDs for free and lets independent per-node readers
// advance without racing each other's trims the way a plain list's
// positional indices would. The shared store is driven directly through
// *redis.Client rather than through an abstraction layer.
package fabricbus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/legacylands/fabric/fabriberr"
	"github.com/legacylands/fabric/fabriclog"
)

// Entry is a single stream-bus record. EntryID is the redis stream ID
// (e.g. "1700000000000-0"), which is already opaque, monotonic and totally
// ordered within the log.
type Entry struct {
	EntryID         string
	Action          string
	Payload         string
	PublishedMillis int64
	TTLMillis       int64
}

func (e Entry) expired(now time.Time) bool {
	if e.TTLMillis <= 0 {
		return false
	}
	return now.UnixMilli() > e.PublishedMillis+e.TTLMillis
}

// Accepter handles entries published for one action name. Accept is invoked
// at most once per (node, accepter, entry).
type Accepter interface {
	ActionName() string
	Accept(ctx context.Context, entry Entry) error
}

// AccepterFunc adapts a plain function to Accepter, the shape the built-in
// and custom registrations use.
type AccepterFunc struct {
	Action string
	Fn     func(ctx context.Context, entry Entry) error
}

func (a AccepterFunc) ActionName() string                            { return a.Action }
func (a AccepterFunc) Accept(ctx context.Context, entry Entry) error { return a.Fn(ctx, entry) }

// Config configures a Bus.
type Config struct {
	Client *redis.Client
	// Fabric is the owning fabric's name; the stream key and idempotency
	// sets are namespaced under it so multiple fabrics can share one redis.
	Fabric string
	// NodeID identifies this node for per-node idempotency bookkeeping. It
	// must be stable across restarts, or the node loses sight of its own
	// processed markers and re-accepts entries it had already handled;
	// fabricconfig derives a hostname-based default. Empty falls back to a
	// freshly generated uuid, which is only suitable for throwaway buses.
	NodeID string
	// PollPeriod is how often the consumer loop checks for new entries.
	// Defaults to 200ms.
	PollPeriod time.Duration
	// TrimPeekCount bounds how many of the stream's oldest entries a trim
	// pass inspects per cycle. Defaults to 64.
	TrimPeekCount int64
	// ConsumerParallelism bounds how many accepters a single deliver() call
	// may run concurrently for one entry. Defaults to 16.
	ConsumerParallelism int
}

// namedAccepter carries the caller-assigned idempotency identity alongside
// the accepter, since two accepters registered for the same action must
// never share a dedup record.
type namedAccepter struct {
	id string
	Accepter
}

// Bus is the per-fabric stream bus: one redis stream, plus a registry of
// accepters this node's consumer loop dispatches to.
type Bus struct {
	client        *redis.Client
	key           string
	nodeID        string
	poll          time.Duration
	trimPeekCount int64
	parallelism   int

	mu        sync.RWMutex
	accepters map[string][]namedAccepter

	lastID string // exclusive lower bound for the next XRange read

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Bus bound to one fabric's stream key.
func New(cfg Config) *Bus {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.New().String()
	}
	poll := cfg.PollPeriod
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	peek := cfg.TrimPeekCount
	if peek <= 0 {
		peek = 64
	}
	parallelism := cfg.ConsumerParallelism
	if parallelism <= 0 {
		parallelism = 16
	}
	return &Bus{
		client:        cfg.Client,
		key:           "fabric:bus:" + cfg.Fabric,
		nodeID:        nodeID,
		poll:          poll,
		trimPeekCount: peek,
		parallelism:   parallelism,
		accepters:     make(map[string][]namedAccepter),
		lastID:        "0",
		stopCh:        make(chan struct{}),
	}
}

func (b *Bus) processedKey(accepterID string) string {
	return b.key + ":processed:" + accepterID
}

// RegisterAccepter adds an accepter for its ActionName(). Multiple accepters
// may register for the same action; each is dispatched independently and
// idempotency is tracked per accepter, not per action.
func (b *Bus) RegisterAccepter(accepterID string, accepter Accepter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	action := accepter.ActionName()
	b.accepters[action] = append(b.accepters[action], namedAccepter{id: accepterID, Accepter: accepter})
}

// Publish appends a new entry to the stream. Failures surface as
// BUS_UNAVAILABLE.
func (b *Bus) Publish(ctx context.Context, action, payload string, ttl time.Duration) error {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.key,
		Values: map[string]interface{}{
			"action":          action,
			"payload":         payload,
			"publishedMillis": time.Now().UnixMilli(),
			"ttlMillis":       ttl.Milliseconds(),
		},
	}).Result()
	if err != nil {
		return fabriberr.New(fabriberr.BusUnavailable, "fabricbus.Publish", action, err)
	}
	_ = id
	return nil
}

// Run drives the consumer loop (one per node per fabric) until ctx is
// cancelled or Close is called. Intended to be started
// in its own goroutine by the fabric façade when a handle transitions to
// RUNNING.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.drain(ctx)
			b.maybeTrim(ctx)
		}
	}
}

// drain delivers every not-yet-seen entry to this node's accepters in
// publish order.
func (b *Bus) drain(ctx context.Context) {
	msgs, err := b.client.XRange(ctx, b.key, "("+b.lastID, "+").Result()
	if err != nil {
		fabriclog.For(b.key).WithError(err).Warn("stream bus drain failed to read log")
		return
	}
	if len(msgs) == 0 {
		return
	}

	now := time.Now()
	for _, msg := range msgs {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		default:
		}

		entry := entryFromMessage(msg)
		b.lastID = msg.ID

		if entry.expired(now) {
			continue
		}
		b.deliver(ctx, entry)
	}
}

func entryFromMessage(msg redis.XMessage) Entry {
	e := Entry{EntryID: msg.ID}
	if v, ok := msg.Values["action"].(string); ok {
		e.Action = v
	}
	if v, ok := msg.Values["payload"].(string); ok {
		e.Payload = v
	}
	if v, ok := msg.Values["publishedMillis"]; ok {
		e.PublishedMillis = toInt64(v)
	}
	if v, ok := msg.Values["ttlMillis"]; ok {
		e.TTLMillis = toInt64(v)
	}
	return e
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

// deliver resolves accepters for entry.Action and invokes each one that has
// no processed marker yet for (node, accepter, entry); a marker is recorded
// only after a successful Accept. Concurrent dispatch is
// bounded by parallelism (fabricconfig's ConsumerParallelism) so an entry
// with many registered accepters can't fan out an unbounded number of
// goroutines at once, the same way fabriccache bounds its persistence sweep.
func (b *Bus) deliver(ctx context.Context, entry Entry) {
	b.mu.RLock()
	accepters := append([]namedAccepter(nil), b.accepters[entry.Action]...)
	b.mu.RUnlock()
	if len(accepters) == 0 {
		return
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(b.parallelism)
	for _, na := range accepters {
		na := na
		group.Go(func() error {
			b.deliverOne(groupCtx, na, entry)
			return nil
		})
	}
	_ = group.Wait()
}

func (b *Bus) deliverOne(ctx context.Context, na namedAccepter, entry Entry) {
	processedKey := b.processedKey(na.id)
	member := b.nodeID + ":" + entry.EntryID

	already, err := b.client.SIsMember(ctx, processedKey, member).Result()
	if err != nil {
		fabriclog.For(b.key).WithError(err).WithField(fabriclog.FieldEntryID, entry.EntryID).Warn("idempotency check failed")
		return
	}
	if already {
		return
	}

	if err := na.Accept(ctx, entry); err != nil {
		fabriclog.For(b.key).WithError(err).
			WithField(fabriclog.FieldAction, entry.Action).
			WithField(fabriclog.FieldEntryID, entry.EntryID).
			Warn("accepter failed; entry left unmarked and redelivered only when this node re-reads the log")
		return
	}

	if err := b.client.SAdd(ctx, processedKey, member).Err(); err != nil {
		fabriclog.For(b.key).WithError(err).WithField(fabriclog.FieldEntryID, entry.EntryID).Warn("failed to record processed marker")
	}
}

// maybeTrim inspects the stream's oldest entries and, if a contiguous prefix
// of them has passed its TTL, trims exactly that prefix: the first consumer
// observing a TTL-expired entry trims it. Scanning only the head
// means a node that is still behind on delivery never loses an entry it
// hasn't read yet: only confirmed-expired entries are ever removed, and
// expiry is a property of the entry itself, not of any one node's progress.
func (b *Bus) maybeTrim(ctx context.Context) {
	msgs, err := b.client.XRangeN(ctx, b.key, "-", "+", b.trimPeekCount).Result()
	if err != nil {
		fabriclog.For(b.key).WithError(err).Warn("stream bus trim peek failed")
		return
	}
	if len(msgs) == 0 {
		return
	}

	now := time.Now()
	trimThroughID := ""
	keepFromID := ""
	for _, msg := range msgs {
		entry := entryFromMessage(msg)
		if !entry.expired(now) {
			keepFromID = msg.ID
			break
		}
		trimThroughID = msg.ID
	}
	if trimThroughID == "" {
		return
	}
	if keepFromID == "" {
		// Every peeked entry expired: keep from the ID right after the last one.
		var ms, seq uint64
		if _, err := fmt.Sscanf(trimThroughID, "%d-%d", &ms, &seq); err != nil {
			return
		}
		keepFromID = fmt.Sprintf("%d-%d", ms, seq+1)
	}

	// MINID drops every entry whose ID is lower than keepFromID, so
	// trimThroughID itself (and everything older) is dropped while the first
	// still-live entry stays.
	if err := b.client.XTrimMinID(ctx, b.key, keepFromID).Err(); err != nil {
		fabriclog.For(b.key).WithError(err).Warn("stream bus trim failed")
	}
}

// Close stops the consumer loop after it finishes the entry it is currently
// on; un-trimmed entries remain for other nodes.
func (b *Bus) Close() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// String names the bus for diagnostics.
func (b *Bus) String() string { return fmt.Sprintf("fabricbus(%s)", b.key) }
