// Package fabricconfig loads the tunables a Legacy Data Fabric instance is
// constructed with (tier TTLs, persistence cadence, retry bounds, consumer
// parallelism): Viper-backed, with environment variable overrides and
// in-code defaults. It does not stand up a CLI or an HTTP surface; the
// fabric is embedded, and this package only exists to keep "how does a
// fabric get configured" from being hand-rolled flag parsing.
package fabricconfig

import (
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// TierOptions configures a single named fabric, matching the options listed
// for Fabric.create() in the fabric service façade.
type TierOptions struct {
	// NodeID identifies this node across restarts. The stream bus keys its
	// per-node idempotency markers on it, so it must be stable for the
	// lifetime of the node, not the process: a node that comes back with a
	// fresh identity loses sight of its own processed markers and re-accepts
	// entries it had already handled. Defaults to the hostname.
	NodeID string

	L1TTL        time.Duration // idle-TTL for the in-process tier, default 30m
	L1MaxEntries int           // bounded size of the in-process tier, default 100_000

	L2URL string        // shared in-memory store connection string (redis://...)
	L2TTL time.Duration // per-key TTL applied on L2 writes, default 24h

	L3URL      string // document store connection string
	L3Database string // document store database/collection prefix

	PersistencePeriod      time.Duration // periodic persistence cadence, default 30s
	PersistenceBatch       int           // max records per L2->L3 run, default 1000
	PersistenceConcurrency int           // bounded L1->L2 sync concurrency, default 16

	RetryMaxAttempts int // max sync-l1-l2 attempts before PERSISTENCE_EXHAUSTED, default 5

	ConsumerParallelism int           // lightweight tasks fanned out per stream entry, default 16
	ConsumerTick        time.Duration // poll interval for the stream bus consumer loop, default 1s

	LockWaitDefault  time.Duration // default waitTime for executeUnderLock, default 5s
	LockLeaseDefault time.Duration // default leaseTime for executeUnderLock, default 30s
}

// Defaults returns the baseline tunables every fabric starts from.
func Defaults() TierOptions {
	return TierOptions{
		NodeID:                 defaultNodeID(),
		L1TTL:                  30 * time.Minute,
		L1MaxEntries:           100_000,
		L2URL:                  "redis://localhost:6379/0",
		L2TTL:                  24 * time.Hour,
		L3URL:                  "http://localhost:5984",
		L3Database:             "legacy",
		PersistencePeriod:      30 * time.Second,
		PersistenceBatch:       1000,
		PersistenceConcurrency: 16,
		RetryMaxAttempts:       5,
		ConsumerParallelism:    16,
		ConsumerTick:           time.Second,
		LockWaitDefault:        5 * time.Second,
		LockLeaseDefault:       30 * time.Second,
	}
}

// defaultNodeID derives a node identity that survives process restarts. The
// hostname is stable per machine/container; the uuid fallback only fires
// when the hostname cannot be read at all, and deployments hitting it should
// set NodeID explicitly.
func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.New().String()
	}
	return host
}

// Load reads TierOptions from environment variables under the given prefix
// (e.g. prefix "FABRIC" maps FABRIC_L2_URL -> L2URL), falling back to
// Defaults() for anything unset: Viper AutomaticEnv plus SetDefault, with
// no flag-binding layer.
func Load(prefix string) TierOptions {
	d := Defaults()

	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("node_id", d.NodeID)
	v.SetDefault("l1_ttl", d.L1TTL)
	v.SetDefault("l1_max_entries", d.L1MaxEntries)
	v.SetDefault("l2_url", d.L2URL)
	v.SetDefault("l2_ttl", d.L2TTL)
	v.SetDefault("l3_url", d.L3URL)
	v.SetDefault("l3_database", d.L3Database)
	v.SetDefault("persistence_period", d.PersistencePeriod)
	v.SetDefault("persistence_batch", d.PersistenceBatch)
	v.SetDefault("persistence_concurrency", d.PersistenceConcurrency)
	v.SetDefault("retry_max_attempts", d.RetryMaxAttempts)
	v.SetDefault("consumer_parallelism", d.ConsumerParallelism)
	v.SetDefault("consumer_tick", d.ConsumerTick)
	v.SetDefault("lock_wait_default", d.LockWaitDefault)
	v.SetDefault("lock_lease_default", d.LockLeaseDefault)

	return TierOptions{
		NodeID:                 v.GetString("node_id"),
		L1TTL:                  v.GetDuration("l1_ttl"),
		L1MaxEntries:           v.GetInt("l1_max_entries"),
		L2URL:                  v.GetString("l2_url"),
		L2TTL:                  v.GetDuration("l2_ttl"),
		L3URL:                  v.GetString("l3_url"),
		L3Database:             v.GetString("l3_database"),
		PersistencePeriod:      v.GetDuration("persistence_period"),
		PersistenceBatch:       v.GetInt("persistence_batch"),
		PersistenceConcurrency: v.GetInt("persistence_concurrency"),
		RetryMaxAttempts:       v.GetInt("retry_max_attempts"),
		ConsumerParallelism:    v.GetInt("consumer_parallelism"),
		ConsumerTick:           v.GetDuration("consumer_tick"),
		LockWaitDefault:        v.GetDuration("lock_wait_default"),
		LockLeaseDefault:       v.GetDuration("lock_lease_default"),
	}
}
