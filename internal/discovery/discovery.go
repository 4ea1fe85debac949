// Package discovery defines the contract for the external KV discovery
// bulletin (spec.md §4.3): server registry, bound claims, health pings, and
// telemetry. Two implementations are provided: an in-memory store for tests
// (see internal/discoverytest) and a Redis-backed store for production (see
// internal/discovery/discoveryredis).
package discovery

import (
	"context"
	"errors"
	"time"
)

// ErrKind classifies a DiscoveryError.
type ErrKind uint8

const (
	Unavailable ErrKind = iota
	StaleRead
	ConflictingWrite
)

func (k ErrKind) String() string {
	switch k {
	case Unavailable:
		return "unavailable"
	case StaleRead:
		return "stale read"
	case ConflictingWrite:
		return "conflicting write"
	default:
		return "unknown discovery error"
	}
}

// Error wraps a DiscoveryError per spec.md §7.
type Error struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "discovery: " + e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
	}
	return "discovery: " + e.Op + ": " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNotFound is returned by Get/HGet for a missing key/field. It is
// distinct from the DiscoveryError kinds: a clean miss is not a discovery
// failure.
var ErrNotFound = errors.New("discovery: not found")

// Table names used by AtlasNet's logical namespaces (spec.md §4.3). These
// are internal conventions; any string may be used as a table/key by a test
// harness substituting its own store.
const (
	TableServerRegistry      = "server_registry"
	TableBoundsPending       = "bounds_pending"
	TableBoundsClaimed       = "bounds_claimed"
	TableHealthPings         = "health_pings"
	TableNetworkTelemetry    = "network_telemetry"
	TableAuthorityTelemetry  = "authority_telemetry"
	TableTestOwnerKey        = "test_owner_key"
	TableTransferManifest    = "transfer_manifest"
)

// Store is the full discovery bulletin contract (spec.md §4.3).
type Store interface {
	// Get returns the value stored at table/key. Returns ErrNotFound if
	// absent.
	Get(ctx context.Context, table, key string) ([]byte, error)
	// Set stores value at table/key, overwriting any existing value.
	Set(ctx context.Context, table, key string, value []byte) error
	// Del removes table/key. It is not an error if absent.
	Del(ctx context.Context, table, key string) error
	// Expire sets a TTL on table/key. Returns ErrNotFound if absent.
	Expire(ctx context.Context, table, key string, ttl time.Duration) error
	// TTL returns the remaining TTL for table/key, or a negative duration if
	// the key has no TTL. Returns ErrNotFound if absent.
	TTL(ctx context.Context, table, key string) (time.Duration, error)
	// Exists reports whether table/key is present.
	Exists(ctx context.Context, table, key string) (bool, error)

	// HSet stores value at table/key/field within a hash-shaped row.
	HSet(ctx context.Context, table, key, field string, value []byte) error
	// HGet returns the value at table/key/field. Returns ErrNotFound if
	// absent.
	HGet(ctx context.Context, table, key, field string) ([]byte, error)
	// HGetAll returns every field/value pair at table/key.
	HGetAll(ctx context.Context, table, key string) (map[string][]byte, error)
	// HDel removes table/key/field.
	HDel(ctx context.Context, table, key, field string) error
	// HExists reports whether table/key/field is present.
	HExists(ctx context.Context, table, key, field string) (bool, error)
	// HIncrBy atomically adds delta to the integer stored at
	// table/key/field (treated as 0 if absent) and returns the new value.
	HIncrBy(ctx context.Context, table, key, field string, delta int64) (int64, error)

	// ServerTimeNow returns the store's notion of the current time, used so
	// all nodes agree on expiry comparisons even under clock skew.
	ServerTimeNow(ctx context.Context) (time.Time, error)

	// PopOne atomically removes and returns one arbitrary (key, value) pair
	// from table, used for bound leasing (spec.md §4.7). Returns
	// ErrNotFound if table is empty.
	PopOne(ctx context.Context, table string) (key string, value []byte, err error)
}
