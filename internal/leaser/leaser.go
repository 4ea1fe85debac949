// Package leaser implements the shard's bound-claiming loop (spec.md §4.7):
// claim one pending bound atomically, hold it until the watchdog reshuffles
// the partition or the shard shuts down.
package leaser

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/atlasnet/atlasnet/internal/bound"
	"github.com/atlasnet/atlasnet/internal/codec"
	"github.com/atlasnet/atlasnet/internal/discovery"
	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/rs/zerolog"
)

// boundOwnerIndexKey is the reserved hash key under bounds_claimed holding
// the bound_id -> owner secondary index.
const boundOwnerIndexKey = "__by_bound__"

func strconvUint(v uint32) string { return strconv.FormatUint(uint64(v), 10) }

// LookupBoundOwners returns the current bound_id -> owning shard mapping,
// used by the Transfer Coordinator to resolve a target shard for entities
// leaving the local bound (spec.md §4.9).
func LookupBoundOwners(ctx context.Context, store discovery.Store) (map[uint32]identity.NodeIdentity, error) {
	fields, err := store.HGetAll(ctx, discovery.TableBoundsClaimed, boundOwnerIndexKey)
	if err != nil {
		return nil, fmt.Errorf("leaser: lookup bound owners: %w", err)
	}
	out := make(map[uint32]identity.NodeIdentity, len(fields))
	for k, v := range fields {
		id, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			continue
		}
		owner, err := identity.UnmarshalBytes(v)
		if err != nil {
			continue
		}
		out[uint32(id)] = owner
	}
	return out, nil
}

// GenerationKey is the reserved key under bounds_pending that the watchdog
// bumps whenever it replaces the pending set, so leasers can detect a
// reshuffle even once the pending set they originally saw has been fully
// drained by claims (spec.md §4.7 "Rebound").
const GenerationKey = "__generation__"

// Leaser claims and holds one bound for self.
type Leaser struct {
	self  identity.NodeIdentity
	store discovery.Store
	log   zerolog.Logger

	mu          sync.Mutex
	claimed     *bound.Bound
	generation  uint64
	haveGen     bool
}

// New creates a Leaser for self against store.
func New(self identity.NodeIdentity, store discovery.Store, log zerolog.Logger) *Leaser {
	return &Leaser{self: self, store: store, log: log}
}

// Claimed returns the currently held bound, if any.
func (l *Leaser) Claimed() (bound.Bound, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.claimed == nil {
		return bound.Bound{}, false
	}
	return *l.claimed, true
}

// Poll performs one leasing step: if the watchdog has bumped the generation
// since our claim, release; if we hold nothing, attempt to claim one
// pending bound.
func (l *Leaser) Poll(ctx context.Context) error {
	gen, err := l.currentGeneration(ctx)
	if err != nil {
		return fmt.Errorf("leaser: read generation: %w", err)
	}

	l.mu.Lock()
	if l.haveGen && gen != l.generation && l.claimed != nil {
		released := *l.claimed
		l.claimed = nil
		l.mu.Unlock()
		l.log.Info().Uint32("bound_id", released.ID).Msg("leaser: watchdog reshuffled bounds, releasing claim")
	} else {
		l.mu.Unlock()
	}
	l.mu.Lock()
	l.generation = gen
	l.haveGen = true
	holding := l.claimed != nil
	l.mu.Unlock()

	if holding {
		return nil
	}
	return l.tryClaim(ctx)
}

func (l *Leaser) currentGeneration(ctx context.Context) (uint64, error) {
	v, err := l.store.Get(ctx, discovery.TableBoundsPending, GenerationKey)
	if errors.Is(err, discovery.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) < 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(v), nil
}

// tryClaim performs one atomic pop-and-claim attempt. Per the Open Question
// resolution in SPEC_FULL.md/spec.md §9(a), if two shards briefly both
// observe the same candidate row and one loses the race, that loss is
// treated as a no-op: the loser simply retries on the next Poll.
func (l *Leaser) tryClaim(ctx context.Context) error {
	key, shapeBytes, err := l.store.PopOne(ctx, discovery.TableBoundsPending)
	if err == nil && key == GenerationKey {
		// GenerationKey shares bounds_pending with the bounds themselves: set
		// it aside, pop again, and put it back.
		genBytes := shapeBytes
		_, shapeBytes, err = l.store.PopOne(ctx, discovery.TableBoundsPending)
		if serr := l.store.Set(ctx, discovery.TableBoundsPending, GenerationKey, genBytes); serr != nil {
			l.log.Warn().Err(serr).Msg("leaser: restore generation marker")
		}
	}
	if errors.Is(err, discovery.ErrNotFound) {
		return nil // nothing pending this tick; retry later
	}
	if err != nil {
		return &discovery.Error{Kind: discovery.Unavailable, Op: "pop_one", Err: err}
	}

	b, err := bound.Unmarshal(codec.NewReader(shapeBytes))
	if err != nil {
		return fmt.Errorf("leaser: decode claimed shape: %w", err)
	}

	w := codec.NewWriter(32)
	b.Marshal(w)
	if err := l.store.HSet(ctx, discovery.TableBoundsClaimed, l.self.String(), "shape", w.Bytes()); err != nil {
		return fmt.Errorf("leaser: write claim: %w", err)
	}
	// secondary index: bound_id -> owning identity, so the Transfer
	// Coordinator can resolve a target shard without enumerating every
	// claim row by peer identity.
	if err := l.store.HSet(ctx, discovery.TableBoundsClaimed, boundOwnerIndexKey, strconvUint(b.ID), l.self.MarshalBytes()); err != nil {
		return fmt.Errorf("leaser: write bound-owner index: %w", err)
	}

	l.mu.Lock()
	l.claimed = &b
	l.mu.Unlock()
	l.log.Info().Uint32("bound_id", b.ID).Msg("leaser: claimed bound")
	return nil
}

// Release gives up the currently held bound, used on graceful shard
// shutdown (spec.md §3 "bound lease ... released on shard shutdown").
func (l *Leaser) Release(ctx context.Context) error {
	l.mu.Lock()
	claimed := l.claimed
	l.claimed = nil
	l.mu.Unlock()
	if claimed == nil {
		return nil
	}
	if err := l.store.HDel(ctx, discovery.TableBoundsClaimed, l.self.String(), "shape"); err != nil {
		return fmt.Errorf("leaser: release claim: %w", err)
	}
	return nil
}
