// Package watchdog drives the Heuristic Engine (spec.md §4.6): it
// periodically partitions the world and publishes the pending/claimed
// bound sets to the discovery bulletin.
package watchdog

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"

	"github.com/atlasnet/atlasnet/internal/codec"
	"github.com/atlasnet/atlasnet/internal/discovery"
	"github.com/atlasnet/atlasnet/internal/heuristic"
	"github.com/atlasnet/atlasnet/internal/leaser"
	"github.com/rs/zerolog"
)

// Publisher owns the watchdog's partitioning loop.
type Publisher struct {
	store     discovery.Store
	h         heuristic.Heuristic
	log       zerolog.Logger

	mu         sync.Mutex
	generation uint64
}

// New creates a Publisher using h to partition the world on each Repartition
// call.
func New(store discovery.Store, h heuristic.Heuristic, log zerolog.Logger) *Publisher {
	return &Publisher{store: store, h: h, log: log}
}

// Repartition computes a fresh bound set from snapshot and republishes it
// as the pending set, bumping the generation counter so shards holding a
// stale claim release it (spec.md §4.7's "Rebound").
//
// Bounds already present in bounds_claimed are not republished as pending,
// preserving the invariant that a bound_id is never simultaneously pending
// and claimed (spec.md §8).
func (p *Publisher) Repartition(ctx context.Context, snapshot heuristic.Snapshot) error {
	bounds := p.h.Partition(snapshot)

	claimedOwners, err := leaser.LookupBoundOwners(ctx, p.store)
	if err != nil {
		return fmt.Errorf("watchdog: lookup claimed bounds: %w", err)
	}

	for _, b := range bounds {
		if _, claimed := claimedOwners[b.ID]; claimed {
			continue
		}
		w := codec.NewWriter(32)
		b.Marshal(w)
		if err := p.store.Set(ctx, discovery.TableBoundsPending, strconv.FormatUint(uint64(b.ID), 10), w.Bytes()); err != nil {
			return fmt.Errorf("watchdog: publish pending bound %d: %w", b.ID, err)
		}
	}

	p.mu.Lock()
	p.generation++
	gen := p.generation
	p.mu.Unlock()

	genBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(genBytes, gen)
	if err := p.store.Set(ctx, discovery.TableBoundsPending, leaser.GenerationKey, genBytes); err != nil {
		return fmt.Errorf("watchdog: publish generation: %w", err)
	}
	p.log.Info().Int("bounds", len(bounds)).Uint64("generation", gen).Msg("watchdog: republished partition")
	return nil
}
