// Package ledger implements the shard's in-memory entity store (spec.md
// §4.8): a keyed map of locally owned entities, plus the background sweep
// that detects residents who have wandered outside the shard's claimed
// bound.
//
// Grounded on github.com/r2northstar/atlas's pkg/storage/memstore: a
// mutex-guarded map with typed insert/read/erase accessors, generalized
// with the in-transit set spec.md §4.8/§4.9 requires (shared with the
// Transfer Coordinator under one mutex, per spec.md §5).
package ledger

import (
	"sync"

	"github.com/atlasnet/atlasnet/internal/bound"
	"github.com/atlasnet/atlasnet/internal/entity"
)

// Ledger is a shard's locally owned entity store.
type Ledger struct {
	mu        sync.Mutex
	entities  map[entity.ID]entity.Entity
	inTransit map[entity.ID]struct{}
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		entities:  make(map[entity.ID]entity.Entity),
		inTransit: make(map[entity.ID]struct{}),
	}
}

// InsertNew adds e to the ledger. If an entity with the same ID already
// exists, it is overwritten (callers are expected to use UpsertSnapshot for
// the transfer-receipt path, which intentionally replaces the previous
// entity with incremented transfer_generation).
func (l *Ledger) InsertNew(e entity.Entity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entities[e.EntityID] = e.Clone()
}

// UpsertSnapshot replaces the stored entity for e.EntityID, used when a
// receiving shard adopts a transferred entity at Commit (spec.md §4.9).
func (l *Ledger) UpsertSnapshot(e entity.Entity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entities[e.EntityID] = e.Clone()
	delete(l.inTransit, e.EntityID)
}

// Erase removes id from the ledger and returns the removed entity, if
// present. Used by the sending side of a transfer at Commit-emission
// (spec.md §4.9).
func (l *Ledger) Erase(id entity.ID) (entity.Entity, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entities[id]
	if ok {
		delete(l.entities, id)
	}
	return e, ok
}

// Read returns a copy of the entity with the given ID, if present.
func (l *Ledger) Read(id entity.ID) (entity.Entity, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entities[id]
	return e, ok
}

// Update applies fn to the entity with id, if present and not in-transit,
// storing the result back. Returns false if the entity is missing or
// currently in-transit (the ledger must not mutate an in-transit entity
// except via the Transfer Coordinator, spec.md §4.8).
func (l *Ledger) Update(id entity.ID, fn func(entity.Entity) entity.Entity) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, transit := l.inTransit[id]; transit {
		return false
	}
	e, ok := l.entities[id]
	if !ok {
		return false
	}
	l.entities[id] = fn(e)
	return true
}

// SnapshotAll returns a copy of every entity currently in the ledger,
// including ones in-transit (callers that need to exclude in-transit
// entities should use Sweep's return value to filter).
func (l *Ledger) SnapshotAll() []entity.Entity {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]entity.Entity, 0, len(l.entities))
	for _, e := range l.entities {
		out = append(out, e.Clone())
	}
	return out
}

// IsInTransit reports whether id is currently marked in-transit.
func (l *Ledger) IsInTransit(id entity.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.inTransit[id]
	return ok
}

// MarkInTransit adds id to the in-transit set. It returns false if id was
// already in-transit (at-most-one-transfer-per-entity, spec.md §4.9).
func (l *Ledger) MarkInTransit(id entity.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.inTransit[id]; ok {
		return false
	}
	l.inTransit[id] = struct{}{}
	return true
}

// ClearInTransit removes id from the in-transit set, regardless of whether
// the entity itself was erased (sending side) or not (receiving side never
// has it marked).
func (l *Ledger) ClearInTransit(id entity.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inTransit, id)
}

// Sweep scans every entity not already marked in-transit and reports those
// whose position has left claimed (spec.md §4.8). Reported entities are
// marked in-transit as part of the same locked pass, so a concurrent sweep
// or transfer attempt can't double-schedule them.
func (l *Ledger) Sweep(claimed bound.Bound) []entity.Entity {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []entity.Entity
	for id, e := range l.entities {
		if _, transit := l.inTransit[id]; transit {
			continue
		}
		if claimed.Contains(e.Transform.Position) {
			continue
		}
		l.inTransit[id] = struct{}{}
		out = append(out, e.Clone())
	}
	return out
}
