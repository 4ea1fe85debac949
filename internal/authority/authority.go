// Package authority implements the per-entity authority tracker (spec.md
// §4.10): each tracked entity is either Authoritative or Passing to a named
// peer, and the tracker produces telemetry snapshots for publication to the
// discovery bulletin's authority_telemetry table.
//
// Grounded on github.com/r2northstar/atlas's pkg/api/api0/serverlist.go: a
// mutex-guarded map of records with a clone-on-read accessor, so iteration
// never observes a record mutated mid-pass.
package authority

import (
	"context"
	"fmt"
	"sync"

	"github.com/atlasnet/atlasnet/internal/codec"
	"github.com/atlasnet/atlasnet/internal/discovery"
	"github.com/atlasnet/atlasnet/internal/entity"
	"github.com/atlasnet/atlasnet/internal/identity"
)

// State is an entity's authority state.
type State uint8

const (
	Authoritative State = iota
	Passing
)

// Entry is the per-entity authority record.
type Entry struct {
	Snapshot  entity.Entity
	State     State
	PassingTo identity.NodeIdentity // zero unless State == Passing
}

// Row is a telemetry-ready projection of an Entry, published to
// authority_telemetry.
type Row struct {
	EntityID entity.ID
	Owner    identity.NodeIdentity // the tracking node's own identity, for Authoritative rows
	PassingTo identity.NodeIdentity
	State    State
	Position [3]float32
	ClientID entity.ID
	IsClient bool
}

// Tracker holds the authority state for every entity a shard currently owns
// or is handing off.
type Tracker struct {
	self identity.NodeIdentity

	mu      sync.RWMutex
	entries map[entity.ID]*Entry
}

// New creates a Tracker for self (used to populate Authoritative rows'
// Owner field in telemetry).
func New(self identity.NodeIdentity) *Tracker {
	return &Tracker{self: self, entries: make(map[entity.ID]*Entry)}
}

// SetOwned replaces the tracked set: entities present in snapshots that
// aren't already tracked enter as Authoritative; entities tracked but not
// present in snapshots are removed.
func (t *Tracker) SetOwned(snapshots []entity.Entity) {
	t.mu.Lock()
	defer t.mu.Unlock()

	want := make(map[entity.ID]entity.Entity, len(snapshots))
	for _, e := range snapshots {
		want[e.EntityID] = e
	}
	for id := range t.entries {
		if _, ok := want[id]; !ok {
			delete(t.entries, id)
		}
	}
	for id, e := range want {
		if existing, ok := t.entries[id]; ok {
			existing.Snapshot = e
		} else {
			t.entries[id] = &Entry{Snapshot: e, State: Authoritative}
		}
	}
}

// MarkPassing records that entityID is being handed off to target. It
// returns true only if this is a new passing decision: either the entity
// was previously Authoritative, or it was already Passing to a different
// target. Calling it twice with the same target returns false the second
// time (spec.md §8 idempotence property).
func (t *Tracker) MarkPassing(entityID entity.ID, target identity.NodeIdentity) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[entityID]
	if !ok {
		return false
	}
	if e.State == Passing && e.PassingTo.Equal(target) {
		return false
	}
	e.State = Passing
	e.PassingTo = target
	return true
}

// MarkAuthoritative resets entityID to Authoritative. It is idempotent: if
// the entity is already Authoritative, this is a no-op.
func (t *Tracker) MarkAuthoritative(entityID entity.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[entityID]; ok {
		e.State = Authoritative
		e.PassingTo = identity.NodeIdentity{}
	}
}

// Get returns a copy of the entry for entityID, if tracked.
func (t *Tracker) Get(entityID entity.ID) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[entityID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns a stable copy of every tracked entry; the tracker is not
// mutated while the caller inspects the result.
func (t *Tracker) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	return out
}

// PublishMinimalSpans writes the tracker's current rows into
// authority_telemetry, one field per entity keyed by self's identity
// string, encoded state/owner/passing_to/position/is_client/client_id — the minimal
// span a telemetry consumer needs to draw per-entity authority ownership
// without round-tripping the full Entry.
func (t *Tracker) PublishMinimalSpans(ctx context.Context, store discovery.Store) error {
	for _, row := range t.CollectTelemetryRows() {
		w := codec.NewWriter(64)
		w.U8(uint8(row.State))
		row.Owner.Marshal(w)
		row.PassingTo.Marshal(w)
		w.F32(row.Position[0])
		w.F32(row.Position[1])
		w.F32(row.Position[2])
		w.Bool(row.IsClient)
		w.UUID(row.ClientID)

		field := row.EntityID.String()
		if err := store.HSet(ctx, discovery.TableAuthorityTelemetry, t.self.String(), field, w.Bytes()); err != nil {
			return fmt.Errorf("authority: publish span %s: %w", field, err)
		}
	}
	return nil
}

// CollectTelemetryRows emits one Row per tracked entity, ready for
// publication to authority_telemetry.
func (t *Tracker) CollectTelemetryRows() []Row {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Row, 0, len(t.entries))
	for id, e := range t.entries {
		r := Row{
			EntityID:  id,
			State:     e.State,
			PassingTo: e.PassingTo,
			ClientID:  e.Snapshot.ClientID,
			IsClient:  e.Snapshot.IsClient,
			Position: [3]float32{
				e.Snapshot.Transform.Position.X,
				e.Snapshot.Transform.Position.Y,
				e.Snapshot.Transform.Position.Z,
			},
		}
		if e.State == Authoritative {
			r.Owner = t.self
		}
		out = append(out, r)
	}
	return out
}
