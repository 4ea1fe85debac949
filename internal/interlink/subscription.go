package interlink

import (
	"sync"
	"sync/atomic"

	"github.com/atlasnet/atlasnet/internal/identity"
)

// Handler receives a decoded packet and the identity of the peer that sent
// it.
type Handler func(p Packet, from identity.NodeIdentity)

// Subscription is a move-only RAII token returned by Bus.Subscribe. Dropping
// it (calling Unsubscribe) flips an atomic alive flag; the handler is culled
// from the bus's live list on the next cleanup pass rather than removed
// synchronously, per spec.md §4.4's "dispatch is lock-free on the hot path"
// requirement.
type Subscription struct {
	alive *atomic.Bool
}

// Unsubscribe deactivates the subscription. It is idempotent and safe to
// call from any goroutine, including from within a handler invocation.
func (s Subscription) Unsubscribe() {
	if s.alive != nil {
		s.alive.Store(false)
	}
}

type entry struct {
	typeID  uint32
	handler Handler
	alive   *atomic.Bool
}

// Bus is the per-node subscription bus: handlers register by packet
// type_id, and Dispatch invokes every live handler for a decoded packet's
// type_id.
//
// Dispatch snapshots the handler list under a short lock, releases it, then
// invokes each handler outside the lock; each entry's alive flag is read
// just before its handler would run, so a handler dropped during dispatch
// (via Unsubscribe) before its turn is not invoked.
type Bus struct {
	mu      sync.Mutex
	entries []*entry
}

// NewBus creates an empty subscription bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers handler for packets of the given type_id and returns a
// Subscription controlling its lifetime.
func (b *Bus) Subscribe(typeID uint32, handler Handler) Subscription {
	alive := &atomic.Bool{}
	alive.Store(true)
	e := &entry{typeID: typeID, handler: handler, alive: alive}

	b.mu.Lock()
	b.entries = append(b.entries, e)
	b.mu.Unlock()

	return Subscription{alive: alive}
}

// Dispatch invokes every live handler subscribed to p's type_id.
func (b *Bus) Dispatch(p Packet, from identity.NodeIdentity) {
	b.mu.Lock()
	snapshot := make([]*entry, len(b.entries))
	copy(snapshot, b.entries)
	b.mu.Unlock()

	for _, e := range snapshot {
		if e.typeID != p.TypeID() {
			continue
		}
		// acquire ordering: pairs with the Store(false) in Unsubscribe, so a
		// handler that was alive when snapshotted but has since been
		// dropped is skipped rather than invoked on stale state.
		if !e.alive.Load() {
			continue
		}
		e.handler(p, from)
	}
}

// Cull removes dead entries from the bus. Called periodically (e.g. once
// per Interlink tick) rather than synchronously on Unsubscribe, to keep
// Unsubscribe itself lock-free.
func (b *Bus) Cull() {
	b.mu.Lock()
	defer b.mu.Unlock()
	live := b.entries[:0]
	for _, e := range b.entries {
		if e.alive.Load() {
			live = append(live, e)
		}
	}
	b.entries = live
}
