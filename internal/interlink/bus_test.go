package interlink

import (
	"testing"

	"github.com/atlasnet/atlasnet/internal/codec"
	"github.com/atlasnet/atlasnet/internal/identity"
)

type pingPacket struct{}

func (pingPacket) TypeID() uint32                     { return 1 }
func (pingPacket) MarshalBody(w *codec.Writer)         {}
func (pingPacket) UnmarshalBody(r *codec.Reader) error { return nil }
func (pingPacket) Validate() error                     { return nil }

func TestBusDispatchInvokesMatchingHandlers(t *testing.T) {
	b := NewBus()
	var calls int
	b.Subscribe(1, func(p Packet, from identity.NodeIdentity) { calls++ })
	b.Subscribe(2, func(p Packet, from identity.NodeIdentity) { calls += 100 })

	b.Dispatch(pingPacket{}, identity.NodeIdentity{})
	if calls != 1 {
		t.Fatalf("expected only the type_id 1 handler to fire, got calls=%d", calls)
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	var calls int
	sub := b.Subscribe(1, func(p Packet, from identity.NodeIdentity) { calls++ })

	b.Dispatch(pingPacket{}, identity.NodeIdentity{})
	sub.Unsubscribe()
	b.Dispatch(pingPacket{}, identity.NodeIdentity{})

	if calls != 1 {
		t.Fatalf("expected handler to stop firing after Unsubscribe, got calls=%d", calls)
	}
}

func TestBusCullRemovesDeadEntries(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(1, func(p Packet, from identity.NodeIdentity) {})
	b.Subscribe(1, func(p Packet, from identity.NodeIdentity) {})
	sub.Unsubscribe()

	b.Cull()
	if len(b.entries) != 1 {
		t.Fatalf("expected Cull to leave 1 live entry, got %d", len(b.entries))
	}
}

func TestSubscriptionUnsubscribeNilSafe(t *testing.T) {
	var s Subscription
	s.Unsubscribe() // must not panic
}
