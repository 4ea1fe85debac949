package commandbus

import (
	"context"
	"testing"

	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/atlasnet/atlasnet/internal/interlink"
	"github.com/google/uuid"
)

type recordedSend struct {
	target identity.NodeIdentity
	packet interlink.Packet
}

type fakeSender struct {
	sent []recordedSend
}

func (f *fakeSender) Send(ctx context.Context, target identity.NodeIdentity, packet interlink.Packet, r interlink.Reliability) error {
	f.sent = append(f.sent, recordedSend{target: target, packet: packet})
	return nil
}

func TestClientIntentBusFlushSendsBufferedCommands(t *testing.T) {
	reg := NewRegistry()
	reg.Register("PingCommand", func() Command { return &pingCommand{} })
	sender := &fakeSender{}
	shard := identity.New(identity.RoleShard)
	bus := NewClientIntentBus(reg, sender, shard)

	bus.Dispatch(&pingCommand{Seq: 1})
	bus.Dispatch(&pingCommand{Seq: 2})

	if err := bus.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(sender.sent))
	}
	for i, want := range []uint32{1, 2} {
		pkt, ok := sender.sent[i].packet.(*ClientIntentCommandPacket)
		if !ok {
			t.Fatalf("expected *ClientIntentCommandPacket, got %T", sender.sent[i].packet)
		}
		cmd, err := DecodeClientIntent(reg, pkt)
		if err != nil {
			t.Fatalf("DecodeClientIntent: %v", err)
		}
		if cmd.(*pingCommand).Seq != want {
			t.Errorf("entry %d: expected seq %d, got %d", i, want, cmd.(*pingCommand).Seq)
		}
		if !sender.sent[i].target.Equal(shard) {
			t.Errorf("entry %d: expected target %v, got %v", i, shard, sender.sent[i].target)
		}
	}
}

func TestClientIntentBusFlushWithNothingPendingIsNoop(t *testing.T) {
	reg := NewRegistry()
	sender := &fakeSender{}
	bus := NewClientIntentBus(reg, sender, identity.New(identity.RoleShard))
	if err := bus.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Errorf("expected zero sends, got %d", len(sender.sent))
	}
}

func TestServerStateBusFlushResolvesEachClientProxy(t *testing.T) {
	reg := NewRegistry()
	reg.Register("PingCommand", func() Command { return &pingCommand{} })
	sender := &fakeSender{}
	clientA := uuid.New()
	clientB := uuid.New()
	proxyA := identity.New(identity.RoleProxy)
	proxyB := identity.New(identity.RoleProxy)

	resolve := func(ctx context.Context, clientID uuid.UUID) (identity.NodeIdentity, error) {
		if clientID == clientA {
			return proxyA, nil
		}
		return proxyB, nil
	}
	bus := NewServerStateBus(reg, sender, resolve)
	bus.Dispatch(clientA, &pingCommand{Seq: 1})
	bus.Dispatch(clientB, &pingCommand{Seq: 2})

	if err := bus.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(sender.sent))
	}
	if !sender.sent[0].target.Equal(proxyA) || !sender.sent[1].target.Equal(proxyB) {
		t.Errorf("expected sends routed to resolved proxies, got %+v", sender.sent)
	}
	pkt := sender.sent[0].packet.(*ServerStateCommandPacket)
	if pkt.ClientID != clientA {
		t.Errorf("expected client_id %v in packet, got %v", clientA, pkt.ClientID)
	}
}

func TestServerStateBusFlushResolveErrorPropagates(t *testing.T) {
	reg := NewRegistry()
	reg.Register("PingCommand", func() Command { return &pingCommand{} })
	sender := &fakeSender{}
	bus := NewServerStateBus(reg, sender, func(ctx context.Context, clientID uuid.UUID) (identity.NodeIdentity, error) {
		return identity.NodeIdentity{}, errResolveFailed
	})
	bus.Dispatch(uuid.New(), &pingCommand{Seq: 1})
	if err := bus.Flush(context.Background()); err == nil {
		t.Error("expected Flush to propagate a proxy resolution error")
	}
}

var errResolveFailed = errFixed("resolve failed")

type errFixed string

func (e errFixed) Error() string { return string(e) }
