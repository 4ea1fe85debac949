package router

import (
	"context"
	"testing"

	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/atlasnet/atlasnet/internal/interlink"
	"github.com/atlasnet/atlasnet/internal/transfer"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type recordedSend struct {
	target identity.NodeIdentity
	packet interlink.Packet
}

type fakeSender struct {
	sent []recordedSend
}

func (f *fakeSender) Send(_ context.Context, target identity.NodeIdentity, packet interlink.Packet, _ interlink.Reliability) error {
	f.sent = append(f.sent, recordedSend{target: target, packet: packet})
	return nil
}

func (f *fakeSender) last() interlink.Packet {
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1].packet
}

func TestBindUnbindOwnerOf(t *testing.T) {
	r := New(identity.New(identity.RoleProxy), &fakeSender{}, zerolog.Nop())
	client := uuid.New()
	shard := identity.New(identity.RoleShard)

	if _, ok := r.OwnerOf(client); ok {
		t.Fatal("expected unbound client to report not found")
	}
	r.BindClient(client, shard)
	owner, ok := r.OwnerOf(client)
	if !ok || !owner.Equal(shard) {
		t.Fatalf("expected owner %v, got %v ok=%v", shard, owner, ok)
	}
	r.Unbind(client)
	if _, ok := r.OwnerOf(client); ok {
		t.Error("expected client to be unbound after Unbind")
	}
}

func TestForwardIntentRoutesToCurrentOwner(t *testing.T) {
	r := New(identity.New(identity.RoleProxy), &fakeSender{}, zerolog.Nop())
	client := uuid.New()
	shard := identity.New(identity.RoleShard)
	r.BindClient(client, shard)

	var sentTo identity.NodeIdentity
	err := r.ForwardIntent(context.Background(), client, []byte("move"), func(owner identity.NodeIdentity) error {
		sentTo = owner
		return nil
	})
	if err != nil {
		t.Fatalf("ForwardIntent: %v", err)
	}
	if !sentTo.Equal(shard) {
		t.Errorf("expected intent forwarded to %v, got %v", shard, sentTo)
	}
}

func TestForwardIntentBuffersDuringFreeze(t *testing.T) {
	sender := &fakeSender{}
	r := New(identity.New(identity.RoleProxy), sender, zerolog.Nop())
	client := uuid.New()
	from := identity.New(identity.RoleShard)
	to := identity.New(identity.RoleShard)
	r.BindClient(client, from)

	switchReq := &transfer.ProxyRequestSwitch{TransferID: uuid.New(), ClientID: client, EntityIDs: []uuid.UUID{uuid.New(), uuid.New()}, NewOwner: to}
	r.HandleProxyRequestSwitch(context.Background(), switchReq, from)

	called := false
	err := r.ForwardIntent(context.Background(), client, []byte("move"), func(identity.NodeIdentity) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("ForwardIntent: %v", err)
	}
	if called {
		t.Error("expected intent to be buffered, not sent, while frozen")
	}

	freeze, ok := sender.last().(*transfer.ProxyFreeze)
	if !ok || freeze.TransferID != switchReq.TransferID {
		t.Fatalf("expected ProxyFreeze ack, got %T", sender.last())
	}

	drained := &transfer.ShardDrained{TransferID: switchReq.TransferID, DrainedSeq: 5, Generation: 1}
	replayed, err := r.HandleShardDrained(context.Background(), drained, from)
	if err != nil {
		t.Fatalf("HandleShardDrained: %v", err)
	}
	if len(replayed) != 1 || replayed[0].ClientID != client || replayed[0].DrainedSeq != 5 {
		t.Fatalf("expected 1 replayed intent for %v at drained_seq 5, got %+v", client, replayed)
	}

	owner, ok := r.OwnerOf(client)
	if !ok || !owner.Equal(to) {
		t.Errorf("expected client rebound to %v after drain, got %v", to, owner)
	}

	activate, ok := sender.last().(*transfer.ProxyTransferActivate)
	if !ok || activate.TransferID != switchReq.TransferID {
		t.Fatalf("expected ProxyTransferActivate, got %T", sender.last())
	}
}

func TestHandleShardDrainedUnknownTransferErrors(t *testing.T) {
	r := New(identity.New(identity.RoleProxy), &fakeSender{}, zerolog.Nop())
	drained := &transfer.ShardDrained{TransferID: uuid.New()}
	if _, err := r.HandleShardDrained(context.Background(), drained, identity.New(identity.RoleShard)); err == nil {
		t.Error("expected error for an unknown transfer_id")
	}
}

func TestHandleShardDrainedWrongSenderErrors(t *testing.T) {
	sender := &fakeSender{}
	r := New(identity.New(identity.RoleProxy), sender, zerolog.Nop())
	from := identity.New(identity.RoleShard)
	imposter := identity.New(identity.RoleShard)
	client := uuid.New()

	switchReq := &transfer.ProxyRequestSwitch{TransferID: uuid.New(), ClientID: client, EntityIDs: []uuid.UUID{uuid.New()}, NewOwner: identity.New(identity.RoleShard)}
	r.HandleProxyRequestSwitch(context.Background(), switchReq, from)

	drained := &transfer.ShardDrained{TransferID: switchReq.TransferID}
	if _, err := r.HandleShardDrained(context.Background(), drained, imposter); err == nil {
		t.Error("expected error when drained comes from a node other than the transfer's 'from'")
	}
}
