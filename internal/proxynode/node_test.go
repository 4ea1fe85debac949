package proxynode

import (
	"context"
	"testing"

	"github.com/atlasnet/atlasnet/internal/codec"
	"github.com/atlasnet/atlasnet/internal/commandbus"
	"github.com/atlasnet/atlasnet/internal/discoverytest"
	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/atlasnet/atlasnet/internal/router"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type pingCmd struct{ Seq uint32 }

func (p *pingCmd) CommandID() uint64           { return 0 }
func (p *pingCmd) MarshalBody(w *codec.Writer) { w.U32(p.Seq) }
func (p *pingCmd) UnmarshalBody(r *codec.Reader) error {
	v, err := r.U32()
	if err != nil {
		return err
	}
	p.Seq = v
	return nil
}

func newTestNode(t *testing.T, onState ServerStateHandler, onReplay ReplayHandler) *Node {
	t.Helper()
	store := discoverytest.New()
	reg := commandbus.NewRegistry()
	n, err := New(Config{ListenPort: 0}, store, reg, onState, onReplay, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n
}

func TestNewBuildsARoleProxyNode(t *testing.T) {
	n := newTestNode(t, nil, nil)
	if n.Self.Role != identity.RoleProxy {
		t.Errorf("expected RoleProxy identity, got %v", n.Self.Role)
	}
}

func TestAcceptAndDisconnectClientUpdatesRouter(t *testing.T) {
	n := newTestNode(t, nil, nil)
	client := uuid.New()
	shard := identity.New(identity.RoleShard)

	if err := n.AcceptClient(context.Background(), client, shard); err != nil {
		t.Fatalf("AcceptClient: %v", err)
	}
	owner, ok := n.Router().OwnerOf(client)
	if !ok || !owner.Equal(shard) {
		t.Fatalf("expected client bound to %v, got %v (ok=%v)", shard, owner, ok)
	}

	n.DisconnectClient(client)
	if _, ok := n.Router().OwnerOf(client); ok {
		t.Error("expected DisconnectClient to remove the binding")
	}
}

func TestForwardClientIntentCreatesPerShardBus(t *testing.T) {
	n := newTestNode(t, nil, nil)
	client := uuid.New()
	shard := identity.New(identity.RoleShard)
	_ = n.AcceptClient(context.Background(), client, shard)

	if err := n.ForwardClientIntent(context.Background(), client, &pingCmd{Seq: 1}); err != nil {
		t.Fatalf("ForwardClientIntent: %v", err)
	}
	if _, ok := n.intentBuses[shard]; !ok {
		t.Error("expected an intent bus to be created for the client's owning shard")
	}
}

func TestForwardClientIntentUnboundClientUsesZeroOwner(t *testing.T) {
	n := newTestNode(t, nil, nil)
	if err := n.ForwardClientIntent(context.Background(), uuid.New(), &pingCmd{Seq: 1}); err != nil {
		t.Fatalf("ForwardClientIntent: %v", err)
	}
	if _, ok := n.intentBuses[identity.NodeIdentity{}]; !ok {
		t.Error("expected an unbound client's intent to dispatch onto the zero-identity bus")
	}
}

func TestReplayIntentDecodesAndDispatches(t *testing.T) {
	store := discoverytest.New()
	reg := commandbus.NewRegistry()
	reg.Register("PingCmd", func() commandbus.Command { return &pingCmd{} })
	n, err := New(Config{ListenPort: 0}, store, reg, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frame := commandbus.EncodeCommandFrame(&pingCmd{Seq: 7})
	shard := identity.New(identity.RoleShard)
	ri := router.ReplayedIntent{ClientID: uuid.New(), Body: frame, DrainedSeq: 1}

	if err := n.ReplayIntent(ri, shard); err != nil {
		t.Fatalf("ReplayIntent: %v", err)
	}
	if _, ok := n.intentBuses[shard]; !ok {
		t.Error("expected ReplayIntent to dispatch onto the target shard's intent bus")
	}
}

func TestHandleServerStateInvokesOnState(t *testing.T) {
	reg := commandbus.NewRegistry()
	id := reg.Register("PingCmd", func() commandbus.Command { return &pingCmd{} })
	var gotClient uuid.UUID
	var gotCmd commandbus.Command
	store := discoverytest.New()
	n, err := New(Config{ListenPort: 0}, store, reg, func(clientID uuid.UUID, cmd commandbus.Command) {
		gotClient = clientID
		gotCmd = cmd
	}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	inner := codec.NewWriter(8)
	inner.U32(3)
	client := uuid.New()
	pkt := &commandbus.ServerStateCommandPacket{ClientID: client, CommandID: id, Body: inner.Bytes()}

	n.handleServerState(pkt, identity.NodeIdentity{})
	if gotClient != client {
		t.Errorf("expected onState client_id %v, got %v", client, gotClient)
	}
	if gotCmd == nil || gotCmd.(*pingCmd).Seq != 3 {
		t.Errorf("expected decoded Seq=3, got %+v", gotCmd)
	}
}

func TestShutdownOnUnstartedNodeIsSafe(t *testing.T) {
	n := newTestNode(t, nil, nil)
	if err := n.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
