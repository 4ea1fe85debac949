package interlink

import (
	"context"
	"sync"
	"testing"

	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/rs/zerolog"
)

// fakeTransport is an in-memory Transport double that hands Dial an
// immediately-usable handle and lets the test script status/recv
// callbacks directly.
type fakeTransport struct {
	mu       sync.Mutex
	nextH    Handle
	sent     []sentMsg
	identity []byte
	status   StatusCallback
	recv     RecvCallback
}

type sentMsg struct {
	h    Handle
	body []byte
	r    Reliability
}

func newFakeTransport() *fakeTransport { return &fakeTransport{nextH: 1} }

func (f *fakeTransport) Listen(ctx context.Context, addr identity.Address) error { return nil }

func (f *fakeTransport) Dial(ctx context.Context, addr identity.Address, identityPayload []byte) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.nextH
	f.nextH++
	f.identity = identityPayload
	return h, nil
}

func (f *fakeTransport) Send(h Handle, body []byte, r Reliability) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{h: h, body: append([]byte(nil), body...), r: r})
	return nil
}

func (f *fakeTransport) Close(h Handle) error { return nil }

func (f *fakeTransport) OnStatus(cb StatusCallback) { f.status = cb }
func (f *fakeTransport) OnRecv(cb RecvCallback)     { f.recv = cb }

func (f *fakeTransport) Poll(ctx context.Context) error { return nil }

func (f *fakeTransport) RemoteIdentityPayload(h Handle) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity, f.identity != nil
}

func (f *fakeTransport) RemoteAddress(h Handle) (identity.Address, bool) { return identity.Address{}, true }

func (f *fakeTransport) snapshotSent() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

func TestSendDialsThenDeliversAfterConnected(t *testing.T) {
	tr := newFakeTransport()
	peer := identity.New(identity.RoleShard)
	reg := NewRegistry()
	reg.Register("EchoPacket", func() Packet { return &echoPacket{} })

	il := New(identity.New(identity.RoleShard), zerolog.Nop(), tr, reg, func(identity.NodeIdentity) (identity.Address, bool) {
		return identity.Address{A: 10, B: 0, C: 0, D: 1, Port: 9000}, true
	}, nil)

	if err := il.Send(context.Background(), peer, &echoPacket{Value: 1}, ReliableNow); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(tr.snapshotSent()) != 0 {
		t.Fatal("expected no immediate send before connected")
	}

	il.mu.Lock()
	conn := il.byPeer[peer]
	h, _ := conn.Handle()
	il.mu.Unlock()

	tr.status(h, StatusConnected, nil)

	sent := tr.snapshotSent()
	if len(sent) != 1 {
		t.Fatalf("expected deferred packet flushed on connect, got %d sends", len(sent))
	}
	if conn.State() != Connected {
		t.Errorf("expected connection state Connected, got %v", conn.State())
	}
}

func TestSendToConnectedPeerIsImmediate(t *testing.T) {
	tr := newFakeTransport()
	peer := identity.New(identity.RoleShard)
	reg := NewRegistry()
	reg.Register("EchoPacket", func() Packet { return &echoPacket{} })
	il := New(identity.New(identity.RoleShard), zerolog.Nop(), tr, reg, func(identity.NodeIdentity) (identity.Address, bool) {
		return identity.Address{}, true
	}, nil)

	_ = il.Send(context.Background(), peer, &echoPacket{Value: 1}, ReliableNow)
	il.mu.Lock()
	conn := il.byPeer[peer]
	h, _ := conn.Handle()
	il.mu.Unlock()
	tr.status(h, StatusConnected, nil)

	if err := il.Send(context.Background(), peer, &echoPacket{Value: 2}, ReliableNow); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(tr.snapshotSent()) != 2 {
		t.Fatalf("expected 2 total sends, got %d", len(tr.snapshotSent()))
	}
}

func TestSendUnresolvableTargetErrors(t *testing.T) {
	tr := newFakeTransport()
	reg := NewRegistry()
	il := New(identity.New(identity.RoleShard), zerolog.Nop(), tr, reg, func(identity.NodeIdentity) (identity.Address, bool) {
		return identity.Address{}, false
	}, nil)

	if err := il.Send(context.Background(), identity.New(identity.RoleProxy), &echoPacket{Value: 1}, ReliableNow); err == nil {
		t.Error("expected an error when the target cannot be resolved")
	}
}

func TestTickDispatchesDecodedPacketsToBus(t *testing.T) {
	tr := newFakeTransport()
	peer := identity.New(identity.RoleShard)
	reg := NewRegistry()
	reg.Register("EchoPacket", func() Packet { return &echoPacket{} })
	il := New(identity.New(identity.RoleShard), zerolog.Nop(), tr, reg, func(identity.NodeIdentity) (identity.Address, bool) {
		return identity.Address{}, true
	}, nil)

	_ = il.Send(context.Background(), peer, &echoPacket{Value: 1}, ReliableNow)
	il.mu.Lock()
	conn := il.byPeer[peer]
	h, _ := conn.Handle()
	il.mu.Unlock()
	tr.status(h, StatusConnected, nil)

	var got *echoPacket
	il.Bus.Subscribe(FNV1a32("EchoPacket"), func(p Packet, from identity.NodeIdentity) {
		got = p.(*echoPacket)
	})

	tr.recv(h, Encode(&echoPacket{Value: 42}))
	if err := il.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got == nil || got.Value != 42 {
		t.Fatalf("expected dispatched echoPacket{Value:42}, got %+v", got)
	}
}

func TestTickDropsMalformedPackets(t *testing.T) {
	tr := newFakeTransport()
	peer := identity.New(identity.RoleShard)
	reg := NewRegistry()
	reg.Register("EchoPacket", func() Packet { return &echoPacket{} })
	il := New(identity.New(identity.RoleShard), zerolog.Nop(), tr, reg, func(identity.NodeIdentity) (identity.Address, bool) {
		return identity.Address{}, true
	}, nil)

	_ = il.Send(context.Background(), peer, &echoPacket{Value: 1}, ReliableNow)
	il.mu.Lock()
	conn := il.byPeer[peer]
	h, _ := conn.Handle()
	il.mu.Unlock()
	tr.status(h, StatusConnected, nil)

	tr.recv(h, []byte{0xff})
	if err := il.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if il.metrics.DroppedMalformed != 1 {
		t.Errorf("expected DroppedMalformed=1, got %d", il.metrics.DroppedMalformed)
	}
}

func TestClosePeerTearsDownConnection(t *testing.T) {
	tr := newFakeTransport()
	peer := identity.New(identity.RoleShard)
	reg := NewRegistry()
	il := New(identity.New(identity.RoleShard), zerolog.Nop(), tr, reg, func(identity.NodeIdentity) (identity.Address, bool) {
		return identity.Address{}, true
	}, nil)

	_ = il.Send(context.Background(), peer, &echoPacket{Value: 1}, ReliableNow)
	il.ClosePeer(peer)

	il.mu.Lock()
	_, ok := il.byPeer[peer]
	il.mu.Unlock()
	if ok {
		t.Error("expected ClosePeer to remove the tracked connection")
	}
}
