package clusterreg

import (
	"context"
	"testing"

	"github.com/atlasnet/atlasnet/internal/codec"
	"github.com/atlasnet/atlasnet/internal/discovery"
	"github.com/atlasnet/atlasnet/internal/discoverytest"
	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/atlasnet/atlasnet/internal/interlink"
	"github.com/rs/zerolog"
)

type fakePacket struct{ body []byte }

func (p *fakePacket) TypeID() uint32                       { return 1 }
func (p *fakePacket) MarshalBody(w *codec.Writer)           { w.Blob(p.body) }
func (p *fakePacket) UnmarshalBody(r *codec.Reader) error   { var err error; p.body, err = r.Blob(); return err }
func (p *fakePacket) Validate() error                       { return nil }

type fakeTransport struct {
	remotePayload []byte
	statusCB      interlink.StatusCallback
	nextHandle    interlink.Handle
}

func (f *fakeTransport) Listen(ctx context.Context, addr identity.Address) error { return nil }
func (f *fakeTransport) Dial(ctx context.Context, addr identity.Address, identityPayload []byte) (interlink.Handle, error) {
	f.nextHandle++
	return f.nextHandle, nil
}
func (f *fakeTransport) Send(h interlink.Handle, body []byte, r interlink.Reliability) error { return nil }
func (f *fakeTransport) Close(h interlink.Handle) error                                      { return nil }
func (f *fakeTransport) OnStatus(cb interlink.StatusCallback)                                { f.statusCB = cb }
func (f *fakeTransport) OnRecv(cb interlink.RecvCallback)                                    {}
func (f *fakeTransport) Poll(ctx context.Context) error                                      { return nil }
func (f *fakeTransport) RemoteIdentityPayload(h interlink.Handle) ([]byte, bool) {
	return f.remotePayload, true
}
func (f *fakeTransport) RemoteAddress(h interlink.Handle) (identity.Address, bool) { return identity.Address{}, true }

func TestPublishConnectionStats(t *testing.T) {
	ctx := context.Background()
	self := identity.New(identity.RoleProxy)
	target := identity.New(identity.RoleShard)

	ft := &fakeTransport{remotePayload: target.MarshalBytes()}
	resolve := func(identity.NodeIdentity) (identity.Address, bool) { return identity.Address{}, true }
	inRegistry := func(identity.NodeIdentity) bool { return true }

	il := interlink.New(self, zerolog.Nop(), ft, interlink.NewRegistry(), resolve, inRegistry)

	pkt := &fakePacket{body: []byte("hello")}
	if err := il.Send(ctx, target, pkt, interlink.ReliableBatched); err != nil {
		t.Fatalf("initial send (triggers dial): %v", err)
	}
	// Simulate the transport reporting the dialed connection as live.
	ft.statusCB(ft.nextHandle, interlink.StatusConnected, nil)

	if err := il.Send(ctx, target, pkt, interlink.ReliableBatched); err != nil {
		t.Fatalf("send on established connection: %v", err)
	}

	store := discoverytest.New()
	if err := PublishConnectionStats(ctx, store, self, il); err != nil {
		t.Fatalf("PublishConnectionStats: %v", err)
	}

	rows, err := store.HGetAll(ctx, discovery.TableNetworkTelemetry, self.String())
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	field := self.String() + ":" + target.String()
	raw, ok := rows[field]
	if !ok {
		t.Fatalf("expected field %q in network_telemetry, got keys %v", field, rows)
	}

	r := codec.NewReader(raw)
	state, err := r.U8()
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if interlink.State(state) != interlink.Connected {
		t.Errorf("expected Connected state, got %v", interlink.State(state))
	}
	bytesSent, err := r.U64()
	if err != nil {
		t.Fatalf("read bytes_sent: %v", err)
	}
	if bytesSent == 0 {
		t.Error("expected nonzero bytes_sent after a send on an established connection")
	}
	if _, err := r.U64(); err != nil { // bytes_recv
		t.Fatalf("read bytes_recv: %v", err)
	}
	packetsSent, err := r.U64()
	if err != nil {
		t.Fatalf("read packets_sent: %v", err)
	}
	if packetsSent != 1 {
		t.Errorf("expected exactly 1 packet recorded through the Connected-state send path, got %d", packetsSent)
	}
}
