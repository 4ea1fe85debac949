// Package udptransport implements interlink.Transport over a single UDP
// socket, framing each logical connection by remote address plus a small
// connect/accept handshake that exchanges the generic identity payload.
//
// Grounded on github.com/r2northstar/atlas's pkg/nspkt/listener.go: one
// mutex-guarded *net.UDPConn, a receive loop reading into a reusable buffer,
// and atomic counters for metrics. nspkt is connectionless (pure
// request/response probing); this package adds the minimal per-peer
// handshake and handle bookkeeping spec.md §4.4 requires of a connection-
// oriented transport, while keeping the same "single socket, mutex-guarded
// conn pointer" shape.
package udptransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/atlasnet/atlasnet/internal/interlink"
)

const maxDatagram = 1500

// frame kinds, prefixed to every UDP datagram ahead of the logical payload.
const (
	frameHandshake byte = iota
	frameHandshakeAck
	frameData
)

type peerState struct {
	handle       interlink.Handle
	addr         netip.AddrPort
	identity     []byte
	connected    bool
	dialedLocal  bool // true if we initiated the dial (vs. accepted an inbound handshake)
}

// Transport implements interlink.Transport over one UDP socket.
type Transport struct {
	mu      sync.Mutex
	conn    *net.UDPConn
	closing bool

	byHandle map[interlink.Handle]*peerState
	byAddr   map[netip.AddrPort]*peerState
	nextID   atomic.Uint64

	statusCB interlink.StatusCallback
	recvCB   interlink.RecvCallback

	localIdentity []byte

	metrics struct {
		rxPackets, txPackets atomic.Uint64
		rxBytes, txBytes     atomic.Uint64
		rxInvalid            atomic.Uint64
	}
}

// New creates a UDP transport that presents localIdentity (the node's own
// identity payload) during the connect handshake.
func New(localIdentity []byte) *Transport {
	return &Transport{
		byHandle:      make(map[interlink.Handle]*peerState),
		byAddr:        make(map[netip.AddrPort]*peerState),
		localIdentity: localIdentity,
	}
}

func (t *Transport) Listen(ctx context.Context, addr identity.Address) error {
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(addr.AddrPort()))
	if err != nil {
		return fmt.Errorf("udptransport: listen: %w", err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	go t.receiveLoop(ctx, conn)
	return nil
}

func (t *Transport) receiveLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, maxDatagram)
	for {
		n, raddr, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			t.mu.Lock()
			closing := t.closing
			t.mu.Unlock()
			if closing {
				return
			}
			continue
		}
		t.metrics.rxPackets.Add(1)
		t.metrics.rxBytes.Add(uint64(n))
		t.handleDatagram(raddr.Unmap(), append([]byte(nil), buf[:n]...))
	}
}

func (t *Transport) handleDatagram(raddr netip.AddrPort, pkt []byte) {
	if len(pkt) < 1 {
		t.metrics.rxInvalid.Add(1)
		return
	}
	kind, body := pkt[0], pkt[1:]

	switch kind {
	case frameHandshake:
		idLen := len(body)
		t.mu.Lock()
		ps, ok := t.byAddr[raddr]
		if !ok {
			h := interlink.Handle(t.nextID.Add(1))
			ps = &peerState{handle: h, addr: raddr, identity: append([]byte(nil), body[:idLen]...)}
			t.byAddr[raddr] = ps
			t.byHandle[h] = ps
		} else {
			ps.identity = append([]byte(nil), body[:idLen]...)
		}
		ps.connected = true
		cb := t.statusCB
		t.mu.Unlock()

		t.sendFrame(raddr, frameHandshakeAck, t.localIdentity)
		if cb != nil {
			cb(ps.handle, interlink.StatusConnected, nil)
		}
	case frameHandshakeAck:
		t.mu.Lock()
		ps, ok := t.byAddr[raddr]
		if ok {
			ps.identity = append([]byte(nil), body...)
			ps.connected = true
		}
		cb := t.statusCB
		t.mu.Unlock()
		if ok && cb != nil {
			cb(ps.handle, interlink.StatusConnected, nil)
		}
	case frameData:
		t.mu.Lock()
		ps, ok := t.byAddr[raddr]
		cb := t.recvCB
		t.mu.Unlock()
		if !ok || !ps.connected {
			return
		}
		if cb != nil {
			cb(ps.handle, body)
		}
	default:
		t.metrics.rxInvalid.Add(1)
	}
}

func (t *Transport) sendFrame(addr netip.AddrPort, kind byte, payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("udptransport: not listening")
	}
	buf := make([]byte, 1+len(payload))
	buf[0] = kind
	copy(buf[1:], payload)
	n, err := conn.WriteToUDPAddrPort(buf, addr)
	if err == nil {
		t.metrics.txPackets.Add(1)
		t.metrics.txBytes.Add(uint64(n))
	}
	return err
}

func (t *Transport) Dial(ctx context.Context, addr identity.Address, identityPayload []byte) (interlink.Handle, error) {
	raddr := addr.AddrPort()

	t.mu.Lock()
	if ps, ok := t.byAddr[raddr]; ok {
		h := ps.handle
		t.mu.Unlock()
		return h, nil
	}
	h := interlink.Handle(t.nextID.Add(1))
	ps := &peerState{handle: h, addr: raddr, dialedLocal: true}
	t.byAddr[raddr] = ps
	t.byHandle[h] = ps
	t.mu.Unlock()

	if err := t.sendFrame(raddr, frameHandshake, identityPayload); err != nil {
		return 0, fmt.Errorf("udptransport: dial: %w", err)
	}
	return h, nil
}

func (t *Transport) Send(h interlink.Handle, body []byte, r interlink.Reliability) error {
	t.mu.Lock()
	ps, ok := t.byHandle[h]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("udptransport: send: unknown handle %d", h)
	}
	return t.sendFrame(ps.addr, frameData, body)
}

func (t *Transport) Close(h interlink.Handle) error {
	t.mu.Lock()
	ps, ok := t.byHandle[h]
	if ok {
		delete(t.byHandle, h)
		delete(t.byAddr, ps.addr)
	}
	t.mu.Unlock()
	return nil
}

func (t *Transport) OnStatus(cb interlink.StatusCallback) {
	t.mu.Lock()
	t.statusCB = cb
	t.mu.Unlock()
}

func (t *Transport) OnRecv(cb interlink.RecvCallback) {
	t.mu.Lock()
	t.recvCB = cb
	t.mu.Unlock()
}

// Poll is a no-op for this transport: the receive loop runs on its own
// goroutine and invokes callbacks directly. It exists to satisfy
// interlink.Transport for transports that instead batch receives and
// require an explicit pump.
func (t *Transport) Poll(ctx context.Context) error { return nil }

func (t *Transport) RemoteIdentityPayload(h interlink.Handle) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.byHandle[h]
	if !ok {
		return nil, false
	}
	return ps.identity, ps.identity != nil
}

func (t *Transport) RemoteAddress(h interlink.Handle) (identity.Address, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.byHandle[h]
	if !ok {
		return identity.Address{}, false
	}
	a, err := identity.AddressFromAddrPort(ps.addr)
	if err != nil {
		return identity.Address{}, false
	}
	return a, true
}

// Shutdown closes the underlying socket.
func (t *Transport) Shutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closing = true
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// WritePrometheus writes the transport's packet/byte counters in Prometheus
// text exposition format, grounded on the teacher's
// (*nspkt.Listener).WritePrometheus.
func (t *Transport) WritePrometheus(w interface{ Write([]byte) (int, error) }) {
	fmt.Fprintf(w, "atlasnet_udptransport_rx_packets %d\n", t.metrics.rxPackets.Load())
	fmt.Fprintf(w, "atlasnet_udptransport_rx_bytes %d\n", t.metrics.rxBytes.Load())
	fmt.Fprintf(w, "atlasnet_udptransport_tx_packets %d\n", t.metrics.txPackets.Load())
	fmt.Fprintf(w, "atlasnet_udptransport_tx_bytes %d\n", t.metrics.txBytes.Load())
	fmt.Fprintf(w, "atlasnet_udptransport_rx_invalid %d\n", t.metrics.rxInvalid.Load())
}
