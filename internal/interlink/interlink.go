package interlink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/rs/zerolog"
)

// MaxRegistryRetries bounds how many ticks Interlink waits for an internal
// peer to appear in the discovery bulletin's server registry before
// dropping the connection (spec.md §4.4).
const MaxRegistryRetries = 10

// MaxDispatchBatch bounds how many inbound messages a single Tick will
// dispatch, per spec.md §4.4's "drain inbound poll group and dispatch up to
// a bounded batch".
const MaxDispatchBatch = 256

// Resolver looks up the network address of a peer, typically backed by the
// discovery bulletin's server registry.
type Resolver func(identity.NodeIdentity) (identity.Address, bool)

// RegistryChecker reports whether peer is currently present in the
// discovery bulletin's server registry.
type RegistryChecker func(identity.NodeIdentity) bool

type inboundMsg struct {
	handle Handle
	body   []byte
}

// Interlink is the per-node messaging fabric: one identity, one listen
// socket (via Transport), one connection table, a packet registry, and a
// subscription bus (spec.md §4.4).
type Interlink struct {
	Self     identity.NodeIdentity
	Logger   zerolog.Logger
	Registry *Registry
	Bus      *Bus

	transport Transport
	resolve   Resolver
	inRegistry RegistryChecker

	mu       sync.Mutex
	byPeer   map[identity.NodeIdentity]*Connection
	byHandle map[Handle]*Connection

	recvMu  sync.Mutex
	recvBuf []inboundMsg

	metrics Metrics
}

// Metrics are the counters surfaced by an Interlink instance, grounded on
// VictoriaMetrics/metrics.
type Metrics struct {
	PacketsSent, PacketsRecv     uint64
	BytesSent, BytesRecv         uint64
	ConnectionsOpened, ConnectionsClosed uint64
	DroppedMalformed             uint64
}

// New creates an Interlink for self, backed by transport. resolve maps a
// peer identity to its network address (typically via the discovery
// bulletin); inRegistry reports whether a peer is currently a known
// internal member.
func New(self identity.NodeIdentity, logger zerolog.Logger, transport Transport, registry *Registry, resolve Resolver, inRegistry RegistryChecker) *Interlink {
	il := &Interlink{
		Self:       self,
		Logger:     logger,
		Registry:   registry,
		Bus:        NewBus(),
		transport:  transport,
		resolve:    resolve,
		inRegistry: inRegistry,
		byPeer:     make(map[identity.NodeIdentity]*Connection),
		byHandle:   make(map[Handle]*Connection),
	}
	transport.OnStatus(il.onStatus)
	transport.OnRecv(il.onRecv)
	return il
}

// Listen binds the underlying transport.
func (il *Interlink) Listen(ctx context.Context, addr identity.Address) error {
	return il.transport.Listen(ctx, addr)
}

func (il *Interlink) onStatus(h Handle, status ConnStatus, err error) {
	il.mu.Lock()
	conn, ok := il.byHandle[h]
	il.mu.Unlock()
	if !ok {
		return
	}

	switch status {
	case StatusConnected:
		payload, _ := il.transport.RemoteIdentityPayload(h)
		peer, perr := identity.UnmarshalBytes(payload)
		kind := External
		if perr == nil && peer.Role.Internal() {
			kind = Internal
		}

		il.mu.Lock()
		conn.Peer = peer
		conn.kind = kind
		il.mu.Unlock()

		if kind == Internal && il.inRegistry != nil && !il.inRegistry(peer) {
			il.mu.Lock()
			conn.registryAttempts++
			attempts := conn.registryAttempts
			il.mu.Unlock()
			if attempts > MaxRegistryRetries {
				il.Logger.Warn().Stringer("peer", peer).Msg("interlink: internal peer missing from registry after retry budget, dropping connection")
				il.closeConn(conn)
				return
			}
			// stay pending; a later Tick will re-check.
			return
		}

		conn.setState(Connected)
		il.metrics.ConnectionsOpened++
		il.flushDeferred(conn)
	case StatusClosedByPeer, StatusProblemDetected:
		conn.setState(Closed)
		il.metrics.ConnectionsClosed++
		il.removeConn(conn)
	}
}

func (il *Interlink) onRecv(h Handle, body []byte) {
	il.recvMu.Lock()
	il.recvBuf = append(il.recvBuf, inboundMsg{handle: h, body: append([]byte(nil), body...)})
	il.recvMu.Unlock()
}

func (il *Interlink) flushDeferred(conn *Connection) {
	for _, ps := range conn.drainDeferred() {
		h, ok := conn.Handle()
		if !ok {
			continue
		}
		if err := il.transport.Send(h, ps.packet, ps.reliability); err != nil {
			il.Logger.Debug().Err(err).Stringer("peer", conn.Peer).Msg("interlink: flush deferred send failed")
		}
	}
}

func (il *Interlink) removeConn(conn *Connection) {
	il.mu.Lock()
	defer il.mu.Unlock()
	if !conn.Peer.Zero() {
		delete(il.byPeer, conn.Peer)
	}
	if h, ok := conn.Handle(); ok {
		delete(il.byHandle, h)
	}
}

func (il *Interlink) closeConn(conn *Connection) {
	if h, ok := conn.Handle(); ok {
		il.transport.Close(h)
	}
	conn.setState(Closed)
	il.removeConn(conn)
}

// Send dispatches packet to target with the requested reliability,
// following the state machine in spec.md §4.4:
//   - no connection: create PreConnecting, schedule dial, enqueue packet.
//   - Connecting/PreConnecting: enqueue packet.
//   - Connected: serialize and hand to the transport immediately.
func (il *Interlink) Send(ctx context.Context, target identity.NodeIdentity, packet Packet, r Reliability) error {
	body := Encode(packet)

	il.mu.Lock()
	conn, ok := il.byPeer[target]
	if !ok {
		addr, ok := il.resolve(target)
		if !ok {
			il.mu.Unlock()
			return fmt.Errorf("interlink: send: cannot resolve address for %s", target)
		}
		conn = newConnection(target, addr, kindForRole(target))
		il.byPeer[target] = conn
		il.mu.Unlock()

		conn.enqueue(body, r)
		h, err := il.transport.Dial(ctx, addr, IdentityPayload(il.Self))
		if err != nil {
			return fmt.Errorf("interlink: dial %s: %w", target, err)
		}
		conn.setHandle(h)
		conn.setState(Connecting)
		il.mu.Lock()
		il.byHandle[h] = conn
		il.mu.Unlock()
		return nil
	}
	il.mu.Unlock()

	switch conn.State() {
	case PreConnecting, Connecting:
		conn.enqueue(body, r)
		return nil
	case Connected:
		h, ok := conn.Handle()
		if !ok {
			return fmt.Errorf("interlink: send: connected peer %s has no handle", target)
		}
		if err := il.transport.Send(h, body, r); err != nil {
			return fmt.Errorf("interlink: send to %s: %w", target, err)
		}
		il.metrics.PacketsSent++
		il.metrics.BytesSent += uint64(len(body))
		conn.recordSent(len(body))
		return nil
	default:
		return fmt.Errorf("interlink: send: connection to %s is in terminal state %s", target, conn.State())
	}
}

func kindForRole(n identity.NodeIdentity) Kind {
	if n.Role.Internal() {
		return Internal
	}
	return External
}

// Tick advances pending dials, runs transport callbacks, drains the inbound
// poll group and dispatches up to a bounded batch, and flushes deferred
// sends for newly-connected peers (spec.md §4.4).
func (il *Interlink) Tick(ctx context.Context) error {
	if err := il.transport.Poll(ctx); err != nil {
		return fmt.Errorf("interlink: poll: %w", err)
	}

	il.recvMu.Lock()
	n := len(il.recvBuf)
	if n > MaxDispatchBatch {
		n = MaxDispatchBatch
	}
	batch := il.recvBuf[:n]
	il.recvBuf = il.recvBuf[n:]
	il.recvMu.Unlock()

	for _, msg := range batch {
		il.mu.Lock()
		conn, ok := il.byHandle[msg.handle]
		il.mu.Unlock()
		if !ok {
			continue
		}
		p, err := il.Registry.Decode(msg.body)
		if err != nil {
			il.metrics.DroppedMalformed++
			il.Logger.Debug().Err(err).Stringer("peer", conn.Peer).Msg("interlink: dropped malformed packet")
			continue
		}
		il.metrics.PacketsRecv++
		il.metrics.BytesRecv += uint64(len(msg.body))
		conn.recordRecv(len(msg.body))
		il.Bus.Dispatch(p, conn.Peer)
	}

	il.Bus.Cull()
	il.recheckPendingRegistry()
	return nil
}

// recheckPendingRegistry re-evaluates connections parked waiting for their
// peer to appear in the discovery bulletin's server registry.
func (il *Interlink) recheckPendingRegistry() {
	il.mu.Lock()
	pending := make([]*Connection, 0)
	for _, conn := range il.byPeer {
		if conn.Kind() == Internal && conn.State() == Connecting {
			pending = append(pending, conn)
		}
	}
	il.mu.Unlock()

	for _, conn := range pending {
		if il.inRegistry == nil || il.inRegistry(conn.Peer) {
			conn.setState(Connected)
			il.flushDeferred(conn)
			continue
		}
		il.mu.Lock()
		conn.registryAttempts++
		attempts := conn.registryAttempts
		il.mu.Unlock()
		if attempts > MaxRegistryRetries {
			il.Logger.Warn().Stringer("peer", conn.Peer).Msg("interlink: internal peer missing from registry after retry budget, dropping connection")
			il.closeConn(conn)
		}
	}
}

// Close tears down every tracked connection.
func (il *Interlink) Close() {
	il.mu.Lock()
	conns := make([]*Connection, 0, len(il.byHandle))
	for _, c := range il.byHandle {
		conns = append(conns, c)
	}
	il.mu.Unlock()
	for _, c := range conns {
		il.closeConn(c)
	}
}

// ClosePeer closes the connection to peer, if any, used by the Health
// Warden when a peer is found to have expired (spec.md §4.13).
func (il *Interlink) ClosePeer(peer identity.NodeIdentity) {
	il.mu.Lock()
	conn, ok := il.byPeer[peer]
	il.mu.Unlock()
	if ok {
		il.closeConn(conn)
	}
}

// ConnectionStats describes one peer connection's byte/packet counters, per
// SPEC_FULL.md's "connection statistics telemetry row" supplement.
type ConnectionStats struct {
	Peer         identity.NodeIdentity
	State        State
	BytesSent    uint64
	BytesRecv    uint64
	PacketsSent  uint64
	PacketsRecv  uint64
	RTTMillis    float64
}

// Snapshot returns the current state of every tracked connection, for
// publication to network_telemetry.
func (il *Interlink) Snapshot() []ConnectionStats {
	il.mu.Lock()
	defer il.mu.Unlock()
	out := make([]ConnectionStats, 0, len(il.byPeer))
	for _, c := range il.byPeer {
		out = append(out, ConnectionStats{
			Peer:        c.Peer,
			State:       c.State(),
			BytesSent:   c.bytesSent.Load(),
			BytesRecv:   c.bytesRecv.Load(),
			PacketsSent: c.packetsSent.Load(),
			PacketsRecv: c.packetsRecv.Load(),
		})
	}
	return out
}

// RunLoop runs Tick on interval until ctx is canceled, for binaries that
// want a background driving goroutine rather than driving Tick themselves.
func (il *Interlink) RunLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := il.Tick(ctx); err != nil {
				il.Logger.Warn().Err(err).Msg("interlink: tick failed")
			}
		}
	}
}
