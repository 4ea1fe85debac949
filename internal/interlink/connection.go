package interlink

import (
	"sync"
	"sync/atomic"

	"github.com/atlasnet/atlasnet/internal/identity"
)

// State is a Connection's position in the connection protocol state
// machine (spec.md §4.4).
type State uint8

const (
	PreConnecting State = iota
	Connecting
	Connected
	Disconnecting
	Closed
	Error
)

func (s State) String() string {
	switch s {
	case PreConnecting:
		return "PreConnecting"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	case Closed:
		return "Closed"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Kind classifies whether a connection is between trusted cluster members
// or fronts an untrusted external client.
type Kind uint8

const (
	Internal Kind = iota
	External
)

// Handle is an opaque transport-layer connection handle. Its zero value
// means "no transport handle created yet" (PreConnecting).
type Handle uint64

// pendingSend is a packet deferred until the connection reaches Connected.
type pendingSend struct {
	packet      []byte
	reliability Reliability
}

// Connection tracks one peer connection's protocol state.
type Connection struct {
	mu sync.Mutex

	Peer          identity.NodeIdentity
	RemoteAddress identity.Address
	state         State
	kind          Kind
	handle        Handle
	hasHandle     bool

	deferredSends []pendingSend

	registryAttempts int // retries waiting for the peer to appear in the server registry

	bytesSent   atomic.Uint64
	bytesRecv   atomic.Uint64
	packetsSent atomic.Uint64
	packetsRecv atomic.Uint64
}

// recordSent tallies one outbound packet of n bytes, for the
// network_telemetry row published by clusterreg.PublishConnectionStats.
func (c *Connection) recordSent(n int) {
	c.bytesSent.Add(uint64(n))
	c.packetsSent.Add(1)
}

// recordRecv tallies one inbound packet of n bytes.
func (c *Connection) recordRecv(n int) {
	c.bytesRecv.Add(uint64(n))
	c.packetsRecv.Add(1)
}

func newConnection(peer identity.NodeIdentity, addr identity.Address, kind Kind) *Connection {
	return &Connection{
		Peer:          peer,
		RemoteAddress: addr,
		state:         PreConnecting,
		kind:          kind,
	}
}

// State returns the connection's current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Kind returns whether the connection is Internal or External.
func (c *Connection) Kind() Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kind
}

// Handle returns the transport handle, if one has been assigned.
func (c *Connection) Handle() (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle, c.hasHandle
}

func (c *Connection) setHandle(h Handle) {
	c.mu.Lock()
	c.handle = h
	c.hasHandle = true
	c.mu.Unlock()
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// enqueue defers a packet until the connection reaches Connected.
func (c *Connection) enqueue(packet []byte, r Reliability) {
	c.mu.Lock()
	c.deferredSends = append(c.deferredSends, pendingSend{packet: packet, reliability: r})
	c.mu.Unlock()
}

// drainDeferred removes and returns every deferred packet, in arrival
// order, for post-connect flush.
func (c *Connection) drainDeferred() []pendingSend {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.deferredSends
	c.deferredSends = nil
	return out
}
