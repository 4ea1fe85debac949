package interlink

import (
	"context"

	"github.com/atlasnet/atlasnet/internal/identity"
)

// ConnStatus is reported by a Transport to Interlink via StatusCallback.
type ConnStatus uint8

const (
	StatusConnecting ConnStatus = iota
	StatusConnected
	StatusClosedByPeer
	StatusProblemDetected
)

// StatusCallback is invoked by a Transport whenever a connection's status
// changes.
type StatusCallback func(h Handle, status ConnStatus, err error)

// RecvCallback is invoked by a Transport for every inbound message,
// batched across connections by the poll group (spec.md §4.4, §6).
type RecvCallback func(h Handle, body []byte)

// Transport is the external byte-pipe collaborator (spec.md §1, §6): an
// ordered, reliable-and-unreliable message transport with connection-status
// callbacks, the ability to attach an opaque identity payload to a dialed
// connection, and a poll group that batches receives across connections.
// Only its contract is implemented here; the wire protocol and congestion
// control of a production transport are out of scope.
type Transport interface {
	// Listen binds the transport to accept inbound connections on addr.
	Listen(ctx context.Context, addr identity.Address) error
	// Dial initiates an outbound connection to addr, attaching identityPayload
	// as the generic byte-blob identity exchanged at establishment. It
	// returns a handle immediately; the connection is not yet usable until
	// StatusConnected is reported.
	Dial(ctx context.Context, addr identity.Address, identityPayload []byte) (Handle, error)
	// Send transmits body to the peer behind h with the given reliability
	// hint.
	Send(h Handle, body []byte, r Reliability) error
	// Close tears down the connection behind h.
	Close(h Handle) error
	// OnStatus registers the callback invoked on connection status changes.
	OnStatus(cb StatusCallback)
	// OnRecv registers the callback invoked for inbound messages.
	OnRecv(cb RecvCallback)
	// Poll drains available inbound messages and connection callbacks, up
	// to a bounded batch, and returns promptly (non-blocking or
	// short-blocking per implementation). Called once per Interlink tick.
	Poll(ctx context.Context) error
	// RemoteIdentityPayload returns the raw identity payload received from
	// the peer behind h at connection establishment, if any.
	RemoteIdentityPayload(h Handle) ([]byte, bool)
	// RemoteAddress returns the network address of the peer behind h.
	RemoteAddress(h Handle) (identity.Address, bool)
}
