// Package interlink implements the reliable/unreliable message transport
// between AtlasNet nodes: connection state machine, packet registry and
// dispatch, and the subscription bus (spec.md §4.4).
//
// Grounded on github.com/r2northstar/atlas's pkg/nspkt (UDP listener with a
// mutex-guarded connection table and channel-based monitor fan-out) and
// pkg/api/api0/serverlist.go (multi-indexed, RWMutex-protected record set
// with atomic caches), generalized from a single-socket connectionless
// prober into a full per-peer connection-oriented fabric.
package interlink

import (
	"fmt"
	"sync"

	"github.com/atlasnet/atlasnet/internal/codec"
	"github.com/atlasnet/atlasnet/internal/identity"
)

// Packet is implemented by every registered wire packet type.
type Packet interface {
	// TypeID returns the packet's registered type_id.
	TypeID() uint32
	// MarshalBody writes the packet's body (not the type_id header).
	MarshalBody(w *codec.Writer)
	// UnmarshalBody reads the packet's body from r.
	UnmarshalBody(r *codec.Reader) error
	// Validate reports whether the packet's fields are well-formed. Called
	// by the registry immediately after UnmarshalBody.
	Validate() error
}

// ErrKind classifies a ProtocolError/CodecError/PacketError family failure
// surfaced by the registry and dispatcher.
type ErrKind uint8

const (
	Malformed ErrKind = iota
	UnknownType
)

// PacketError is returned by decode on a malformed or unrecognized packet.
type PacketError struct {
	Kind ErrKind
	Msg  string
}

func (e *PacketError) Error() string {
	switch e.Kind {
	case UnknownType:
		return fmt.Sprintf("interlink: unknown packet type: %s", e.Msg)
	default:
		return fmt.Sprintf("interlink: malformed packet: %s", e.Msg)
	}
}

// FNV1a32 computes the 32-bit FNV-1a hash of name, used to derive a
// packet's type_id from its symbolic name (spec.md §3).
func FNV1a32(name string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(name); i++ {
		h ^= uint32(name[i])
		h *= prime32
	}
	return h
}

// FNV1a64 computes the 64-bit FNV-1a hash of name, used for stable command
// IDs (spec.md §4.12).
func FNV1a64(name string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(name); i++ {
		h ^= uint64(name[i])
		h *= prime64
	}
	return h
}

// Factory constructs a zero-valued instance of a registered packet type,
// ready to have UnmarshalBody called on it.
type Factory func() Packet

type registeredType struct {
	name    string
	factory Factory
}

// RegisteredPacket describes one entry in the registry, used by the debug
// introspection endpoint (SPEC_FULL.md "packet registry introspection").
type RegisteredPacket struct {
	TypeID uint32
	Name   string
}

// Registry is a process-wide mapping from type_id to (constructor, name),
// populated once at process startup (spec.md §3, §9 "global singletons").
type Registry struct {
	mu    sync.RWMutex
	types map[uint32]registeredType
}

// NewRegistry creates an empty packet registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[uint32]registeredType)}
}

// Register adds a packet type under the given symbolic name. Calling
// Register twice for the same name (or a colliding type_id) panics, since
// this only ever happens at process startup wiring and is a programmer
// error, not a runtime condition.
func (reg *Registry) Register(name string, factory Factory) uint32 {
	id := FNV1a32(name)
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if existing, ok := reg.types[id]; ok {
		panic(fmt.Sprintf("interlink: packet type_id collision: %q and %q both hash to %d", existing.name, name, id))
	}
	reg.types[id] = registeredType{name: name, factory: factory}
	return id
}

// Decode reads a type_id header from buf, constructs the registered packet,
// deserializes its body, and validates it.
func (reg *Registry) Decode(buf []byte) (Packet, error) {
	r := codec.NewReader(buf)
	typeID, err := r.U32()
	if err != nil {
		return nil, &PacketError{Kind: Malformed, Msg: "truncated type_id header"}
	}

	reg.mu.RLock()
	rt, ok := reg.types[typeID]
	reg.mu.RUnlock()
	if !ok {
		return nil, &PacketError{Kind: UnknownType, Msg: fmt.Sprintf("type_id %d", typeID)}
	}

	p := rt.factory()
	if err := p.UnmarshalBody(r); err != nil {
		return nil, &PacketError{Kind: Malformed, Msg: fmt.Sprintf("%s: %v", rt.name, err)}
	}
	if err := p.Validate(); err != nil {
		return nil, &PacketError{Kind: Malformed, Msg: fmt.Sprintf("%s: validate: %v", rt.name, err)}
	}
	return p, nil
}

// Encode writes a packet's type_id header followed by its body.
func Encode(p Packet) []byte {
	w := codec.NewWriter(64)
	w.U32(p.TypeID())
	p.MarshalBody(w)
	return w.Bytes()
}

// Name returns the registered symbolic name for typeID, or "" if unknown.
func (reg *Registry) Name(typeID uint32) string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.types[typeID].name
}

// Describe returns every registered packet type, for operator debugging.
func (reg *Registry) Describe() []RegisteredPacket {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]RegisteredPacket, 0, len(reg.types))
	for id, rt := range reg.types {
		out = append(out, RegisteredPacket{TypeID: id, Name: rt.name})
	}
	return out
}

// IdentityPayload encodes a NodeIdentity as the generic byte-blob identity
// sent at connection establishment time (spec.md §4.1, §4.4).
func IdentityPayload(n identity.NodeIdentity) []byte {
	return n.MarshalBytes()
}
