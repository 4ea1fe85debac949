// Package entity implements the Entity data model shared by the Entity
// Ledger, Transfer Coordinator, and Authority Tracker (spec.md §3).
package entity

import (
	"fmt"

	"github.com/atlasnet/atlasnet/internal/codec"
	"github.com/google/uuid"
)

// ID is a u128, represented as a 16-byte UUID so it lines up with
// NodeIdentity's UUID field and google/uuid's 16-byte representation.
type ID = uuid.UUID

// Transform is an entity's spatial state.
type Transform struct {
	World       uint16
	Position    codec.Vec3
	BoundingBox codec.AABB3f
}

// Entity is a simulated object, possibly the avatar of a connected client.
type Entity struct {
	EntityID ID

	IsClient bool
	ClientID ID

	Transform Transform

	// PacketSeq is the monotonic sequence of the last applied update for
	// this entity. It resets on creation and is preserved across transfers.
	PacketSeq uint64

	// TransferGeneration increments on every completed transfer; used to
	// detect stale messages after migration.
	TransferGeneration uint64

	// Metadata is an opaque payload, serialized as a length-prefixed blob.
	Metadata []byte
}

// Clone returns a deep copy of e (its Metadata slice is not aliased).
func (e Entity) Clone() Entity {
	if e.Metadata != nil {
		m := make([]byte, len(e.Metadata))
		copy(m, e.Metadata)
		e.Metadata = m
	}
	return e
}

// Marshal encodes e.
func (e Entity) Marshal(w *codec.Writer) {
	w.UUID(e.EntityID)
	w.Bool(e.IsClient)
	w.UUID(e.ClientID)
	w.U16(e.Transform.World)
	w.Vec3(e.Transform.Position)
	w.AABB3f(e.Transform.BoundingBox)
	w.U64(e.PacketSeq)
	w.U64(e.TransferGeneration)
	w.Blob(e.Metadata)
}

// Unmarshal decodes an Entity written by Marshal.
func Unmarshal(r *codec.Reader) (Entity, error) {
	var e Entity
	var err error
	if e.EntityID, err = r.UUID(); err != nil {
		return Entity{}, fmt.Errorf("entity: read entity_id: %w", err)
	}
	if e.IsClient, err = r.Bool(); err != nil {
		return Entity{}, fmt.Errorf("entity: read is_client: %w", err)
	}
	if e.ClientID, err = r.UUID(); err != nil {
		return Entity{}, fmt.Errorf("entity: read client_id: %w", err)
	}
	if e.Transform.World, err = r.U16(); err != nil {
		return Entity{}, fmt.Errorf("entity: read world: %w", err)
	}
	if e.Transform.Position, err = r.Vec3(); err != nil {
		return Entity{}, fmt.Errorf("entity: read position: %w", err)
	}
	if e.Transform.BoundingBox, err = r.AABB3f(); err != nil {
		return Entity{}, fmt.Errorf("entity: read bounding_box: %w", err)
	}
	if e.PacketSeq, err = r.U64(); err != nil {
		return Entity{}, fmt.Errorf("entity: read packet_seq: %w", err)
	}
	if e.TransferGeneration, err = r.U64(); err != nil {
		return Entity{}, fmt.Errorf("entity: read transfer_generation: %w", err)
	}
	if e.Metadata, err = r.Blob(); err != nil {
		return Entity{}, fmt.Errorf("entity: read metadata: %w", err)
	}
	return e, nil
}
