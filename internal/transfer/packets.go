// Package transfer implements the Transfer Coordinator (spec.md §4.9,
// §4.11): the two-phase entity-transfer protocol between shards and the
// six-stage client-transfer protocol orchestrated by the proxy.
//
// Grounded on github.com/r2northstar/atlas's pkg/api/api0 request/response
// pairs (one struct per wire message, Marshal/Unmarshal symmetric with the
// byte codec) generalized into the stage-tagged packets this protocol
// needs.
package transfer

import (
	"fmt"

	"github.com/atlasnet/atlasnet/internal/codec"
	"github.com/atlasnet/atlasnet/internal/entity"
	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/atlasnet/atlasnet/internal/interlink"
	"github.com/google/uuid"
)

func marshalUUIDs(w *codec.Writer, ids []uuid.UUID) {
	w.Varint(uint64(len(ids)))
	for _, id := range ids {
		w.UUID(id)
	}
}

func unmarshalUUIDs(r *codec.Reader) ([]uuid.UUID, error) {
	n, err := r.Varint()
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, n)
	for i := uint64(0); i < n; i++ {
		id, err := r.UUID()
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// --- EntityTransfer packets (spec.md §4.9) ---

// EntityTransferPrepare is sent A->B to open a transfer.
type EntityTransferPrepare struct {
	TransferID uuid.UUID
	EntityIDs  []uuid.UUID
}

func (p *EntityTransferPrepare) TypeID() uint32 { return interlink.FNV1a32("EntityTransferPrepare") }

func (p *EntityTransferPrepare) MarshalBody(w *codec.Writer) {
	w.UUID(p.TransferID)
	marshalUUIDs(w, p.EntityIDs)
}

func (p *EntityTransferPrepare) UnmarshalBody(r *codec.Reader) error {
	var err error
	if p.TransferID, err = r.UUID(); err != nil {
		return fmt.Errorf("transfer_id: %w", err)
	}
	if p.EntityIDs, err = unmarshalUUIDs(r); err != nil {
		return fmt.Errorf("entity_ids: %w", err)
	}
	return nil
}

func (p *EntityTransferPrepare) Validate() error {
	if len(p.EntityIDs) == 0 {
		return fmt.Errorf("entity_ids must not be empty")
	}
	return nil
}

// EntityTransferReady is sent B->A once B has recorded a receiving
// transfer for transfer_id.
type EntityTransferReady struct {
	TransferID uuid.UUID
}

func (p *EntityTransferReady) TypeID() uint32 { return interlink.FNV1a32("EntityTransferReady") }
func (p *EntityTransferReady) MarshalBody(w *codec.Writer) { w.UUID(p.TransferID) }
func (p *EntityTransferReady) UnmarshalBody(r *codec.Reader) error {
	var err error
	p.TransferID, err = r.UUID()
	return err
}
func (p *EntityTransferReady) Validate() error { return nil }

// CommitEntry pairs an entity snapshot with the generation the receiver
// must adopt it at (snapshot.transfer_generation + 1 on the sender).
type CommitEntry struct {
	Snapshot   entity.Entity
	Generation uint64
}

// EntityTransferCommit is sent A->B carrying the entities A has erased
// from its ledger.
type EntityTransferCommit struct {
	TransferID uuid.UUID
	Entries    []CommitEntry
}

func (p *EntityTransferCommit) TypeID() uint32 { return interlink.FNV1a32("EntityTransferCommit") }

func (p *EntityTransferCommit) MarshalBody(w *codec.Writer) {
	w.UUID(p.TransferID)
	w.Varint(uint64(len(p.Entries)))
	for _, e := range p.Entries {
		e.Snapshot.Marshal(w)
		w.U64(e.Generation)
	}
}

func (p *EntityTransferCommit) UnmarshalBody(r *codec.Reader) error {
	var err error
	if p.TransferID, err = r.UUID(); err != nil {
		return fmt.Errorf("transfer_id: %w", err)
	}
	n, err := r.Varint()
	if err != nil {
		return fmt.Errorf("entry count: %w", err)
	}
	p.Entries = make([]CommitEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		snap, err := entity.Unmarshal(r)
		if err != nil {
			return fmt.Errorf("entry %d snapshot: %w", i, err)
		}
		gen, err := r.U64()
		if err != nil {
			return fmt.Errorf("entry %d generation: %w", i, err)
		}
		p.Entries = append(p.Entries, CommitEntry{Snapshot: snap, Generation: gen})
	}
	return nil
}

func (p *EntityTransferCommit) Validate() error {
	if len(p.Entries) == 0 {
		return fmt.Errorf("entries must not be empty")
	}
	return nil
}

// EntityTransferComplete is sent B->A once B has adopted every entity in
// the commit.
type EntityTransferComplete struct {
	TransferID uuid.UUID
}

func (p *EntityTransferComplete) TypeID() uint32 { return interlink.FNV1a32("EntityTransferComplete") }
func (p *EntityTransferComplete) MarshalBody(w *codec.Writer) { w.UUID(p.TransferID) }
func (p *EntityTransferComplete) UnmarshalBody(r *codec.Reader) error {
	var err error
	p.TransferID, err = r.UUID()
	return err
}
func (p *EntityTransferComplete) Validate() error { return nil }

// --- ClientTransfer packets (spec.md §4.11) ---

// ShardPrepare is sent A->B: entity snapshots plus last applied packet_seq
// per entity.
type ShardPrepare struct {
	TransferID uuid.UUID
	Entries    []CommitEntry
}

func (p *ShardPrepare) TypeID() uint32 { return interlink.FNV1a32("ClientTransferShardPrepare") }

func (p *ShardPrepare) MarshalBody(w *codec.Writer) {
	w.UUID(p.TransferID)
	w.Varint(uint64(len(p.Entries)))
	for _, e := range p.Entries {
		e.Snapshot.Marshal(w)
		w.U64(e.Generation)
	}
}

func (p *ShardPrepare) UnmarshalBody(r *codec.Reader) error {
	var err error
	if p.TransferID, err = r.UUID(); err != nil {
		return err
	}
	n, err := r.Varint()
	if err != nil {
		return err
	}
	p.Entries = make([]CommitEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		snap, err := entity.Unmarshal(r)
		if err != nil {
			return err
		}
		gen, err := r.U64()
		if err != nil {
			return err
		}
		p.Entries = append(p.Entries, CommitEntry{Snapshot: snap, Generation: gen})
	}
	return nil
}

func (p *ShardPrepare) Validate() error {
	if len(p.Entries) == 0 {
		return fmt.Errorf("entries must not be empty")
	}
	return nil
}

// ShardReady is sent B->A: acknowledgment naming the entity IDs B is
// prepared to receive.
type ShardReady struct {
	TransferID uuid.UUID
	EntityIDs  []uuid.UUID
}

func (p *ShardReady) TypeID() uint32 { return interlink.FNV1a32("ClientTransferShardReady") }
func (p *ShardReady) MarshalBody(w *codec.Writer) {
	w.UUID(p.TransferID)
	marshalUUIDs(w, p.EntityIDs)
}
func (p *ShardReady) UnmarshalBody(r *codec.Reader) error {
	var err error
	if p.TransferID, err = r.UUID(); err != nil {
		return err
	}
	p.EntityIDs, err = unmarshalUUIDs(r)
	return err
}
func (p *ShardReady) Validate() error {
	if len(p.EntityIDs) == 0 {
		return fmt.Errorf("entity_ids must not be empty")
	}
	return nil
}

// ProxyRequestSwitch is sent A->P: asks the proxy to redirect client_id's
// intent stream from A to B. EntityIDs names the entities (avatar plus any
// attached entities) owned by client_id that are moving with it; ClientID
// is carried explicitly rather than inferred from EntityIDs, since spec.md
// §3 treats entity_id and client_id as distinct fields.
type ProxyRequestSwitch struct {
	TransferID uuid.UUID
	ClientID   uuid.UUID
	EntityIDs  []uuid.UUID
	NewOwner   identity.NodeIdentity
}

func (p *ProxyRequestSwitch) TypeID() uint32 {
	return interlink.FNV1a32("ClientTransferProxyRequestSwitch")
}
func (p *ProxyRequestSwitch) MarshalBody(w *codec.Writer) {
	w.UUID(p.TransferID)
	w.UUID(p.ClientID)
	marshalUUIDs(w, p.EntityIDs)
	p.NewOwner.Marshal(w)
}
func (p *ProxyRequestSwitch) UnmarshalBody(r *codec.Reader) error {
	var err error
	if p.TransferID, err = r.UUID(); err != nil {
		return err
	}
	if p.ClientID, err = r.UUID(); err != nil {
		return err
	}
	if p.EntityIDs, err = unmarshalUUIDs(r); err != nil {
		return err
	}
	p.NewOwner, err = identity.Unmarshal(r)
	return err
}
func (p *ProxyRequestSwitch) Validate() error {
	if len(p.EntityIDs) == 0 {
		return fmt.Errorf("entity_ids must not be empty")
	}
	return nil
}

// ProxyFreeze is sent P->A: confirms intent forwarding is paused and
// buffering.
type ProxyFreeze struct {
	TransferID uuid.UUID
}

func (p *ProxyFreeze) TypeID() uint32 { return interlink.FNV1a32("ClientTransferProxyFreeze") }
func (p *ProxyFreeze) MarshalBody(w *codec.Writer) { w.UUID(p.TransferID) }
func (p *ProxyFreeze) UnmarshalBody(r *codec.Reader) error {
	var err error
	p.TransferID, err = r.UUID()
	return err
}
func (p *ProxyFreeze) Validate() error { return nil }

// ShardDrained is sent A->P: A has processed all buffered intents up to
// drained_seq and forwards the post-transfer generation counter.
type ShardDrained struct {
	TransferID  uuid.UUID
	DrainedSeq  uint64
	Generation  uint64
}

func (p *ShardDrained) TypeID() uint32 { return interlink.FNV1a32("ClientTransferShardDrained") }
func (p *ShardDrained) MarshalBody(w *codec.Writer) {
	w.UUID(p.TransferID)
	w.U64(p.DrainedSeq)
	w.U64(p.Generation)
}
func (p *ShardDrained) UnmarshalBody(r *codec.Reader) error {
	var err error
	if p.TransferID, err = r.UUID(); err != nil {
		return err
	}
	if p.DrainedSeq, err = r.U64(); err != nil {
		return err
	}
	p.Generation, err = r.U64()
	return err
}
func (p *ShardDrained) Validate() error { return nil }

// ProxyTransferActivate is sent P->B: retargets the client to B. The
// proxy's buffered, replayed intents carry drained_seq so B can ignore
// any packet_seq <= drained_seq.
type ProxyTransferActivate struct {
	TransferID uuid.UUID
	DrainedSeq uint64
}

func (p *ProxyTransferActivate) TypeID() uint32 {
	return interlink.FNV1a32("ClientTransferProxyTransferActivate")
}
func (p *ProxyTransferActivate) MarshalBody(w *codec.Writer) {
	w.UUID(p.TransferID)
	w.U64(p.DrainedSeq)
}
func (p *ProxyTransferActivate) UnmarshalBody(r *codec.Reader) error {
	var err error
	if p.TransferID, err = r.UUID(); err != nil {
		return err
	}
	p.DrainedSeq, err = r.U64()
	return err
}
func (p *ProxyTransferActivate) Validate() error { return nil }

// Register adds every transfer packet type to reg.
func Register(reg *interlink.Registry) {
	reg.Register("EntityTransferPrepare", func() interlink.Packet { return &EntityTransferPrepare{} })
	reg.Register("EntityTransferReady", func() interlink.Packet { return &EntityTransferReady{} })
	reg.Register("EntityTransferCommit", func() interlink.Packet { return &EntityTransferCommit{} })
	reg.Register("EntityTransferComplete", func() interlink.Packet { return &EntityTransferComplete{} })
	reg.Register("ClientTransferShardPrepare", func() interlink.Packet { return &ShardPrepare{} })
	reg.Register("ClientTransferShardReady", func() interlink.Packet { return &ShardReady{} })
	reg.Register("ClientTransferProxyRequestSwitch", func() interlink.Packet { return &ProxyRequestSwitch{} })
	reg.Register("ClientTransferProxyFreeze", func() interlink.Packet { return &ProxyFreeze{} })
	reg.Register("ClientTransferShardDrained", func() interlink.Packet { return &ShardDrained{} })
	reg.Register("ClientTransferProxyTransferActivate", func() interlink.Packet { return &ProxyTransferActivate{} })
}
