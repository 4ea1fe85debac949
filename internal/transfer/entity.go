package transfer

import (
	"context"
	"sync"

	"github.com/atlasnet/atlasnet/internal/authority"
	"github.com/atlasnet/atlasnet/internal/bound"
	"github.com/atlasnet/atlasnet/internal/entity"
	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/atlasnet/atlasnet/internal/interlink"
	"github.com/atlasnet/atlasnet/internal/ledger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Mode distinguishes the sending and receiving side of an entity transfer.
type Mode uint8

const (
	Sending Mode = iota
	Receiving
)

// Stage is an entity transfer's position in the two-phase protocol
// (spec.md §3, §4.9).
type Stage uint8

const (
	StageNone Stage = iota
	StagePrepare
	StageReady
	StageCommit
	StageComplete
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "None"
	case StagePrepare:
		return "Prepare"
	case StageReady:
		return "Ready"
	case StageCommit:
		return "Commit"
	case StageComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// record is one in-flight entity transfer, sender or receiver side.
type record struct {
	transferID uuid.UUID
	peer       identity.NodeIdentity
	mode       Mode
	stage      Stage
	entityIDs  map[uuid.UUID]struct{}
}

// clientTransfer tracks one in-flight six-stage client transfer (spec.md
// §4.11) from a shard's point of view, sender (A) or receiver (B) side.
// byClient groups the sender side's entries by the client they belong to,
// since ProxyRequestSwitch (stage 3) is addressed per client_id.
type clientTransfer struct {
	transferID uuid.UUID
	peer       identity.NodeIdentity
	mode       Mode
	stage      Stage
	entries    map[uuid.UUID]CommitEntry
	byClient   map[uuid.UUID][]uuid.UUID
}

// Sender is the subset of Interlink the Coordinator needs to emit packets,
// narrowed so tests can supply a fake.
type Sender interface {
	Send(ctx context.Context, target identity.NodeIdentity, packet interlink.Packet, r interlink.Reliability) error
}

// BoundOwnerResolver resolves a bound_id to its currently claimed owner.
type BoundOwnerResolver func(ctx context.Context, boundID uint32) (identity.NodeIdentity, bool)

// ProxyResolver resolves the proxy currently managing clientID, used to
// address stage 3's ProxyRequestSwitch (spec.md §4.11).
type ProxyResolver func(ctx context.Context, clientID uuid.UUID) (identity.NodeIdentity, error)

// Coordinator drives the entity-transfer state machines for one shard
// (spec.md §4.9). It groups entities reported by the ledger's sweep by
// destination bound, opens or advances transfers, and applies Commit
// payloads to the ledger and authority tracker.
type Coordinator struct {
	self         identity.NodeIdentity
	sender       Sender
	ledger       *ledger.Ledger
	tracker      *authority.Tracker
	resolve      BoundOwnerResolver
	resolveProxy ProxyResolver
	log          zerolog.Logger

	mu            sync.Mutex
	records       map[uuid.UUID]*record
	clientRecords map[uuid.UUID]*clientTransfer
}

// New creates a Coordinator for self. resolveProxy addresses stage 3 of the
// client-transfer protocol (spec.md §4.11); production callers back it with
// commandbus.NewDiscoveryProxyResolver.
func New(self identity.NodeIdentity, sender Sender, l *ledger.Ledger, tracker *authority.Tracker, resolve BoundOwnerResolver, resolveProxy ProxyResolver, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		self:          self,
		sender:        sender,
		ledger:        l,
		tracker:       tracker,
		resolve:       resolve,
		resolveProxy:  resolveProxy,
		log:           log,
		records:       make(map[uuid.UUID]*record),
		clientRecords: make(map[uuid.UUID]*clientTransfer),
	}
}

// BeginOutgoing groups swept (out-of-bound) entities by the bound_id they
// now sit inside and opens one Prepare-stage transfer per target shard.
// Groups targeting an unmapped bound or self are dropped, per spec.md §4.9.
// Entities that don't resolve to any bound stay in the ledger and are taken
// off the in-transit set, so the next sweep reports them again.
func (c *Coordinator) BeginOutgoing(ctx context.Context, swept []entity.Entity, locate func(entity.Entity) (uint32, bool)) {
	if len(swept) == 0 {
		return
	}

	type group struct {
		plain  []entity.Entity
		client []entity.Entity
	}
	groups := make(map[uint32]*group)
	for _, e := range swept {
		boundID, ok := locate(e)
		if !ok {
			c.ledger.ClearInTransit(e.EntityID)
			continue
		}
		g, ok := groups[boundID]
		if !ok {
			g = &group{}
			groups[boundID] = g
		}
		if e.IsClient {
			g.client = append(g.client, e)
		} else {
			g.plain = append(g.plain, e)
		}
	}

	for boundID, g := range groups {
		target, ok := c.resolve(ctx, boundID)
		if !ok || target.Equal(c.self) {
			continue
		}
		if len(g.plain) > 0 {
			c.openOutgoing(ctx, target, g.plain)
		}
		if len(g.client) > 0 {
			c.openOutgoingClient(ctx, target, g.client)
		}
	}
}

func (c *Coordinator) openOutgoing(ctx context.Context, target identity.NodeIdentity, entities []entity.Entity) {
	transferID := uuid.New()
	ids := make(map[uuid.UUID]struct{}, len(entities))
	entityIDs := make([]uuid.UUID, 0, len(entities))
	for _, e := range entities {
		ids[e.EntityID] = struct{}{}
		entityIDs = append(entityIDs, e.EntityID)
		c.tracker.MarkPassing(e.EntityID, target)
	}

	c.mu.Lock()
	c.records[transferID] = &record{transferID: transferID, peer: target, mode: Sending, stage: StagePrepare, entityIDs: ids}
	c.mu.Unlock()

	pkt := &EntityTransferPrepare{TransferID: transferID, EntityIDs: entityIDs}
	if err := c.sender.Send(ctx, target, pkt, interlink.ReliableNow); err != nil {
		c.log.Warn().Err(err).Stringer("transfer_id", transferID).Msg("transfer: prepare send failed")
	}
}

// HandlePrepare is the receiver-side handler for EntityTransferPrepare
// (spec.md §4.9 receiver step 1).
func (c *Coordinator) HandlePrepare(ctx context.Context, p *EntityTransferPrepare, from identity.NodeIdentity) {
	ids := make(map[uuid.UUID]struct{}, len(p.EntityIDs))
	for _, id := range p.EntityIDs {
		ids[id] = struct{}{}
	}

	c.mu.Lock()
	if _, exists := c.records[p.TransferID]; exists {
		c.mu.Unlock()
		return // duplicate Prepare for a transfer we've already recorded
	}
	c.records[p.TransferID] = &record{transferID: p.TransferID, peer: from, mode: Receiving, stage: StageReady, entityIDs: ids}
	c.mu.Unlock()

	reply := &EntityTransferReady{TransferID: p.TransferID}
	if err := c.sender.Send(ctx, from, reply, interlink.ReliableNow); err != nil {
		c.log.Warn().Err(err).Stringer("transfer_id", p.TransferID).Msg("transfer: ready send failed")
	}
}

// HandleReady is the sender-side handler for EntityTransferReady
// (spec.md §4.9 sender step 2).
func (c *Coordinator) HandleReady(ctx context.Context, p *EntityTransferReady, from identity.NodeIdentity) {
	c.mu.Lock()
	rec, ok := c.records[p.TransferID]
	if !ok || rec.mode != Sending || rec.stage != StagePrepare || !rec.peer.Equal(from) {
		c.mu.Unlock()
		if ok {
			c.log.Debug().Stringer("transfer_id", p.TransferID).Str("stage", rec.stage.String()).Msg("transfer: dropped out-of-order Ready")
		}
		return
	}
	entries := make([]CommitEntry, 0, len(rec.entityIDs))
	for id := range rec.entityIDs {
		e, ok := c.ledger.Erase(id)
		if !ok {
			continue
		}
		entries = append(entries, CommitEntry{Snapshot: e, Generation: e.TransferGeneration + 1})
	}
	rec.stage = StageCommit
	c.mu.Unlock()

	commit := &EntityTransferCommit{TransferID: p.TransferID, Entries: entries}
	if err := c.sender.Send(ctx, from, commit, interlink.ReliableNow); err != nil {
		c.log.Warn().Err(err).Stringer("transfer_id", p.TransferID).Msg("transfer: commit send failed")
	}
}

// HandleCommit is the receiver-side handler for EntityTransferCommit
// (spec.md §4.9 receiver step 2).
func (c *Coordinator) HandleCommit(ctx context.Context, p *EntityTransferCommit, from identity.NodeIdentity) {
	c.mu.Lock()
	rec, ok := c.records[p.TransferID]
	if !ok || rec.mode != Receiving || rec.stage != StageReady || !rec.peer.Equal(from) {
		c.mu.Unlock()
		if ok {
			c.log.Debug().Stringer("transfer_id", p.TransferID).Str("stage", rec.stage.String()).Msg("transfer: dropped out-of-order Commit")
		}
		return
	}
	delete(c.records, p.TransferID)
	c.mu.Unlock()

	for _, e := range p.Entries {
		snap := e.Snapshot
		snap.TransferGeneration = e.Generation
		c.ledger.UpsertSnapshot(snap)
		c.tracker.MarkAuthoritative(snap.EntityID)
	}

	complete := &EntityTransferComplete{TransferID: p.TransferID}
	if err := c.sender.Send(ctx, from, complete, interlink.ReliableNow); err != nil {
		c.log.Warn().Err(err).Stringer("transfer_id", p.TransferID).Msg("transfer: complete send failed")
	}
}

// HandleComplete is the sender-side handler for EntityTransferComplete
// (spec.md §4.9 sender step 3, terminal).
func (c *Coordinator) HandleComplete(ctx context.Context, p *EntityTransferComplete, from identity.NodeIdentity) {
	c.mu.Lock()
	rec, ok := c.records[p.TransferID]
	if !ok || rec.mode != Sending || rec.stage != StageCommit || !rec.peer.Equal(from) {
		c.mu.Unlock()
		return
	}
	for id := range rec.entityIDs {
		c.ledger.ClearInTransit(id)
	}
	delete(c.records, p.TransferID)
	c.mu.Unlock()
}

// Pending reports the number of in-flight transfers, for telemetry.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// openOutgoingClient opens a stage-1 client transfer to target for a group
// of client-owned entities swept out of bound. Unlike openOutgoing's plain
// entity-transfer, the entities are sent immediately in ShardPrepare and
// grouped by owning client so stage 3's ProxyRequestSwitch can be addressed
// per client_id.
func (c *Coordinator) openOutgoingClient(ctx context.Context, target identity.NodeIdentity, entities []entity.Entity) {
	transferID := uuid.New()
	entries := make(map[uuid.UUID]CommitEntry, len(entities))
	byClient := make(map[uuid.UUID][]uuid.UUID)
	pktEntries := make([]CommitEntry, 0, len(entities))
	for _, e := range entities {
		ce := CommitEntry{Snapshot: e, Generation: e.TransferGeneration + 1}
		entries[e.EntityID] = ce
		pktEntries = append(pktEntries, ce)
		byClient[e.ClientID] = append(byClient[e.ClientID], e.EntityID)
		c.tracker.MarkPassing(e.EntityID, target)
	}

	c.mu.Lock()
	c.clientRecords[transferID] = &clientTransfer{
		transferID: transferID,
		peer:       target,
		mode:       Sending,
		stage:      StagePrepare,
		entries:    entries,
		byClient:   byClient,
	}
	c.mu.Unlock()

	pkt := &ShardPrepare{TransferID: transferID, Entries: pktEntries}
	if err := c.sender.Send(ctx, target, pkt, interlink.ReliableNow); err != nil {
		c.log.Warn().Err(err).Stringer("transfer_id", transferID).Msg("transfer: shard prepare send failed")
	}
}

// HandleShardPrepare is the receiver-side handler for ShardPrepare (spec.md
// §4.11 stage 1->2): B stages the incoming entities without yet installing
// them in its ledger, and acknowledges with ShardReady.
func (c *Coordinator) HandleShardPrepare(ctx context.Context, p *ShardPrepare, from identity.NodeIdentity) {
	entries := make(map[uuid.UUID]CommitEntry, len(p.Entries))
	ids := make([]uuid.UUID, 0, len(p.Entries))
	for _, e := range p.Entries {
		entries[e.Snapshot.EntityID] = e
		ids = append(ids, e.Snapshot.EntityID)
	}

	c.mu.Lock()
	if _, exists := c.clientRecords[p.TransferID]; exists {
		c.mu.Unlock()
		return // duplicate ShardPrepare for a transfer we've already staged
	}
	c.clientRecords[p.TransferID] = &clientTransfer{
		transferID: p.TransferID,
		peer:       from,
		mode:       Receiving,
		stage:      StageReady,
		entries:    entries,
	}
	c.mu.Unlock()

	reply := &ShardReady{TransferID: p.TransferID, EntityIDs: ids}
	if err := c.sender.Send(ctx, from, reply, interlink.ReliableNow); err != nil {
		c.log.Warn().Err(err).Stringer("transfer_id", p.TransferID).Msg("transfer: shard ready send failed")
	}
}

// HandleShardReady is the sender-side handler for ShardReady (spec.md
// §4.11 stage 2->3): A asks each affected client's managing proxy to
// redirect that client's intent stream toward B.
func (c *Coordinator) HandleShardReady(ctx context.Context, p *ShardReady, from identity.NodeIdentity) {
	c.mu.Lock()
	rec, ok := c.clientRecords[p.TransferID]
	if !ok || rec.mode != Sending || rec.stage != StagePrepare || !rec.peer.Equal(from) {
		c.mu.Unlock()
		if ok {
			c.log.Debug().Stringer("transfer_id", p.TransferID).Str("stage", rec.stage.String()).Msg("transfer: dropped out-of-order ShardReady")
		}
		return
	}
	rec.stage = StageCommit
	target := rec.peer
	byClient := rec.byClient
	c.mu.Unlock()

	for clientID, entityIDs := range byClient {
		proxy, err := c.resolveProxy(ctx, clientID)
		if err != nil {
			c.log.Warn().Err(err).Stringer("client_id", clientID).Msg("transfer: resolve proxy failed")
			continue
		}
		req := &ProxyRequestSwitch{TransferID: p.TransferID, ClientID: clientID, EntityIDs: entityIDs, NewOwner: target}
		if err := c.sender.Send(ctx, proxy, req, interlink.ReliableNow); err != nil {
			c.log.Warn().Err(err).Stringer("transfer_id", p.TransferID).Msg("transfer: proxy request switch send failed")
		}
	}
}

// HandleProxyFreeze is A's handler for the proxy's stage-4 acknowledgment
// (spec.md §4.11 stage 4->5): A erases the transferred entities from its
// own ledger and reports the highest packet_seq/generation it applied, via
// ShardDrained, so B knows what to discard on activation.
func (c *Coordinator) HandleProxyFreeze(ctx context.Context, p *ProxyFreeze, from identity.NodeIdentity) {
	c.mu.Lock()
	rec, ok := c.clientRecords[p.TransferID]
	if !ok || rec.mode != Sending || rec.stage != StageCommit {
		c.mu.Unlock()
		return
	}
	entries := rec.entries
	delete(c.clientRecords, p.TransferID)
	c.mu.Unlock()

	var maxGen, maxSeq uint64
	for id, ce := range entries {
		c.ledger.Erase(id)
		c.ledger.ClearInTransit(id)
		if ce.Generation > maxGen {
			maxGen = ce.Generation
		}
		if ce.Snapshot.PacketSeq > maxSeq {
			maxSeq = ce.Snapshot.PacketSeq
		}
	}

	drained := &ShardDrained{TransferID: p.TransferID, DrainedSeq: maxSeq, Generation: maxGen}
	if err := c.sender.Send(ctx, from, drained, interlink.ReliableNow); err != nil {
		c.log.Warn().Err(err).Stringer("transfer_id", p.TransferID).Msg("transfer: shard drained send failed")
	}
}

// HandleProxyTransferActivate is B's handler for stage 6: the proxy has
// retargeted the client, so B commits the entities it staged at ShardPrepare
// into its own ledger and marks them authoritative.
func (c *Coordinator) HandleProxyTransferActivate(ctx context.Context, p *ProxyTransferActivate, from identity.NodeIdentity) {
	c.mu.Lock()
	rec, ok := c.clientRecords[p.TransferID]
	if !ok || rec.mode != Receiving || rec.stage != StageReady {
		c.mu.Unlock()
		return
	}
	entries := rec.entries
	delete(c.clientRecords, p.TransferID)
	c.mu.Unlock()

	for _, ce := range entries {
		snap := ce.Snapshot
		snap.TransferGeneration = ce.Generation
		snap.PacketSeq = p.DrainedSeq
		c.ledger.UpsertSnapshot(snap)
		c.tracker.MarkAuthoritative(snap.EntityID)
	}
}

// Subscribe registers every handler this Coordinator needs on bus.
func (c *Coordinator) Subscribe(ctx context.Context, bus *interlink.Bus) []interlink.Subscription {
	return []interlink.Subscription{
		bus.Subscribe((&EntityTransferPrepare{}).TypeID(), func(p interlink.Packet, from identity.NodeIdentity) {
			c.HandlePrepare(ctx, p.(*EntityTransferPrepare), from)
		}),
		bus.Subscribe((&EntityTransferReady{}).TypeID(), func(p interlink.Packet, from identity.NodeIdentity) {
			c.HandleReady(ctx, p.(*EntityTransferReady), from)
		}),
		bus.Subscribe((&EntityTransferCommit{}).TypeID(), func(p interlink.Packet, from identity.NodeIdentity) {
			c.HandleCommit(ctx, p.(*EntityTransferCommit), from)
		}),
		bus.Subscribe((&EntityTransferComplete{}).TypeID(), func(p interlink.Packet, from identity.NodeIdentity) {
			c.HandleComplete(ctx, p.(*EntityTransferComplete), from)
		}),
		bus.Subscribe((&ShardPrepare{}).TypeID(), func(p interlink.Packet, from identity.NodeIdentity) {
			c.HandleShardPrepare(ctx, p.(*ShardPrepare), from)
		}),
		bus.Subscribe((&ShardReady{}).TypeID(), func(p interlink.Packet, from identity.NodeIdentity) {
			c.HandleShardReady(ctx, p.(*ShardReady), from)
		}),
		bus.Subscribe((&ProxyFreeze{}).TypeID(), func(p interlink.Packet, from identity.NodeIdentity) {
			c.HandleProxyFreeze(ctx, p.(*ProxyFreeze), from)
		}),
		bus.Subscribe((&ProxyTransferActivate{}).TypeID(), func(p interlink.Packet, from identity.NodeIdentity) {
			c.HandleProxyTransferActivate(ctx, p.(*ProxyTransferActivate), from)
		}),
	}
}

// LocateByClaimed returns a locate func (for BeginOutgoing) backed by the
// current full bound set (pending + claimed), used when a shard has
// visibility into the whole partition rather than just its own bound.
func LocateByClaimed(set bound.Set) func(entity.Entity) (uint32, bool) {
	return func(e entity.Entity) (uint32, bool) {
		return set.Locate(e.Transform.Position)
	}
}
