// Package router implements the Client Router (spec.md §4.11): the proxy
// binds each client's entities to an owning shard and orchestrates the
// six-stage client-transfer protocol when that owner changes.
//
// Grounded on github.com/r2northstar/atlas's pkg/api/api0/serverlist.go
// (a mutex-guarded table keyed by a stable ID, snapshot-on-read) combined
// with its a2s probe retry/backoff shape for the freeze/drain handshake.
package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/atlasnet/atlasnet/internal/interlink"
	"github.com/atlasnet/atlasnet/internal/transfer"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Sender is the subset of Interlink the Router needs.
type Sender interface {
	Send(ctx context.Context, target identity.NodeIdentity, packet interlink.Packet, r interlink.Reliability) error
}

// bufferedIntent is a client-intent command frozen during a transfer, kept
// verbatim (already-encoded) so it can be replayed unchanged once the
// target shard activates.
type bufferedIntent struct {
	clientID uuid.UUID
	body     []byte
}

// pendingTransfer tracks one in-flight client transfer from the proxy's
// point of view, keyed by the client_ids being switched (not their entity
// ids, which spec.md §3 defines as a distinct field — ProxyRequestSwitch
// carries client_id explicitly for exactly this reason).
type pendingTransfer struct {
	transferID uuid.UUID
	from, to   identity.NodeIdentity
	clientIDs  map[uuid.UUID]struct{}
	frozen     bool
	drainedSeq uint64
	buffered   []bufferedIntent
}

// Router binds clients to their owning shard and drives transfer activation.
type Router struct {
	self   identity.NodeIdentity
	sender Sender
	log    zerolog.Logger

	mu       sync.Mutex
	bindings map[uuid.UUID]identity.NodeIdentity // client_id -> owning shard
	pending  map[uuid.UUID]*pendingTransfer       // transfer_id -> state
}

// New creates a Router for proxy identity self.
func New(self identity.NodeIdentity, sender Sender, log zerolog.Logger) *Router {
	return &Router{
		self:     self,
		sender:   sender,
		log:      log,
		bindings: make(map[uuid.UUID]identity.NodeIdentity),
		pending:  make(map[uuid.UUID]*pendingTransfer),
	}
}

// BindClient assigns clientID to owner, used on initial client accept.
func (r *Router) BindClient(clientID uuid.UUID, owner identity.NodeIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[clientID] = owner
}

// OwnerOf returns the shard currently owning clientID's entity, if bound.
func (r *Router) OwnerOf(clientID uuid.UUID) (identity.NodeIdentity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.bindings[clientID]
	return owner, ok
}

// Unbind removes clientID, used on client disconnect.
func (r *Router) Unbind(clientID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, clientID)
}

// ForwardIntent routes an encoded client-intent command for clientID. If a
// transfer affecting this client is currently frozen, the intent is
// buffered instead of sent (spec.md §4.11 stage 4); otherwise it is sent
// immediately to the client's current owner.
func (r *Router) ForwardIntent(ctx context.Context, clientID uuid.UUID, commandBody []byte, send func(owner identity.NodeIdentity) error) error {
	r.mu.Lock()
	for _, pt := range r.pending {
		if !pt.frozen {
			continue
		}
		if _, tracked := pt.clientIDs[clientID]; tracked {
			pt.buffered = append(pt.buffered, bufferedIntent{clientID: clientID, body: commandBody})
			r.mu.Unlock()
			return nil
		}
	}
	r.mu.Unlock()
	return send(r.ownerOrSelf(clientID))
}

func (r *Router) ownerOrSelf(clientID uuid.UUID) identity.NodeIdentity {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.bindings[clientID]; ok {
		return owner
	}
	return identity.NodeIdentity{}
}

// HandleProxyRequestSwitch is stage 3->4: A asks this proxy to redirect
// the named entities' intent stream from A to B. The proxy pauses
// forwarding for those entities, buffers subsequent intents, and confirms
// with ProxyFreeze.
func (r *Router) HandleProxyRequestSwitch(ctx context.Context, p *transfer.ProxyRequestSwitch, from identity.NodeIdentity) {
	r.mu.Lock()
	r.pending[p.TransferID] = &pendingTransfer{
		transferID: p.TransferID,
		from:       from,
		to:         p.NewOwner,
		clientIDs:  map[uuid.UUID]struct{}{p.ClientID: {}},
		frozen:     true,
	}
	r.mu.Unlock()

	ack := &transfer.ProxyFreeze{TransferID: p.TransferID}
	if err := r.sender.Send(ctx, from, ack, interlink.ReliableNow); err != nil {
		r.log.Warn().Err(err).Stringer("transfer_id", p.TransferID).Msg("router: proxy freeze ack failed")
	}
}

// ReplayedIntent is one buffered client-intent command being handed back
// to the caller for retransmission, stamped with the transfer's
// drained_seq so the target shard can discard anything it already applied
// (spec.md §4.11 stage 6).
type ReplayedIntent struct {
	ClientID   uuid.UUID
	Body       []byte
	DrainedSeq uint64
}

// HandleShardDrained is stage 5->6: A has processed every buffered intent
// up to drained_seq and handed off the post-transfer generation. The proxy
// retargets the client to B, sends ProxyTransferActivate, and returns the
// buffered intents for the caller to replay through its own Command Bus
// client-intent path (payload semantics are an external collaborator per
// spec.md §1, so the Router only relays the command bodies verbatim).
func (r *Router) HandleShardDrained(ctx context.Context, p *transfer.ShardDrained, from identity.NodeIdentity) ([]ReplayedIntent, error) {
	r.mu.Lock()
	pt, ok := r.pending[p.TransferID]
	if !ok || !pt.from.Equal(from) {
		r.mu.Unlock()
		return nil, fmt.Errorf("router: shard drained for unknown transfer %s", p.TransferID)
	}
	pt.drainedSeq = p.DrainedSeq
	for id := range pt.clientIDs {
		r.bindings[id] = pt.to
	}
	buffered := pt.buffered
	to := pt.to
	delete(r.pending, p.TransferID)
	r.mu.Unlock()

	activate := &transfer.ProxyTransferActivate{TransferID: p.TransferID, DrainedSeq: p.DrainedSeq}
	if err := r.sender.Send(ctx, to, activate, interlink.ReliableNow); err != nil {
		return nil, fmt.Errorf("router: activate send: %w", err)
	}

	out := make([]ReplayedIntent, 0, len(buffered))
	for _, bi := range buffered {
		out = append(out, ReplayedIntent{ClientID: bi.clientID, Body: bi.body, DrainedSeq: p.DrainedSeq})
	}
	return out, nil
}
