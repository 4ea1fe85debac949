package transfer

import (
	"testing"

	"github.com/atlasnet/atlasnet/internal/codec"
	"github.com/atlasnet/atlasnet/internal/entity"
	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/atlasnet/atlasnet/internal/interlink"
	"github.com/google/uuid"
)

func roundTrip(t *testing.T, p interface {
	MarshalBody(w *codec.Writer)
	Validate() error
}, decode func(r *codec.Reader) error) {
	t.Helper()
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	w := codec.NewWriter(64)
	p.MarshalBody(w)
	if err := decode(codec.NewReader(w.Bytes())); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestEntityTransferPrepareRoundTrip(t *testing.T) {
	orig := &EntityTransferPrepare{TransferID: uuid.New(), EntityIDs: []uuid.UUID{uuid.New(), uuid.New()}}
	got := &EntityTransferPrepare{}
	roundTrip(t, orig, got.UnmarshalBody)
	if got.TransferID != orig.TransferID || len(got.EntityIDs) != 2 {
		t.Errorf("unexpected round trip: %+v", got)
	}
}

func TestEntityTransferPrepareValidateRejectsEmpty(t *testing.T) {
	p := &EntityTransferPrepare{TransferID: uuid.New()}
	if err := p.Validate(); err == nil {
		t.Error("expected Validate to reject empty entity_ids")
	}
}

func TestEntityTransferCommitRoundTrip(t *testing.T) {
	orig := &EntityTransferCommit{
		TransferID: uuid.New(),
		Entries: []CommitEntry{
			{Snapshot: entity.Entity{EntityID: uuid.New()}, Generation: 3},
		},
	}
	got := &EntityTransferCommit{}
	roundTrip(t, orig, got.UnmarshalBody)
	if len(got.Entries) != 1 || got.Entries[0].Generation != 3 {
		t.Errorf("unexpected round trip: %+v", got)
	}
	if got.Entries[0].Snapshot.EntityID != orig.Entries[0].Snapshot.EntityID {
		t.Errorf("entity id mismatch: %v != %v", got.Entries[0].Snapshot.EntityID, orig.Entries[0].Snapshot.EntityID)
	}
}

func TestProxyRequestSwitchRoundTrip(t *testing.T) {
	owner := identity.New(identity.RoleShard)
	orig := &ProxyRequestSwitch{TransferID: uuid.New(), EntityIDs: []uuid.UUID{uuid.New()}, NewOwner: owner}
	got := &ProxyRequestSwitch{}
	roundTrip(t, orig, got.UnmarshalBody)
	if !got.NewOwner.Equal(owner) {
		t.Errorf("expected new_owner %v, got %v", owner, got.NewOwner)
	}
}

func TestShardDrainedRoundTrip(t *testing.T) {
	orig := &ShardDrained{TransferID: uuid.New(), DrainedSeq: 42, Generation: 7}
	got := &ShardDrained{}
	w := codec.NewWriter(32)
	orig.MarshalBody(w)
	if err := got.UnmarshalBody(codec.NewReader(w.Bytes())); err != nil {
		t.Fatalf("UnmarshalBody: %v", err)
	}
	if got.DrainedSeq != 42 || got.Generation != 7 {
		t.Errorf("unexpected round trip: %+v", got)
	}
}

func TestRegisterNoCollisions(t *testing.T) {
	names := []string{
		"EntityTransferPrepare", "EntityTransferReady", "EntityTransferCommit", "EntityTransferComplete",
		"ClientTransferShardPrepare", "ClientTransferShardReady", "ClientTransferProxyRequestSwitch",
		"ClientTransferProxyFreeze", "ClientTransferShardDrained", "ClientTransferProxyTransferActivate",
	}
	seen := make(map[uint32]string, len(names))
	for _, n := range names {
		id := interlink.FNV1a32(n)
		if prev, ok := seen[id]; ok {
			t.Fatalf("type_id collision between %q and %q", prev, n)
		}
		seen[id] = n
	}
}
