package authority

import (
	"context"
	"testing"

	"github.com/atlasnet/atlasnet/internal/codec"
	"github.com/atlasnet/atlasnet/internal/discovery"
	"github.com/atlasnet/atlasnet/internal/discoverytest"
	"github.com/atlasnet/atlasnet/internal/entity"
	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/google/uuid"
)

func newEntity(pos codec.Vec3) entity.Entity {
	return entity.Entity{
		EntityID: uuid.New(),
		Transform: entity.Transform{
			Position: pos,
		},
	}
}

func TestSetOwnedTracksAndPrunes(t *testing.T) {
	self := identity.New(identity.RoleShard)
	tr := New(self)

	a := newEntity(codec.Vec3{X: 1})
	b := newEntity(codec.Vec3{X: 2})
	tr.SetOwned([]entity.Entity{a, b})

	if len(tr.Snapshot()) != 2 {
		t.Fatalf("expected 2 tracked entries, got %d", len(tr.Snapshot()))
	}
	entry, ok := tr.Get(a.EntityID)
	if !ok || entry.State != Authoritative {
		t.Fatalf("expected %v to be Authoritative, got %+v ok=%v", a.EntityID, entry, ok)
	}

	tr.SetOwned([]entity.Entity{b})
	if _, ok := tr.Get(a.EntityID); ok {
		t.Error("expected entity dropped from SetOwned to be pruned")
	}
	if _, ok := tr.Get(b.EntityID); !ok {
		t.Error("expected entity still present in SetOwned to remain tracked")
	}
}

func TestMarkPassingIdempotence(t *testing.T) {
	self := identity.New(identity.RoleShard)
	tr := New(self)
	e := newEntity(codec.Vec3{})
	tr.SetOwned([]entity.Entity{e})

	target := identity.New(identity.RoleShard)
	if !tr.MarkPassing(e.EntityID, target) {
		t.Error("expected first MarkPassing call to report a new decision")
	}
	if tr.MarkPassing(e.EntityID, target) {
		t.Error("expected repeated MarkPassing with the same target to report no change")
	}
	other := identity.New(identity.RoleShard)
	if !tr.MarkPassing(e.EntityID, other) {
		t.Error("expected MarkPassing with a different target to report a new decision")
	}

	entry, _ := tr.Get(e.EntityID)
	if entry.State != Passing || !entry.PassingTo.Equal(other) {
		t.Errorf("unexpected entry after MarkPassing: %+v", entry)
	}
}

func TestMarkPassingUnknownEntity(t *testing.T) {
	tr := New(identity.New(identity.RoleShard))
	if tr.MarkPassing(uuid.New(), identity.New(identity.RoleShard)) {
		t.Error("expected MarkPassing on an untracked entity to return false")
	}
}

func TestMarkAuthoritativeResets(t *testing.T) {
	self := identity.New(identity.RoleShard)
	tr := New(self)
	e := newEntity(codec.Vec3{})
	tr.SetOwned([]entity.Entity{e})
	tr.MarkPassing(e.EntityID, identity.New(identity.RoleShard))

	tr.MarkAuthoritative(e.EntityID)
	entry, ok := tr.Get(e.EntityID)
	if !ok || entry.State != Authoritative || !entry.PassingTo.Zero() {
		t.Errorf("expected entity reset to Authoritative with zero PassingTo, got %+v", entry)
	}
}

func TestCollectTelemetryRowsOwnerOnlyWhenAuthoritative(t *testing.T) {
	self := identity.New(identity.RoleShard)
	tr := New(self)
	a := newEntity(codec.Vec3{X: 3, Y: 4, Z: 5})
	b := newEntity(codec.Vec3{})
	tr.SetOwned([]entity.Entity{a, b})
	target := identity.New(identity.RoleShard)
	tr.MarkPassing(b.EntityID, target)

	rows := map[entity.ID]Row{}
	for _, r := range tr.CollectTelemetryRows() {
		rows[r.EntityID] = r
	}

	ra := rows[a.EntityID]
	if ra.State != Authoritative || !ra.Owner.Equal(self) {
		t.Errorf("expected authoritative row to carry self as owner, got %+v", ra)
	}
	if ra.Position != [3]float32{3, 4, 5} {
		t.Errorf("unexpected position on authoritative row: %+v", ra.Position)
	}

	rb := rows[b.EntityID]
	if rb.State != Passing || !rb.PassingTo.Equal(target) || !rb.Owner.Zero() {
		t.Errorf("expected passing row to carry empty owner and passing_to=%v, got %+v", target, rb)
	}
}

func TestPublishMinimalSpans(t *testing.T) {
	ctx := context.Background()
	self := identity.New(identity.RoleShard)
	tr := New(self)
	e := newEntity(codec.Vec3{X: 1, Y: 2, Z: 3})
	tr.SetOwned([]entity.Entity{e})

	store := discoverytest.New()
	if err := tr.PublishMinimalSpans(ctx, store); err != nil {
		t.Fatalf("PublishMinimalSpans: %v", err)
	}

	rows, err := store.HGetAll(ctx, discovery.TableAuthorityTelemetry, self.String())
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	raw, ok := rows[e.EntityID.String()]
	if !ok {
		t.Fatalf("expected field %q in authority_telemetry, got keys %v", e.EntityID.String(), rows)
	}

	r := codec.NewReader(raw)
	state, err := r.U8()
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if State(state) != Authoritative {
		t.Errorf("expected Authoritative state, got %v", State(state))
	}
	owner, err := identity.Unmarshal(r)
	if err != nil {
		t.Fatalf("read owner: %v", err)
	}
	if !owner.Equal(self) {
		t.Errorf("expected owner %v, got %v", self, owner)
	}
}
