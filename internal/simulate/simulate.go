// Package simulate implements the shard's debug orbit driver (spec.md
// §4.10's "debug/exercise path"), enabled by
// ATLASNET_SHARD_DEBUG_SIMULATE=1: it seeds SeedOptions.DesiredCount
// synthetic entities around a claimed bound's center and ticks them in a
// circular orbit around it, giving a
// shard something to own and sweep without a real game client attached.
//
// Grounded on original_source/AtlasNet/runtime/shard/src/EntityHandoff's
// DebugEntityOrbitSimulator: phase-offset entities orbiting at a fixed
// radius and angular speed, reseeded idempotently up to a desired count.
package simulate

import (
	"hash/fnv"
	"math"

	"github.com/atlasnet/atlasnet/internal/codec"
	"github.com/atlasnet/atlasnet/internal/entity"
	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/google/uuid"
)

// SeedOptions controls how many orbit entities OrbitDriver maintains and
// their spacing around the orbit.
type SeedOptions struct {
	DesiredCount  int
	HalfExtent    float32
	PhaseStepRad  float32
}

// OrbitOptions controls one TickOrbit call's angular advance and radius.
type OrbitOptions struct {
	DeltaSeconds      float32
	AngularSpeedRadPerSec float32
	Radius            float32
}

type orbitEntity struct {
	id             entity.ID
	phaseOffsetRad float32
	center         codec.Vec3
}

// OrbitDriver seeds and ticks synthetic entities orbiting a fixed center,
// one driver per claimed bound.
type OrbitDriver struct {
	self         identity.NodeIdentity
	orbitAngle   float32
	entities     []orbitEntity
}

// NewOrbitDriver creates a driver whose entity IDs are deterministically
// derived from self, so repeated seeding across restarts reproduces the
// same entity_id set.
func NewOrbitDriver(self identity.NodeIdentity) *OrbitDriver {
	return &OrbitDriver{self: self}
}

// Reset clears every tracked entity and the orbit phase.
func (d *OrbitDriver) Reset() {
	d.orbitAngle = 0
	d.entities = nil
}

// SeedEntities grows the driver's tracked set up to opts.DesiredCount,
// centered on center (typically the claimed bound's Center()). It is a
// no-op once the desired count is already reached, so it is safe to call
// on every leaser poll tick.
func (d *OrbitDriver) SeedEntities(center codec.Vec3, opts SeedOptions) []entity.Entity {
	if len(d.entities) >= opts.DesiredCount {
		return nil
	}

	shardSeed := fnv1a64(d.self.String())
	var seeded []entity.Entity
	for i := len(d.entities); i < opts.DesiredCount; i++ {
		id := deriveEntityID(shardSeed, uint32(i+1))
		oe := orbitEntity{
			id:             id,
			phaseOffsetRad: float32(i) * opts.PhaseStepRad,
			center:         center,
		}
		d.entities = append(d.entities, oe)

		half := opts.HalfExtent
		seeded = append(seeded, entity.Entity{
			EntityID: id,
			IsClient: false,
			Transform: entity.Transform{
				Position: center,
				BoundingBox: codec.AABB3f{
					Min: codec.Vec3{X: -half, Y: -half, Z: -half},
					Max: codec.Vec3{X: half, Y: half, Z: half},
				},
			},
		})
	}
	return seeded
}

// TickOrbit advances the orbit phase and returns the updated position for
// every tracked entity, keyed by entity_id, for the caller to apply via
// ledger.Update.
func (d *OrbitDriver) TickOrbit(opts OrbitOptions) map[entity.ID]codec.Vec3 {
	d.orbitAngle += opts.DeltaSeconds * opts.AngularSpeedRadPerSec

	out := make(map[entity.ID]codec.Vec3, len(d.entities))
	for _, oe := range d.entities {
		angle := d.orbitAngle + oe.phaseOffsetRad
		out[oe.id] = codec.Vec3{
			X: oe.center.X + opts.Radius*float32(math.Cos(float64(angle))),
			Y: oe.center.Y,
			Z: oe.center.Z + opts.Radius*float32(math.Sin(float64(angle))),
		}
	}
	return out
}

// EntityIDs returns the entity_id of every entity this driver currently
// tracks.
func (d *OrbitDriver) EntityIDs() []entity.ID {
	ids := make([]entity.ID, len(d.entities))
	for i, oe := range d.entities {
		ids[i] = oe.id
	}
	return ids
}

func fnv1a64(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// deriveEntityID packs shardSeed and index into a UUID's low bytes so the
// same (shard, index) pair always yields the same entity_id, mirroring the
// original's XOR-derived debug entity ID.
func deriveEntityID(shardSeed uint64, index uint32) entity.ID {
	var b [16]byte
	v := shardSeed ^ uint64(index)
	for i := 0; i < 8; i++ {
		b[8+i] = byte(v >> (8 * i))
	}
	return uuid.Must(uuid.FromBytes(b[:]))
}
