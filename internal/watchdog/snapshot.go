package watchdog

import (
	"context"
	"fmt"

	"github.com/atlasnet/atlasnet/internal/codec"
	"github.com/atlasnet/atlasnet/internal/discovery"
	"github.com/atlasnet/atlasnet/internal/heuristic"
	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/google/uuid"
)

// GatherSnapshot reads every row shards have published to authority_telemetry
// and reduces it to the entity_minimal_span snapshot a Heuristic partitions
// over.
//
// spec.md §4.6 specifies the Heuristic's input shape ("a snapshot of minimal
// entities") but not where the watchdog sources it from; this resolves that
// by reusing the Authority Tracker's existing telemetry row, the only place
// in the system a shard already publishes per-entity position outward
// (spec.md §4.10). Each shard writes its own authoritative entities under
// its own identity as the hash key, so this is a full scan of that row set
// rather than a single read.
func GatherSnapshot(ctx context.Context, store discovery.Store, shardKeys []string) (heuristic.Snapshot, error) {
	var out heuristic.Snapshot
	for _, key := range shardKeys {
		fields, err := store.HGetAll(ctx, discovery.TableAuthorityTelemetry, key)
		if err != nil {
			return nil, fmt.Errorf("watchdog: read authority telemetry for %s: %w", key, err)
		}
		for field, raw := range fields {
			id, err := uuid.Parse(field)
			if err != nil {
				continue
			}
			r := codec.NewReader(raw)
			if _, err := r.U8(); err != nil { // state
				continue
			}
			if _, err := identity.Unmarshal(r); err != nil { // owner
				continue
			}
			if _, err := identity.Unmarshal(r); err != nil { // passing_to
				continue
			}
			pos, err := r.Vec3()
			if err != nil {
				continue
			}
			out = append(out, heuristic.EntitySpan{EntityID: [16]byte(id), Position: pos})
		}
	}
	return out, nil
}
