package authority

import (
	"context"
	"fmt"

	"github.com/atlasnet/atlasnet/internal/codec"
	"github.com/atlasnet/atlasnet/internal/discovery"
	"github.com/google/uuid"
)

// PublishMinimalSpans writes one field per tracked entity under the
// tracker's own identity key in authority_telemetry, encoding just the
// entity_id and position the watchdog's Heuristic Engine needs
// (internal/watchdog.GatherSnapshot reads this row back). Passing entities
// are included too: the watchdog partitions on current position regardless
// of which node is about to take authority.
func (t *Tracker) PublishMinimalSpans(ctx context.Context, store discovery.Store) error {
	for _, row := range t.CollectTelemetryRows() {
		w := codec.NewWriter(28)
		w.UUID(uuid.UUID(row.EntityID))
		w.Vec3(codec.Vec3{X: row.Position[0], Y: row.Position[1], Z: row.Position[2]})
		if err := store.HSet(ctx, discovery.TableAuthorityTelemetry, t.self.String(), row.EntityID.String(), w.Bytes()); err != nil {
			return fmt.Errorf("authority: publish telemetry for %s: %w", row.EntityID, err)
		}
	}
	return nil
}
