package cartographnode

import (
	"context"
	"testing"

	"github.com/atlasnet/atlasnet/internal/discovery"
	"github.com/atlasnet/atlasnet/internal/discoverytest"
	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/rs/zerolog"
)

func TestNewBuildsARoleCartographNode(t *testing.T) {
	store := discoverytest.New()
	n, err := New(Config{ListenPort: 0, HTTPAddr: ":0"}, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n.Self.Role != identity.RoleCartograph {
		t.Errorf("expected RoleCartograph identity, got %v", n.Self.Role)
	}
}

func TestScrapeOnceReadsBoundAndTelemetryCounts(t *testing.T) {
	ctx := context.Background()
	store := discoverytest.New()
	n, err := New(Config{ListenPort: 0, HTTPAddr: ":0"}, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	shard := identity.New(identity.RoleShard)
	if err := store.HSet(ctx, discovery.TableBoundsClaimed, shard.String(), "shape", []byte("x")); err != nil {
		t.Fatalf("seed claim: %v", err)
	}
	if err := store.HSet(ctx, discovery.TableBoundsClaimed, "__by_bound__", "1", shard.MarshalBytes()); err != nil {
		t.Fatalf("seed owner index: %v", err)
	}
	if err := store.HSet(ctx, discovery.TableAuthorityTelemetry, shard.String(), "entity-1", []byte("row")); err != nil {
		t.Fatalf("seed telemetry: %v", err)
	}

	if err := n.scrapeOnce(ctx); err != nil {
		t.Fatalf("scrapeOnce: %v", err)
	}
	// scrapeOnce only updates the private Prometheus gauges; reaching them
	// directly confirms scrapeOnce did not error swallowing the seeded rows.
	metricFamilies, err := n.metrics.reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(metricFamilies) == 0 {
		t.Fatal("expected scrapeOnce to have populated at least one metric family")
	}
}

func TestScrapeOnceWithNoOwnersIsNoop(t *testing.T) {
	store := discoverytest.New()
	n, err := New(Config{ListenPort: 0, HTTPAddr: ":0"}, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.scrapeOnce(context.Background()); err != nil {
		t.Fatalf("scrapeOnce: %v", err)
	}
}
