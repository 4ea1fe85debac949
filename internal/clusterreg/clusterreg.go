// Package clusterreg implements the discovery bulletin's server_registry
// table (spec.md §4.3): the shared address book every node publishes itself
// into and resolves peers from, backing Interlink's Resolver and
// RegistryChecker collaborators (spec.md §4.4).
package clusterreg

import (
	"context"
	"fmt"
	"time"

	"github.com/atlasnet/atlasnet/internal/codec"
	"github.com/atlasnet/atlasnet/internal/discovery"
	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/atlasnet/atlasnet/internal/interlink"
	"github.com/google/uuid"
)

// Publish writes self's address into the server registry with ttl, so
// other nodes can resolve and dial it. Callers refresh on an interval
// alongside the health warden's ping loop.
func Publish(ctx context.Context, store discovery.Store, self identity.NodeIdentity, addr identity.Address, ttl time.Duration) error {
	wire := addr.Wire()
	if err := store.Set(ctx, discovery.TableServerRegistry, self.String(), wire[:]); err != nil {
		return fmt.Errorf("clusterreg: publish %s: %w", self, err)
	}
	if ttl > 0 {
		if err := store.Expire(ctx, discovery.TableServerRegistry, self.String(), ttl); err != nil {
			return fmt.Errorf("clusterreg: set ttl for %s: %w", self, err)
		}
	}
	return nil
}

// Lookup resolves peer's address from the server registry.
func Lookup(ctx context.Context, store discovery.Store, peer identity.NodeIdentity) (identity.Address, bool) {
	v, err := store.Get(ctx, discovery.TableServerRegistry, peer.String())
	if err != nil || len(v) != 6 {
		return identity.Address{}, false
	}
	return identity.AddressFromWire([6]byte(v)), true
}

// Resolver adapts Lookup to interlink.Resolver's function shape.
func Resolver(store discovery.Store) func(identity.NodeIdentity) (identity.Address, bool) {
	return func(peer identity.NodeIdentity) (identity.Address, bool) {
		return Lookup(context.Background(), store, peer)
	}
}

// Checker adapts the server registry's Exists check to
// interlink.RegistryChecker's function shape.
func Checker(store discovery.Store) func(identity.NodeIdentity) bool {
	return func(peer identity.NodeIdentity) bool {
		ok, err := store.Exists(context.Background(), discovery.TableServerRegistry, peer.String())
		return err == nil && ok
	}
}

// PublishConnectionStats writes every connection il currently tracks into
// network_telemetry, keyed by "<self>:<peer>", for Cartograph's dashboard
// surface (SPEC_FULL.md's connection statistics telemetry row). Encoded as
// state, bytes sent/recv, packets sent/recv, rtt_millis, mirroring
// authority.PublishMinimalSpans's flat field-by-field codec layout.
func PublishConnectionStats(ctx context.Context, store discovery.Store, self identity.NodeIdentity, il *interlink.Interlink) error {
	for _, cs := range il.Snapshot() {
		w := codec.NewWriter(40)
		w.U8(uint8(cs.State))
		w.U64(cs.BytesSent)
		w.U64(cs.BytesRecv)
		w.U64(cs.PacketsSent)
		w.U64(cs.PacketsRecv)
		w.F64(cs.RTTMillis)

		field := self.String() + ":" + cs.Peer.String()
		if err := store.HSet(ctx, discovery.TableNetworkTelemetry, self.String(), field, w.Bytes()); err != nil {
			return fmt.Errorf("clusterreg: publish connection stats %s: %w", field, err)
		}
	}
	return nil
}

// BindClient publishes clientID's managing proxy, so the Command Bus's
// ProxyResolver (spec.md §4.12) can route server-state commands back to it.
// Keyed by the raw client uuid rather than a NodeIdentity string, matching
// commandbus.NewDiscoveryProxyResolver's lookup.
func BindClient(ctx context.Context, store discovery.Store, clientID uuid.UUID, proxy identity.NodeIdentity) error {
	return store.Set(ctx, discovery.TableServerRegistry, clientID.String(), proxy.MarshalBytes())
}
