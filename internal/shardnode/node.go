// Package shardnode wires the Entity Ledger, Bound Leaser, Transfer
// Coordinator, Authority Tracker, Command Bus, and Health Warden into one
// runnable shard process (spec.md §2, §4.7-§4.10, §4.12-§4.13).
//
// Grounded on github.com/r2northstar/atlas's pkg/atlas.Server: a single
// struct built once from Config, exposing Run(ctx) that fans out into
// independent background loops stopped by the same context.
package shardnode

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/atlasnet/atlasnet/internal/authority"
	"github.com/atlasnet/atlasnet/internal/bound"
	"github.com/atlasnet/atlasnet/internal/clusterreg"
	"github.com/atlasnet/atlasnet/internal/codec"
	"github.com/atlasnet/atlasnet/internal/commandbus"
	"github.com/atlasnet/atlasnet/internal/discovery"
	"github.com/atlasnet/atlasnet/internal/entity"
	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/atlasnet/atlasnet/internal/interlink"
	"github.com/atlasnet/atlasnet/internal/interlink/udptransport"
	"github.com/atlasnet/atlasnet/internal/leaser"
	"github.com/atlasnet/atlasnet/internal/ledger"
	"github.com/atlasnet/atlasnet/internal/metricsx"
	"github.com/atlasnet/atlasnet/internal/netdebug"
	"github.com/atlasnet/atlasnet/internal/simulate"
	"github.com/atlasnet/atlasnet/internal/transfer"
	"github.com/atlasnet/atlasnet/internal/warden"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds the tunables a shard process loads from its environment
// (spec.md §6 "CLI surface"), excluding the discovery Store itself: the
// binary builds the Store (in-memory or Redis-backed) and hands it to New,
// per spec.md §9 "global singletons ... initialized once at startup via
// explicit init(config) -> handle".
type Config struct {
	ListenPort uint16 `env:"ATLASNET_LISTEN_PORT=30000"`
	LogLevel   zerolog.Level `env:"ATLASNET_LOG_LEVEL=info"`

	RegistryTTL           time.Duration `env:"ATLASNET_REGISTRY_TTL?=10s"`
	PingInterval          time.Duration `env:"ATLASNET_PING_INTERVAL?=2s"`
	PingLifetime          time.Duration `env:"ATLASNET_PING_LIFETIME?=6s"`
	CheckInterval         time.Duration `env:"ATLASNET_CHECK_INTERVAL?=2s"`
	LeaserPollInterval    time.Duration `env:"ATLASNET_LEASER_POLL_INTERVAL?=1s"`
	SweepInterval         time.Duration `env:"ATLASNET_SWEEP_INTERVAL?=200ms"`
	TelemetryInterval     time.Duration `env:"ATLASNET_TELEMETRY_INTERVAL?=1s"`
	InterlinkTickInterval time.Duration `env:"ATLASNET_INTERLINK_TICK_INTERVAL?=50ms"`
	FlushInterval         time.Duration `env:"ATLASNET_FLUSH_INTERVAL?=50ms"`

	// DebugAddr, if set, serves pprof/packet-registry/metrics. Empty
	// disables the debug HTTP surface entirely.
	DebugAddr string `env:"ATLASNET_DEBUG_ADDR?="`

	// DebugSimulate seeds and orbits synthetic entities around the claimed
	// bound, giving the shard something to own without a real client.
	DebugSimulate     bool          `env:"ATLASNET_SHARD_DEBUG_SIMULATE?=false"`
	SimulateCount     int           `env:"ATLASNET_SHARD_DEBUG_SIMULATE_COUNT?=1"`
	SimulateRadius    float64       `env:"ATLASNET_SHARD_DEBUG_SIMULATE_RADIUS?=5"`
	SimulateTickRate  time.Duration `env:"ATLASNET_SHARD_DEBUG_SIMULATE_TICK?=100ms"`
}

// ClientIntentHandler applies a decoded client-intent command to this
// shard's game state. Per spec.md §1, per-game command payload semantics
// are an external collaborator; Node only decodes and routes.
type ClientIntentHandler func(header commandbus.Header, cmd commandbus.Command)

// Node is one running shard process.
type Node struct {
	Self identity.NodeIdentity
	cfg  Config
	log  zerolog.Logger
	addr identity.Address

	store      discovery.Store
	transport  *udptransport.Transport
	il         *interlink.Interlink
	leaser     *leaser.Leaser
	ledger     *ledger.Ledger
	tracker    *authority.Tracker
	coordinator *transfer.Coordinator
	warden     *warden.Warden

	cmdRegistry *commandbus.Registry
	serverState *commandbus.ServerStateBus
	onIntent    ClientIntentHandler

	metrics *metricsx.Set
	debugMux *http.ServeMux
	debugSrv *http.Server

	orbit *simulate.OrbitDriver
}

// New builds a shard Node. cmdRegistry must already have every domain
// command type Register'd; onIntent is invoked for each decoded
// client-intent command this shard receives.
func New(cfg Config, store discovery.Store, cmdRegistry *commandbus.Registry, onIntent ClientIntentHandler, log zerolog.Logger) (*Node, error) {
	self := identity.New(identity.RoleShard)
	addr, err := identity.AddressFromAddrPort(netip.AddrPortFrom(netip.IPv4Unspecified(), cfg.ListenPort))
	if err != nil {
		return nil, fmt.Errorf("shardnode: listen address: %w", err)
	}

	transport := udptransport.New(self.MarshalBytes())
	registry := interlink.NewRegistry()
	transfer.Register(registry)
	commandbusRegisterPacketTypes(registry)

	il := interlink.New(self, log, transport, registry, clusterreg.Resolver(store), clusterreg.Checker(store))
	metricsSet := metricsx.NewSet()

	n := &Node{
		Self:        self,
		cfg:         cfg,
		log:         log,
		addr:        addr,
		store:       store,
		transport:   transport,
		il:          il,
		leaser:      leaser.New(self, store, log),
		ledger:      ledger.New(),
		tracker:     authority.New(self),
		cmdRegistry: cmdRegistry,
		onIntent:    onIntent,
		metrics:     metricsSet,
	}
	if cfg.DebugAddr != "" {
		n.debugMux = netdebug.NewMux(registry, metricsSet)
		n.debugSrv = &http.Server{Addr: cfg.DebugAddr, Handler: n.debugMux}
	}
	if cfg.DebugSimulate {
		n.orbit = simulate.NewOrbitDriver(self)
	}

	resolveBound := func(ctx context.Context, boundID uint32) (identity.NodeIdentity, bool) {
		owners, err := leaser.LookupBoundOwners(ctx, store)
		if err != nil {
			return identity.NodeIdentity{}, false
		}
		owner, ok := owners[boundID]
		return owner, ok
	}
	n.coordinator = transfer.New(self, il, n.ledger, n.tracker, resolveBound, transfer.ProxyResolver(commandbus.NewDiscoveryProxyResolver(store)), log)
	n.serverState = commandbus.NewServerStateBus(cmdRegistry, il, commandbus.NewDiscoveryProxyResolver(store))
	n.warden = warden.New(self, store, cfg.PingLifetime, n.onPeerFailure, log)

	return n, nil
}

func commandbusRegisterPacketTypes(reg *interlink.Registry) {
	reg.Register("ClientIntentCommandPacket", func() interlink.Packet { return &commandbus.ClientIntentCommandPacket{} })
	reg.Register("ServerStateCommandPacket", func() interlink.Packet { return &commandbus.ServerStateCommandPacket{} })
}

func (n *Node) onPeerFailure(peer identity.NodeIdentity) {
	n.log.Warn().Stringer("peer", peer).Msg("shardnode: peer failure, closing connection")
	n.il.ClosePeer(peer)
}

// knownPeers returns the peers currently connected over the Interlink, the
// set the Health Warden's check loop probes for liveness (spec.md §4.13).
func (n *Node) knownPeers() []identity.NodeIdentity {
	stats := n.il.Snapshot()
	peers := make([]identity.NodeIdentity, 0, len(stats))
	for _, s := range stats {
		peers = append(peers, s.Peer)
	}
	return peers
}

// InsertEntity adds an entity this shard originates (e.g. a freshly
// connected client's avatar), used by the owning binary's game-facing
// accept path.
func (n *Node) InsertEntity(e entity.Entity) {
	n.ledger.InsertNew(e)
}

// Ledger exposes the shard's entity store for the game-facing accept/update
// path.
func (n *Node) Ledger() *ledger.Ledger { return n.ledger }

// Tracker exposes the shard's authority tracker.
func (n *Node) Tracker() *authority.Tracker { return n.tracker }

// ServerStateBus exposes the outgoing server-state command bus.
func (n *Node) ServerStateBus() *commandbus.ServerStateBus { return n.serverState }

// ClaimedBound returns the bound currently leased by this shard, if any.
func (n *Node) ClaimedBound() (bound.Bound, bool) { return n.leaser.Claimed() }

// Run starts the shard's background loops and blocks until ctx is
// canceled.
func (n *Node) Run(ctx context.Context) error {
	if err := n.il.Listen(ctx, n.addr); err != nil {
		return fmt.Errorf("shardnode: listen: %w", err)
	}
	if err := clusterreg.Publish(ctx, n.store, n.Self, n.addr, n.cfg.RegistryTTL); err != nil {
		return fmt.Errorf("shardnode: initial registry publish: %w", err)
	}

	subs := n.coordinator.Subscribe(ctx, n.il.Bus)
	intentSub := n.il.Bus.Subscribe((&commandbus.ClientIntentCommandPacket{}).TypeID(), n.handleClientIntent)
	defer intentSub.Unsubscribe()
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()

	go n.il.RunLoop(ctx, n.cfg.InterlinkTickInterval)
	go n.warden.RunPingLoop(ctx, n.cfg.PingInterval)
	go n.warden.RunCheckLoop(ctx, n.cfg.CheckInterval, n.knownPeers)
	go n.runRegistryRefreshLoop(ctx)
	go n.runLeaserLoop(ctx)
	go n.runSweepLoop(ctx)
	go n.runTelemetryLoop(ctx)
	go n.runFlushLoop(ctx)
	if n.orbit != nil {
		go n.runSimulateLoop(ctx)
	}

	if n.debugSrv != nil {
		lis, err := net.Listen("tcp", n.cfg.DebugAddr)
		if err != nil {
			return fmt.Errorf("shardnode: debug listen: %w", err)
		}
		go func() {
			if err := n.debugSrv.Serve(lis); err != nil && err != http.ErrServerClosed {
				n.log.Warn().Err(err).Msg("shardnode: debug server stopped")
			}
		}()
	}

	<-ctx.Done()
	return n.Shutdown(context.Background())
}

func (n *Node) handleClientIntent(p interlink.Packet, from identity.NodeIdentity) {
	pkt := p.(*commandbus.ClientIntentCommandPacket)
	cmd, err := commandbus.DecodeClientIntent(n.cmdRegistry, pkt)
	if err != nil {
		n.log.Debug().Err(err).Stringer("from", from).Msg("shardnode: dropped undecodable client intent")
		return
	}
	if n.onIntent != nil {
		n.onIntent(commandbus.Header{}, cmd)
	}
}

func (n *Node) runRegistryRefreshLoop(ctx context.Context) {
	interval := n.cfg.RegistryTTL / 2
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := clusterreg.Publish(ctx, n.store, n.Self, n.addr, n.cfg.RegistryTTL); err != nil {
				n.log.Warn().Err(err).Msg("shardnode: registry refresh failed")
			}
		}
	}
}

func (n *Node) runLeaserLoop(ctx context.Context) {
	t := time.NewTicker(n.cfg.LeaserPollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := n.leaser.Poll(ctx); err != nil {
				n.log.Warn().Err(err).Msg("shardnode: leaser poll failed")
			}
		}
	}
}

// runSweepLoop periodically sweeps the ledger for entities that have left
// the claimed bound and opens outgoing transfers for them (spec.md §4.8,
// §4.9). When the shard holds no bound, entities cannot be meaningfully
// located and the sweep is skipped for that tick.
func (n *Node) runSweepLoop(ctx context.Context) {
	t := time.NewTicker(n.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			claimed, ok := n.leaser.Claimed()
			if !ok {
				continue
			}
			swept := n.ledger.Sweep(claimed)
			if len(swept) == 0 {
				continue
			}
			n.coordinator.BeginOutgoing(ctx, swept, n.locateDestination)
		}
	}
}

// locateDestination resolves a swept entity's destination bound_id by
// scanning every other shard's claimed bound shape recorded in
// bounds_claimed (spec.md §4.7's per-shard "shape" field).
func (n *Node) locateDestination(e entity.Entity) (uint32, bool) {
	ctx := context.Background()
	owners, err := leaser.LookupBoundOwners(ctx, n.store)
	if err != nil {
		return 0, false
	}
	set := make(bound.Set, 0, len(owners))
	for _, owner := range owners {
		raw, err := n.store.HGet(ctx, discovery.TableBoundsClaimed, owner.String(), "shape")
		if err != nil {
			continue
		}
		b, err := bound.Unmarshal(codec.NewReader(raw))
		if err != nil {
			continue
		}
		set = append(set, b)
	}
	return set.Locate(e.Transform.Position)
}

// runSimulateLoop seeds and orbits synthetic entities around the shard's
// claimed bound when ATLASNET_SHARD_DEBUG_SIMULATE is set (spec.md §4.10's
// debug/exercise path), giving the shard something to track, sweep, and
// transfer without a real client attached. Skipped entirely for ticks where
// the shard holds no bound.
func (n *Node) runSimulateLoop(ctx context.Context) {
	t := time.NewTicker(n.cfg.SimulateTickRate)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			claimed, ok := n.leaser.Claimed()
			if !ok {
				continue
			}
			for _, e := range n.orbit.SeedEntities(claimed.Center(), simulate.SeedOptions{
				DesiredCount: n.cfg.SimulateCount,
				HalfExtent:   0.5,
				PhaseStepRad: 6.283185 / float32(maxInt(n.cfg.SimulateCount, 1)),
			}) {
				n.ledger.InsertNew(e)
			}
			positions := n.orbit.TickOrbit(simulate.OrbitOptions{
				DeltaSeconds:          float32(n.cfg.SimulateTickRate.Seconds()),
				AngularSpeedRadPerSec: 1,
				Radius:                float32(n.cfg.SimulateRadius),
			})
			for id, pos := range positions {
				n.ledger.Update(id, func(e entity.Entity) entity.Entity {
					e.Transform.Position = pos
					return e
				})
			}
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (n *Node) runTelemetryLoop(ctx context.Context) {
	t := time.NewTicker(n.cfg.TelemetryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.tracker.SetOwned(n.ledger.SnapshotAll())
			if err := n.tracker.PublishMinimalSpans(ctx, n.store); err != nil {
				n.log.Warn().Err(err).Msg("shardnode: telemetry publish failed")
			}
			if err := clusterreg.PublishConnectionStats(ctx, n.store, n.Self, n.il); err != nil {
				n.log.Warn().Err(err).Msg("shardnode: connection stats publish failed")
			}
		}
	}
}

func (n *Node) runFlushLoop(ctx context.Context) {
	t := time.NewTicker(n.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := n.serverState.Flush(ctx); err != nil {
				n.log.Warn().Err(err).Msg("shardnode: server-state flush failed")
			}
		}
	}
}

// Shutdown releases the shard's held bound and closes its transport,
// per spec.md §3 "bound lease ... released on shard shutdown".
func (n *Node) Shutdown(ctx context.Context) error {
	if err := n.leaser.Release(ctx); err != nil {
		n.log.Warn().Err(err).Msg("shardnode: release claim on shutdown failed")
	}
	n.store.Del(ctx, discovery.TableServerRegistry, n.Self.String())
	if n.debugSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		n.debugSrv.Shutdown(shutdownCtx)
	}
	n.il.Close()
	return n.transport.Shutdown()
}

// EntityID is a convenience re-export so callers constructing entities
// don't need to import internal/entity solely for the ID alias.
type EntityID = uuid.UUID
