// Package proxynode wires the Client Router and the outbound half of the
// Command Bus into one runnable proxy process (spec.md §2, §4.11-§4.12):
// the boundary between connected game clients and the shard cluster.
//
// Grounded on github.com/r2northstar/atlas's pkg/atlas.Server wiring shape,
// adapted to the proxy's narrower responsibility (no bound leasing, no
// ledger — it relays).
package proxynode

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/atlasnet/atlasnet/internal/clusterreg"
	"github.com/atlasnet/atlasnet/internal/commandbus"
	"github.com/atlasnet/atlasnet/internal/discovery"
	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/atlasnet/atlasnet/internal/interlink"
	"github.com/atlasnet/atlasnet/internal/interlink/udptransport"
	"github.com/atlasnet/atlasnet/internal/metricsx"
	"github.com/atlasnet/atlasnet/internal/netdebug"
	"github.com/atlasnet/atlasnet/internal/router"
	"github.com/atlasnet/atlasnet/internal/transfer"
	"github.com/atlasnet/atlasnet/internal/warden"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds a proxy process's environment-loaded tunables (spec.md §6).
type Config struct {
	ListenPort uint16        `env:"ATLASNET_LISTEN_PORT=31000"`
	LogLevel   zerolog.Level `env:"ATLASNET_LOG_LEVEL=info"`

	RegistryTTL           time.Duration `env:"ATLASNET_REGISTRY_TTL?=10s"`
	PingInterval          time.Duration `env:"ATLASNET_PING_INTERVAL?=2s"`
	PingLifetime          time.Duration `env:"ATLASNET_PING_LIFETIME?=6s"`
	CheckInterval         time.Duration `env:"ATLASNET_CHECK_INTERVAL?=2s"`
	InterlinkTickInterval time.Duration `env:"ATLASNET_INTERLINK_TICK_INTERVAL?=50ms"`
	FlushInterval         time.Duration `env:"ATLASNET_FLUSH_INTERVAL?=50ms"`
	TelemetryInterval     time.Duration `env:"ATLASNET_TELEMETRY_INTERVAL?=1s"`

	DebugAddr string `env:"ATLASNET_DEBUG_ADDR?="`
}

// ServerStateHandler delivers a decoded server->client command to the
// client-facing connection owning clientID. Per spec.md §1, client
// transport and payload semantics beyond routing are external.
type ServerStateHandler func(clientID uuid.UUID, cmd commandbus.Command)

// ReplayHandler re-sends a buffered client intent once its frozen transfer
// activates, handed back by router.HandleShardDrained.
type ReplayHandler func(ri router.ReplayedIntent)

// Node is one running proxy process.
type Node struct {
	Self identity.NodeIdentity
	cfg  Config
	log  zerolog.Logger
	addr identity.Address

	store     discovery.Store
	transport *udptransport.Transport
	il        *interlink.Interlink
	router    *router.Router
	warden    *warden.Warden

	cmdRegistry *commandbus.Registry
	onState     ServerStateHandler
	onReplay    ReplayHandler

	intentBuses map[identity.NodeIdentity]*commandbus.ClientIntentBus

	metrics  *metricsx.Set
	debugSrv *http.Server
}

// New builds a proxy Node.
func New(cfg Config, store discovery.Store, cmdRegistry *commandbus.Registry, onState ServerStateHandler, onReplay ReplayHandler, log zerolog.Logger) (*Node, error) {
	self := identity.New(identity.RoleProxy)
	addr, err := identity.AddressFromAddrPort(netip.AddrPortFrom(netip.IPv4Unspecified(), cfg.ListenPort))
	if err != nil {
		return nil, fmt.Errorf("proxynode: listen address: %w", err)
	}

	transport := udptransport.New(self.MarshalBytes())
	registry := interlink.NewRegistry()
	transfer.Register(registry)
	registry.Register("ClientIntentCommandPacket", func() interlink.Packet { return &commandbus.ClientIntentCommandPacket{} })
	registry.Register("ServerStateCommandPacket", func() interlink.Packet { return &commandbus.ServerStateCommandPacket{} })

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
		router:      router.New(self, il, log),
		cmdRegistry: cmdRegistry,
		onState:     onState,
		onReplay:    onReplay,
		intentBuses: make(map[identity.NodeIdentity]*commandbus.ClientIntentBus),
		metrics:     metricsSet,
	}
	n.warden = warden.New(self, store, cfg.PingLifetime, n.onPeerFailure, log)
	if cfg.DebugAddr != "" {
		n.debugSrv = &http.Server{Addr: cfg.DebugAddr, Handler: netdebug.NewMux(registry, metricsSet)}
	}
	return n, nil
}

func (n *Node) onPeerFailure(peer identity.NodeIdentity) {
	n.log.Warn().Stringer("peer", peer).Msg("proxynode: peer failure, closing connection")
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

// Router exposes the client binding table for the accept/disconnect path.
func (n *Node) Router() *router.Router { return n.router }

// intentBusFor returns (creating if needed) the ClientIntentBus flushing to
// shard, one per distinct shard this proxy currently forwards to.
func (n *Node) intentBusFor(shard identity.NodeIdentity) *commandbus.ClientIntentBus {
	if b, ok := n.intentBuses[shard]; ok {
		return b
	}
	b := commandbus.NewClientIntentBus(n.cmdRegistry, n.il, shard)
	n.intentBuses[shard] = b
	return b
}

// AcceptClient binds a newly connected client to owner and registers it in
// the discovery bulletin so server-state commands can be routed back here.
func (n *Node) AcceptClient(ctx context.Context, clientID uuid.UUID, owner identity.NodeIdentity) error {
	n.router.BindClient(clientID, owner)
	return clusterreg.BindClient(ctx, n.store, clientID, n.Self)
}

// DisconnectClient removes clientID's binding.
func (n *Node) DisconnectClient(clientID uuid.UUID) {
	n.router.Unbind(clientID)
}

// ForwardClientIntent dispatches cmd, bound for clientID's currently
// bound shard (or buffered if a transfer affecting it is frozen), onto
// that shard's ClientIntentBus for the next flush (spec.md §4.11, §4.12).
// The body handed to the Router carries the command_id so a buffered
// intent can be decoded again at replay time without re-threading the
// original Command value through the freeze window.
func (n *Node) ForwardClientIntent(ctx context.Context, clientID uuid.UUID, cmd commandbus.Command) error {
	body := commandbus.EncodeCommandFrame(cmd)
	return n.router.ForwardIntent(ctx, clientID, body, func(owner identity.NodeIdentity) error {
		n.intentBusFor(owner).Dispatch(cmd)
		return nil
	})
}

// ReplayIntent decodes a buffered intent handed back from the Router's
// ReplayHandler and re-dispatches it onto the activated target shard's
// ClientIntentBus, stamped as having already been drained up to
// ri.DrainedSeq by the prior owner (spec.md §4.11 stage 6, §8 S4).
func (n *Node) ReplayIntent(ri router.ReplayedIntent, target identity.NodeIdentity) error {
	cmd, err := commandbus.DecodeCommandFrame(n.cmdRegistry, ri.Body)
	if err != nil {
		return err
	}
	n.intentBusFor(target).Dispatch(cmd)
	return nil
}

// Run starts the proxy's background loops and blocks until ctx is
// canceled.
func (n *Node) Run(ctx context.Context) error {
	if err := n.il.Listen(ctx, n.addr); err != nil {
		return fmt.Errorf("proxynode: listen: %w", err)
	}
	if err := clusterreg.Publish(ctx, n.store, n.Self, n.addr, n.cfg.RegistryTTL); err != nil {
		return fmt.Errorf("proxynode: initial registry publish: %w", err)
	}

	switchSub := n.il.Bus.Subscribe((&transfer.ProxyRequestSwitch{}).TypeID(), n.handleProxyRequestSwitch)
	drainedSub := n.il.Bus.Subscribe((&transfer.ShardDrained{}).TypeID(), n.handleShardDrained)
	stateSub := n.il.Bus.Subscribe((&commandbus.ServerStateCommandPacket{}).TypeID(), n.handleServerState)
	defer switchSub.Unsubscribe()
	defer drainedSub.Unsubscribe()
	defer stateSub.Unsubscribe()

	go n.il.RunLoop(ctx, n.cfg.InterlinkTickInterval)
	go n.warden.RunPingLoop(ctx, n.cfg.PingInterval)
	go n.warden.RunCheckLoop(ctx, n.cfg.CheckInterval, n.knownPeers)
	go n.runRegistryRefreshLoop(ctx)
	go n.runFlushLoop(ctx)
	go n.runTelemetryLoop(ctx)

	if n.debugSrv != nil {
		lis, err := net.Listen("tcp", n.cfg.DebugAddr)
		if err != nil {
			return fmt.Errorf("proxynode: debug listen: %w", err)
		}
		go func() {
			if err := n.debugSrv.Serve(lis); err != nil && err != http.ErrServerClosed {
				n.log.Warn().Err(err).Msg("proxynode: debug server stopped")
			}
		}()
	}

	<-ctx.Done()
	return n.Shutdown(context.Background())
}

func (n *Node) runTelemetryLoop(ctx context.Context) {
	t := time.NewTicker(n.cfg.TelemetryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := clusterreg.PublishConnectionStats(ctx, n.store, n.Self, n.il); err != nil {
				n.log.Warn().Err(err).Msg("proxynode: connection stats publish failed")
			}
		}
	}
}

func (n *Node) handleProxyRequestSwitch(p interlink.Packet, from identity.NodeIdentity) {
	n.router.HandleProxyRequestSwitch(context.Background(), p.(*transfer.ProxyRequestSwitch), from)
}

func (n *Node) handleShardDrained(p interlink.Packet, from identity.NodeIdentity) {
	replayed, err := n.router.HandleShardDrained(context.Background(), p.(*transfer.ShardDrained), from)
	if err != nil {
		n.log.Warn().Err(err).Msg("proxynode: shard drained handling failed")
		return
	}
	for _, ri := range replayed {
		target, ok := n.router.OwnerOf(ri.ClientID)
		if !ok {
			n.log.Warn().Stringer("client_id", ri.ClientID).Msg("proxynode: replay intent for unbound client")
			continue
		}
		if err := n.ReplayIntent(ri, target); err != nil {
			n.log.Warn().Err(err).Stringer("client_id", ri.ClientID).Msg("proxynode: replay intent failed")
			continue
		}
		if n.onReplay != nil {
			n.onReplay(ri)
		}
	}
}

func (n *Node) handleServerState(p interlink.Packet, from identity.NodeIdentity) {
	pkt := p.(*commandbus.ServerStateCommandPacket)
	cmd, err := commandbus.DecodeServerState(n.cmdRegistry, pkt)
	if err != nil {
		n.log.Debug().Err(err).Stringer("from", from).Msg("proxynode: dropped undecodable server state")
		return
	}
	if n.onState != nil {
		n.onState(pkt.ClientID, cmd)
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
				n.log.Warn().Err(err).Msg("proxynode: registry refresh failed")
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
			for shard, bus := range n.intentBuses {
				if err := bus.Flush(ctx); err != nil {
					n.log.Warn().Err(err).Stringer("shard", shard).Msg("proxynode: intent flush failed")
				}
			}
		}
	}
}

// Shutdown closes the proxy's transport.
func (n *Node) Shutdown(ctx context.Context) error {
	n.store.Del(ctx, discovery.TableServerRegistry, n.Self.String())
	if n.debugSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		n.debugSrv.Shutdown(shutdownCtx)
	}
	n.il.Close()
	return n.transport.Shutdown()
}
