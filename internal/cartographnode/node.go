// Package cartographnode wires a read-only telemetry observer into one
// runnable process (SPEC_FULL.md's BINARIES section): it joins the
// Interlink fabric only to accept inbound connections for diagnostics, and
// polls the discovery bulletin's telemetry tables to drive a Prometheus
// exposition surface for an external dashboard. It never dials a peer for
// gameplay traffic and never claims a bound.
//
// Grounded on github.com/r2northstar/atlas's pkg/atlas.Server wiring shape
// for the Interlink/Health Warden half, and on
// Generativebots-ocx-backend-go-svc's internal/escrow/metrics.go for the
// promauto-registered GaugeVec/CounterVec shape of the telemetry half.
package cartographnode

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/atlasnet/atlasnet/internal/clusterreg"
	"github.com/atlasnet/atlasnet/internal/discovery"
	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/atlasnet/atlasnet/internal/interlink"
	"github.com/atlasnet/atlasnet/internal/interlink/udptransport"
	"github.com/atlasnet/atlasnet/internal/leaser"
	"github.com/atlasnet/atlasnet/internal/netdebug"
	"github.com/atlasnet/atlasnet/internal/warden"
	"github.com/rs/zerolog"
)

// Config holds the cartograph process's environment-loaded tunables.
type Config struct {
	ListenPort uint16        `env:"ATLASNET_LISTEN_PORT=33000"`
	LogLevel   zerolog.Level `env:"ATLASNET_LOG_LEVEL=info"`

	RegistryTTL    time.Duration `env:"ATLASNET_REGISTRY_TTL?=10s"`
	PingInterval   time.Duration `env:"ATLASNET_PING_INTERVAL?=2s"`
	PingLifetime   time.Duration `env:"ATLASNET_PING_LIFETIME?=6s"`
	CheckInterval  time.Duration `env:"ATLASNET_CHECK_INTERVAL?=2s"`
	ScrapeInterval time.Duration `env:"ATLASNET_SCRAPE_INTERVAL?=2s"`

	// HTTPAddr is the telemetry HTTP surface's listen address, separate
	// from ListenPort's Interlink UDP socket.
	HTTPAddr string `env:"ATLASNET_HTTP_ADDR=:9090"`
}

// Node is the single running cartograph process.
type Node struct {
	Self identity.NodeIdentity
	cfg  Config
	log  zerolog.Logger
	addr identity.Address

	store     discovery.Store
	transport *udptransport.Transport
	il        *interlink.Interlink
	warden    *warden.Warden
	metrics   *metricsCollector
	http      *http.Server
}

// New builds a cartograph Node.
func New(cfg Config, store discovery.Store, log zerolog.Logger) (*Node, error) {
	self := identity.New(identity.RoleCartograph)
	addr, err := identity.AddressFromAddrPort(netip.AddrPortFrom(netip.IPv4Unspecified(), cfg.ListenPort))
	if err != nil {
		return nil, fmt.Errorf("cartographnode: listen address: %w", err)
	}

	transport := udptransport.New(self.MarshalBytes())
	registry := interlink.NewRegistry()
	il := interlink.New(self, log, transport, registry, clusterreg.Resolver(store), clusterreg.Checker(store))

	metrics := newMetricsCollector()

	mux := netdebug.NewDebugMux(registry)
	mux.Handle("/metrics", metrics.handler())

	n := &Node{
		Self:      self,
		cfg:       cfg,
		log:       log,
		addr:      addr,
		store:     store,
		transport: transport,
		il:        il,
		metrics:   metrics,
		http:      &http.Server{Addr: cfg.HTTPAddr, Handler: mux},
	}
	n.warden = warden.New(self, store, cfg.PingLifetime, n.onPeerFailure, log)
	return n, nil
}

func (n *Node) onPeerFailure(peer identity.NodeIdentity) {
	n.log.Warn().Stringer("peer", peer).Msg("cartographnode: peer failure, closing connection")
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

// Run starts the cartograph's background loops and HTTP surface, blocking
// until ctx is canceled.
func (n *Node) Run(ctx context.Context) error {
	if err := n.il.Listen(ctx, n.addr); err != nil {
		return fmt.Errorf("cartographnode: listen: %w", err)
	}
	if err := clusterreg.Publish(ctx, n.store, n.Self, n.addr, n.cfg.RegistryTTL); err != nil {
		return fmt.Errorf("cartographnode: initial registry publish: %w", err)
	}

	lis, err := net.Listen("tcp", n.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("cartographnode: http listen: %w", err)
	}
	go func() {
		if err := n.http.Serve(lis); err != nil && err != http.ErrServerClosed {
			n.log.Warn().Err(err).Msg("cartographnode: http server stopped")
		}
	}()

	go n.il.RunLoop(ctx, 50*time.Millisecond)
	go n.warden.RunPingLoop(ctx, n.cfg.PingInterval)
	go n.warden.RunCheckLoop(ctx, n.cfg.CheckInterval, n.knownPeers)
	go n.runRegistryRefreshLoop(ctx)
	go n.runScrapeLoop(ctx)

	<-ctx.Done()
	return n.Shutdown(context.Background())
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
				n.log.Warn().Err(err).Msg("cartographnode: registry refresh failed")
			}
		}
	}
}

// runScrapeLoop polls the discovery bulletin's telemetry tables and
// refreshes the Prometheus gauges the HTTP surface exposes. The cartograph
// never writes to these tables, only reads them.
func (n *Node) runScrapeLoop(ctx context.Context) {
	t := time.NewTicker(n.cfg.ScrapeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := n.scrapeOnce(ctx); err != nil {
				n.log.Warn().Err(err).Msg("cartographnode: scrape failed")
			}
		}
	}
}

func (n *Node) scrapeOnce(ctx context.Context) error {
	owners, err := leaser.LookupBoundOwners(ctx, n.store)
	if err != nil {
		return fmt.Errorf("lookup bound owners: %w", err)
	}

	shardSet := make(map[identity.NodeIdentity]struct{}, len(owners))
	boundCount := make(map[identity.NodeIdentity]int, len(owners))
	for _, owner := range owners {
		shardSet[owner] = struct{}{}
		boundCount[owner]++
	}
	for owner, count := range boundCount {
		n.metrics.setBoundsOwned(owner.String(), count)
	}

	for shard := range shardSet {
		rows, err := n.store.HGetAll(ctx, discovery.TableAuthorityTelemetry, shard.String())
		if err != nil && err != discovery.ErrNotFound {
			n.log.Debug().Err(err).Stringer("shard", shard).Msg("cartographnode: authority telemetry read failed")
			continue
		}
		n.metrics.setEntitiesTracked(shard.String(), len(rows))

		connRows, err := n.store.HGetAll(ctx, discovery.TableNetworkTelemetry, shard.String())
		if err != nil && err != discovery.ErrNotFound {
			continue
		}
		n.metrics.setConnectionsOpen(shard.String(), len(connRows))
	}
	return nil
}

// Shutdown closes the cartograph's transport and HTTP surface.
func (n *Node) Shutdown(ctx context.Context) error {
	n.store.Del(ctx, discovery.TableServerRegistry, n.Self.String())
	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	n.http.Shutdown(shutdownCtx)
	n.il.Close()
	return n.transport.Shutdown()
}
