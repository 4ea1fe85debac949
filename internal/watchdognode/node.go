// Package watchdognode wires the Heuristic and the watchdog's partition
// publisher into one runnable singleton process (spec.md §2, §4.6, §4.7
// "Rebound"): the process that decides how the world is divided into
// bounds and republishes the partition when it changes.
package watchdognode

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/atlasnet/atlasnet/internal/clusterreg"
	"github.com/atlasnet/atlasnet/internal/discovery"
	"github.com/atlasnet/atlasnet/internal/heuristic"
	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/atlasnet/atlasnet/internal/interlink"
	"github.com/atlasnet/atlasnet/internal/interlink/udptransport"
	"github.com/atlasnet/atlasnet/internal/metricsx"
	"github.com/atlasnet/atlasnet/internal/netdebug"
	"github.com/atlasnet/atlasnet/internal/warden"
	"github.com/atlasnet/atlasnet/internal/watchdog"
	"github.com/rs/zerolog"
)

// Config holds the watchdog process's environment-loaded tunables.
type Config struct {
	ListenPort uint16        `env:"ATLASNET_LISTEN_PORT=32000"`
	LogLevel   zerolog.Level `env:"ATLASNET_LOG_LEVEL=info"`

	RegistryTTL        time.Duration `env:"ATLASNET_REGISTRY_TTL?=10s"`
	PingInterval       time.Duration `env:"ATLASNET_PING_INTERVAL?=2s"`
	PingLifetime       time.Duration `env:"ATLASNET_PING_LIFETIME?=6s"`
	CheckInterval      time.Duration `env:"ATLASNET_CHECK_INTERVAL?=2s"`
	RepartitionInterval time.Duration `env:"ATLASNET_REPARTITION_INTERVAL?=5s"`
	CellHalfExtent      float64       `env:"ATLASNET_CELL_HALF_EXTENT?=10"`
	TelemetryInterval   time.Duration `env:"ATLASNET_TELEMETRY_INTERVAL?=1s"`

	DebugAddr string `env:"ATLASNET_DEBUG_ADDR?="`
}

// Node is the single running watchdog process. The watchdog is a singleton
// role (identity.RoleWatchdog carries a nil uuid, per spec.md §4.1), so
// only one Node should be running against a given discovery bulletin at a
// time; a second one would both believe themselves authoritative, which
// the test_owner_key arbitration in spec.md §9(a) treats as a benign
// claim-and-lose race rather than a hard invariant violation.
type Node struct {
	Self identity.NodeIdentity
	cfg  Config
	log  zerolog.Logger
	addr identity.Address

	store     discovery.Store
	transport *udptransport.Transport
	il        *interlink.Interlink
	publisher *watchdog.Publisher
	warden    *warden.Warden

	knownShards func() []identity.NodeIdentity

	metrics  *metricsx.Set
	debugSrv *http.Server
}

// New builds a watchdog Node. knownShards supplies the current cluster
// membership for the snapshot gather and health-check passes; production
// callers typically back it with a periodic scan of server_registry
// filtered by role.
func New(cfg Config, store discovery.Store, knownShards func() []identity.NodeIdentity, log zerolog.Logger) (*Node, error) {
	self := identity.New(identity.RoleWatchdog)
	addr, err := identity.AddressFromAddrPort(netip.AddrPortFrom(netip.IPv4Unspecified(), cfg.ListenPort))
	if err != nil {
		return nil, fmt.Errorf("watchdognode: listen address: %w", err)
	}

	transport := udptransport.New(self.MarshalBytes())
	registry := interlink.NewRegistry()
	il := interlink.New(self, log, transport, registry, clusterreg.Resolver(store), clusterreg.Checker(store))

	h := heuristic.NewGridHeuristic(float32(cfg.CellHalfExtent))
	metricsSet := metricsx.NewSet()
	n := &Node{
		Self:        self,
		cfg:         cfg,
		log:         log,
		addr:        addr,
		store:       store,
		transport:   transport,
		il:          il,
		publisher:   watchdog.New(store, h, log),
		knownShards: knownShards,
		metrics:     metricsSet,
	}
	n.warden = warden.New(self, store, cfg.PingLifetime, n.onPeerFailure, log)
	if cfg.DebugAddr != "" {
		n.debugSrv = &http.Server{Addr: cfg.DebugAddr, Handler: netdebug.NewMux(registry, metricsSet)}
	}
	return n, nil
}

func (n *Node) onPeerFailure(peer identity.NodeIdentity) {
	n.log.Warn().Stringer("peer", peer).Msg("watchdognode: peer failure, closing connection")
	n.il.ClosePeer(peer)
}

// Run starts the watchdog's background loops and blocks until ctx is
// canceled.
func (n *Node) Run(ctx context.Context) error {
	if err := n.il.Listen(ctx, n.addr); err != nil {
		return fmt.Errorf("watchdognode: listen: %w", err)
	}
	if err := clusterreg.Publish(ctx, n.store, n.Self, n.addr, n.cfg.RegistryTTL); err != nil {
		return fmt.Errorf("watchdognode: initial registry publish: %w", err)
	}

	go n.il.RunLoop(ctx, 50*time.Millisecond)
	go n.warden.RunPingLoop(ctx, n.cfg.PingInterval)
	go n.warden.RunCheckLoop(ctx, n.cfg.CheckInterval, n.knownShards)
	go n.runRegistryRefreshLoop(ctx)
	go n.runRepartitionLoop(ctx)
	go n.runTelemetryLoop(ctx)

	if n.debugSrv != nil {
		lis, err := net.Listen("tcp", n.cfg.DebugAddr)
		if err != nil {
			return fmt.Errorf("watchdognode: debug listen: %w", err)
		}
		go func() {
			if err := n.debugSrv.Serve(lis); err != nil && err != http.ErrServerClosed {
				n.log.Warn().Err(err).Msg("watchdognode: debug server stopped")
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
				n.log.Warn().Err(err).Msg("watchdognode: connection stats publish failed")
			}
		}
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
				n.log.Warn().Err(err).Msg("watchdognode: registry refresh failed")
			}
		}
	}
}

func (n *Node) runRepartitionLoop(ctx context.Context) {
	t := time.NewTicker(n.cfg.RepartitionInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			shardKeys := make([]string, 0)
			for _, s := range n.knownShards() {
				shardKeys = append(shardKeys, s.String())
			}
			snapshot, err := watchdog.GatherSnapshot(ctx, n.store, shardKeys)
			if err != nil {
				n.log.Warn().Err(err).Msg("watchdognode: gather snapshot failed")
				continue
			}
			if err := n.publisher.Repartition(ctx, snapshot); err != nil {
				n.log.Warn().Err(err).Msg("watchdognode: repartition failed")
			}
		}
	}
}

// Shutdown closes the watchdog's transport.
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
