// Package warden implements the Health Warden (spec.md §4.13): a periodic
// liveness heartbeat and a separate expiry scan that invokes a
// peer-failure callback for any node whose ping has lapsed.
//
// Grounded on github.com/r2northstar/atlas's pkg/atlas polling-loop
// style (independent ticker goroutines driving discrete responsibilities,
// stopped via a shared context) applied to the discovery bulletin's
// health_pings table.
package warden

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/atlasnet/atlasnet/internal/discovery"
	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/rs/zerolog"
)

// FailureCallback is invoked once per peer whose ping has expired. It
// should close any open connection to the peer, cancel in-flight
// transfers naming it, and release any locks it owns in the bulletin
// (spec.md §4.13).
type FailureCallback func(peer identity.NodeIdentity)

// Warden runs the ping and check loops for one node.
type Warden struct {
	self         identity.NodeIdentity
	store        discovery.Store
	log          zerolog.Logger
	pingLifetime time.Duration
	onFailure    FailureCallback
}

// New creates a Warden for self. pingLifetime is the TTL published with
// each heartbeat; onFailure is invoked for every peer found expired during
// a check pass.
func New(self identity.NodeIdentity, store discovery.Store, pingLifetime time.Duration, onFailure FailureCallback, log zerolog.Logger) *Warden {
	return &Warden{self: self, store: store, log: log, pingLifetime: pingLifetime, onFailure: onFailure}
}

// Ping publishes this node's heartbeat with an expiry pingLifetime from
// now.
func (w *Warden) Ping(ctx context.Context) error {
	now, err := w.store.ServerTimeNow(ctx)
	if err != nil {
		return err
	}
	expiry := now.Add(w.pingLifetime)
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(expiry.UnixMilli()))
	if err := w.store.Set(ctx, discovery.TableHealthPings, w.self.String(), buf); err != nil {
		return err
	}
	return w.store.Expire(ctx, discovery.TableHealthPings, w.self.String(), w.pingLifetime)
}

// Check scans every known peer other than self and invokes onFailure for
// any whose expiry has lapsed (removing its ping entry) or that has no ping
// entry at all, so a peer that stays in knownPeers without pinging again is
// reported on every pass.
func (w *Warden) Check(ctx context.Context, knownPeers []identity.NodeIdentity) error {
	now, err := w.store.ServerTimeNow(ctx)
	if err != nil {
		return err
	}

	for _, peer := range knownPeers {
		if peer.Equal(w.self) {
			continue
		}
		v, err := w.store.Get(ctx, discovery.TableHealthPings, peer.String())
		if err != nil {
			if errors.Is(err, discovery.ErrNotFound) {
				w.fail(peer)
			}
			continue
		}
		if len(v) < 8 {
			continue
		}
		expiry := time.UnixMilli(int64(binary.BigEndian.Uint64(v)))
		if !now.Before(expiry) {
			w.store.Del(ctx, discovery.TableHealthPings, peer.String())
			w.fail(peer)
		}
	}
	return nil
}

func (w *Warden) fail(peer identity.NodeIdentity) {
	w.log.Warn().Stringer("peer", peer).Msg("warden: peer expired")
	if w.onFailure != nil {
		w.onFailure(peer)
	}
}

// RunPingLoop publishes a heartbeat every pingInterval until ctx is
// canceled.
func (w *Warden) RunPingLoop(ctx context.Context, pingInterval time.Duration) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.Ping(ctx); err != nil {
				w.log.Warn().Err(err).Msg("warden: ping failed")
			}
		}
	}
}

// RunCheckLoop scans for expired peers every checkInterval until ctx is
// canceled. knownPeers is called fresh on each tick so the check reflects
// the node's current view of cluster membership.
func (w *Warden) RunCheckLoop(ctx context.Context, checkInterval time.Duration, knownPeers func() []identity.NodeIdentity) {
	t := time.NewTicker(checkInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.Check(ctx, knownPeers()); err != nil {
				w.log.Warn().Err(err).Msg("warden: check failed")
			}
		}
	}
}
