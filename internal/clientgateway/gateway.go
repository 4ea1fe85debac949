// Package clientgateway is the proxy's external-facing client transport
// (SPEC_FULL.md's DOMAIN STACK entry for gorilla/websocket, grounded on
// Generativebots-ocx-backend-go-svc and orbas1-Synnergy, both of which front
// their game/agent client connections with a websocket framing before
// handing payloads to their command dispatchers): GameClient connections
// arrive here over a websocket, are decoded into Command Bus intents, and
// handed to the bound Router. Per spec.md §1, payload semantics beyond
// routing are an external collaborator; the gateway only frames and routes.
package clientgateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/atlasnet/atlasnet/internal/commandbus"
	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Proxy is the subset of proxynode.Node the gateway drives per connection.
// Declared as an interface here rather than imported directly, so this
// package never depends on proxynode (avoiding an import cycle with
// proxynode's own command handling).
type Proxy interface {
	AcceptClient(ctx context.Context, clientID uuid.UUID, owner identity.NodeIdentity) error
	ForwardClientIntent(ctx context.Context, clientID uuid.UUID, cmd commandbus.Command) error
	DisconnectClient(clientID uuid.UUID)
}

// Gateway upgrades incoming HTTP connections to websockets and bridges
// framed client-intent commands onto the bound proxy.
type Gateway struct {
	proxy    Proxy
	registry *commandbus.Registry
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[uuid.UUID]*websocket.Conn
}

// New creates a Gateway bridging websocket connections onto proxy.
func New(proxy Proxy, registry *commandbus.Registry, log zerolog.Logger) *Gateway {
	return &Gateway{
		proxy:    proxy,
		registry: registry,
		log:      log,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		conns:    make(map[uuid.UUID]*websocket.Conn),
	}
}

// ServeHTTP upgrades the connection, binds it to owner under a freshly
// minted client ID, and pumps client-intent frames until the socket closes.
func (g *Gateway) ServeHTTP(owner identity.NodeIdentity) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.log.Debug().Err(err).Msg("clientgateway: upgrade failed")
			return
		}

		clientID := uuid.New()
		ctx := r.Context()
		if err := g.proxy.AcceptClient(ctx, clientID, owner); err != nil {
			g.log.Warn().Err(err).Stringer("client_id", clientID).Msg("clientgateway: accept failed")
			conn.Close()
			return
		}

		g.mu.Lock()
		g.conns[clientID] = conn
		g.mu.Unlock()

		g.pump(ctx, clientID, conn)
	}
}

// Send writes a server-state command frame to clientID's socket, if still
// connected.
func (g *Gateway) Send(clientID uuid.UUID, frame []byte) error {
	g.mu.Lock()
	conn, ok := g.conns[clientID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("clientgateway: client %s not connected", clientID)
	}
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (g *Gateway) pump(ctx context.Context, clientID uuid.UUID, conn *websocket.Conn) {
	defer g.close(clientID, conn)
	for {
		mt, body, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		cmd, err := commandbus.DecodeCommandFrame(g.registry, body)
		if err != nil {
			g.log.Debug().Err(err).Stringer("client_id", clientID).Msg("clientgateway: dropped undecodable intent")
			continue
		}
		if err := g.proxy.ForwardClientIntent(ctx, clientID, cmd); err != nil {
			g.log.Warn().Err(err).Stringer("client_id", clientID).Msg("clientgateway: forward failed")
		}
	}
}

func (g *Gateway) close(clientID uuid.UUID, conn *websocket.Conn) {
	g.mu.Lock()
	delete(g.conns, clientID)
	g.mu.Unlock()
	conn.Close()
	g.proxy.DisconnectClient(clientID)
}
