// Package router implements the central router tier of the chat fabric. It
// accepts edge server uplinks, tracks which edges own which users, and fans
// routable frames out to the owning edges, returning offline notifications
// for recipients nobody owns.
package router

import (
	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/chatwire/chatwire/internal/metrics"
)

// Alerter raises admin alerts for broken edge connections.
type Alerter interface {
	Notify(kind, message string, data any)
}

// Gateway is the edge-facing tier of the central router.
type Gateway struct {
	secret   string
	registry *Registry
	locator  *Locator
	mode     *ModeController
	alerts   Alerter
	metrics  *metrics.Router
	log      zerolog.Logger
}

// NewGateway wires the central router around its registry, locator and mode
// controller.
func NewGateway(
	secret string,
	registry *Registry,
	locator *Locator,
	mode *ModeController,
	alerts Alerter,
	m *metrics.Router,
	logger zerolog.Logger,
) *Gateway {
	return &Gateway{
		secret:   secret,
		registry: registry,
		locator:  locator,
		mode:     mode,
		alerts:   alerts,
		metrics:  m,
		log:      logger.With().Str("component", "gateway").Logger(),
	}
}

// serve owns an accepted edge connection for its lifetime. The read loop
// dispatches frames; the close hook always runs so a dead edge never leaves
// locator entries behind.
func (g *Gateway) serve(conn *websocket.Conn, identifier string, system bool) {
	ec := &EdgeConn{
		identifier: identifier,
		system:     system,
		conn:       conn,
		send:       make(chan []byte, 256),
	}
	if system {
		ec.log = g.log.With().Str("channel", "system").Logger()
		ec.log.Info().Msg("System message channel connected")
	} else {
		ec.log = g.log.With().Str("edge", identifier).Logger()
		g.register(ec)
	}

	go ec.writePump()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			ec.log.Debug().Err(err).Msg("Edge connection closed")
			break
		}
		if !g.dispatch(ec, raw) {
			break
		}
	}
	g.unregister(ec)
}

func (g *Gateway) register(ec *EdgeConn) {
	count, displaced := g.registry.Add(ec)
	if displaced != nil {
		ec.log.Warn().Msg("Edge reconnected, displacing its previous connection")
		displaced.closeSend()
	}
	g.metrics.ConnectedEdges.Set(float64(count))
	ec.log.Info().Int("registered", count).Msg("Edge server connected")

	g.mode.edgeRegistered(count)
	// A late joiner learns the mode right away; during INITIALIZATION this
	// is a no-op and the flip will advertise instead.
	g.mode.Advertise(ec)
}

func (g *Gateway) unregister(ec *EdgeConn) {
	ec.closeSend()
	if ec.system {
		ec.log.Info().Msg("System message channel disconnected")
		return
	}

	if g.registry.Remove(ec) {
		g.metrics.ConnectedEdges.Set(float64(g.registry.Count()))
	}
	// The sweep runs for displaced connections too; their users may still
	// point at the old socket.
	removed := g.locator.Sweep(ec)
	g.metrics.TrackedUsers.Set(float64(g.locator.UserCount()))
	ec.log.Info().Int("users_removed", removed).Msg("Edge server disconnected")
}

func (g *Gateway) alert(kind, message string, data any) {
	if g.alerts == nil {
		return
	}
	g.alerts.Notify(kind, message, data)
}
