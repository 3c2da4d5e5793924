// Package edge implements the client-facing tier of the chat fabric. It
// terminates client WebSockets, enforces per-application admission limits,
// executes chat operations against the message store, and relays routable
// traffic to the central routers over the uplink pool.
package edge

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/chatwire/chatwire/internal/dynamo"
	"github.com/chatwire/chatwire/internal/metrics"
	"github.com/chatwire/chatwire/internal/wire"
)

// ChatStore is the slice of the message store the edge tier uses.
type ChatStore interface {
	FetchSession(ctx context.Context, token string) *dynamo.Session
	FetchChatRoom(ctx context.Context, chatRoomIdentifier string) *dynamo.ChatRoom
	FetchChatRoomMessages(ctx context.Context, chatRoomIdentifier string, fromMessageIdentifier int64, limit int) []dynamo.Message
	FetchReadMessageUsers(ctx context.Context, chatRoomIdentifier string, messageTimestampIdentifier int64) []dynamo.LastMessageRead
	FetchLastMessagesRead(ctx context.Context, chatRoomIdentifier string) []dynamo.LastMessageRead
	UpdateLastMessageRead(ctx context.Context, chatRoomIdentifier, appUserIdentifier string, messageTimestampIdentifier int64)
	CreateChatMessage(ctx context.Context, chatRoomIdentifier, appUserIdentifier, message string) int64
	CreateSystemMessage(ctx context.Context, chatRoomIdentifier, message string) int64
}

// CustomDataSource resolves the per-user custom data blob attached to
// outbound messages.
type CustomDataSource interface {
	CustomData(ctx context.Context, appUserIdentifier string) json.RawMessage
}

// Alerter delivers operational alerts to the configured admins.
type Alerter interface {
	Notify(kind, message string, data any)
}

// RouterLink is the uplink from this edge server to the central routers.
type RouterLink interface {
	Available() bool
	Send(msg []byte) bool
	SendAll(msg []byte)
}

// Gateway owns every client WebSocket on this edge server. It admits
// connections, keeps the user directory and the routers in sync, and
// dispatches inbound frames to the chat operation handlers.
type Gateway struct {
	identifier    string
	directory     *Directory
	apps          *Registry
	routers       RouterLink
	store         ChatStore
	customData    CustomDataSource
	alerts        Alerter
	managerSecret string
	metrics       *metrics.Edge
	log           zerolog.Logger
}

// NewGateway creates a gateway for one edge server instance. identifier is
// the instance identifier reported to the routers and the admin API.
func NewGateway(
	identifier string,
	directory *Directory,
	apps *Registry,
	routers RouterLink,
	store ChatStore,
	customData CustomDataSource,
	alerts Alerter,
	managerSecret string,
	m *metrics.Edge,
	logger zerolog.Logger,
) *Gateway {
	return &Gateway{
		identifier:    identifier,
		directory:     directory,
		apps:          apps,
		routers:       routers,
		store:         store,
		customData:    customData,
		alerts:        alerts,
		managerSecret: managerSecret,
		metrics:       m,
		log:           logger.With().Str("component", "edge").Logger(),
	}
}

// serve runs a freshly upgraded connection until it closes. The session and
// application identity were resolved during the upgrade. Blocks for the
// lifetime of the connection.
func (g *Gateway) serve(conn *websocket.Conn, session *dynamo.Session, applicationIdentifier string, isManager bool) {
	c := &Client{
		gw:                    g,
		conn:                  conn,
		send:                  make(chan []byte, 256),
		appUserIdentifier:     session.AppUserIdentifier,
		deviceIdentifier:      session.DeviceIdentifier,
		applicationIdentifier: applicationIdentifier,
		isManager:             isManager,
		windowReset:           time.Now().Add(spamWindow),
	}
	c.log = g.log.With().
		Str("app_user", c.appUserIdentifier).
		Str("device", c.deviceIdentifier).
		Logger()

	g.register(c)
	go c.writePump()
	c.readPump()
}

// register adds the client to the directory and announces new users to the
// routers. Manager connections carry no chat identity of their own and stay
// out of the directory.
func (g *Gateway) register(c *Client) {
	if c.isManager {
		c.log.Info().Msg("Manager connected")
		return
	}

	first, displaced := g.directory.Add(c)
	if displaced != nil {
		// A reconnect for the same device replaces the old socket.
		displaced.teardown()
	}

	g.metrics.ConnectedClients.WithLabelValues(c.applicationIdentifier).Inc()
	g.metrics.ConnectedUsers.Set(float64(g.directory.UserCount()))

	if first {
		raw, _ := json.Marshal(wire.UserUpdate{
			Type:                      wire.TypeAddAppUser,
			ApplicationUserIdentifier: c.appUserIdentifier,
		})
		g.routers.SendAll(raw)
	}
	c.log.Info().Msg("Client connected")
}

// unregister releases the client's admission slot and removes it from the
// directory. When the user's last device disconnects the routers are told to
// drop the user.
func (g *Gateway) unregister(c *Client) {
	if c.isManager {
		c.log.Info().Msg("Manager disconnected")
		return
	}

	g.apps.Release(c.applicationIdentifier)
	removed, last := g.directory.Remove(c)

	g.metrics.ConnectedClients.WithLabelValues(c.applicationIdentifier).Dec()
	g.metrics.ConnectedUsers.Set(float64(g.directory.UserCount()))

	if removed && last {
		raw, _ := json.Marshal(wire.UserUpdate{
			Type:                      wire.TypeRemoveAppUser,
			ApplicationUserIdentifier: c.appUserIdentifier,
		})
		g.routers.SendAll(raw)
	}
	c.log.Info().Msg("Client disconnected")
}

func (g *Gateway) countError(code int) {
	g.metrics.ClientErrors.WithLabelValues(strconv.Itoa(code)).Inc()
}

// alert notifies the admins if an alert channel is configured.
func (g *Gateway) alert(kind, message string, data any) {
	if g.alerts != nil {
		g.alerts.Notify(kind, message, data)
	}
}
