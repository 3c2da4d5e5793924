package router

import (
	"crypto/subtle"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/chatwire/chatwire/internal/wire"
)

// Upgrade rejection bodies. Part of the wire contract with edge servers.
const (
	bodyMissingSecret     = wire.HeaderRouterSecret + " header is not present"
	bodyInvalidSecret     = wire.HeaderRouterSecret + " header is invalid"
	bodyMissingIdentifier = wire.HeaderServerIdentifier + " header is not present"
)

// Upgrade handles an edge server's websocket upgrade. The shared secret is
// mandatory; the edge identifier is mandatory unless the connection marks
// itself as a system message channel.
func (g *Gateway) Upgrade(c fiber.Ctx) error {
	secret := c.Get(wire.HeaderRouterSecret)
	if secret == "" {
		g.log.Warn().Msg("Edge upgrade without router secret")
		return c.Status(fiber.StatusForbidden).SendString(bodyMissingSecret)
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(g.secret)) != 1 {
		g.log.Warn().Msg("Edge upgrade with invalid router secret")
		return c.Status(fiber.StatusForbidden).SendString(bodyInvalidSecret)
	}

	system := c.Get(wire.HeaderSystemSocket) != ""
	identifier := c.Get(wire.HeaderServerIdentifier)
	if !system && identifier == "" {
		g.log.Warn().Msg("Edge upgrade without server identifier")
		return c.Status(fiber.StatusNotFound).SendString(bodyMissingIdentifier)
	}

	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	return websocket.New(func(conn *websocket.Conn) {
		g.serve(conn.Conn, identifier, system)
	})(c)
}
