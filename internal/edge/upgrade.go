package edge

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"
)

// Client upgrade credentials. The session token travels in a header or, for
// browser clients that cannot set headers on WebSocket dials, a query
// parameter.
const (
	HeaderToken         = "X-TOKEN"
	TokenParameter      = "token"
	HeaderManagerSecret = "X-MANAGER-SECRET"
)

// Rejection bodies are part of the client contract and must not change.
const (
	bodyWrongPath    = "Socket server is listening under /socket path."
	bodyMissingToken = "X-TOKEN header or parameter: token is not present."
	bodyInvalidToken = "X-TOKEN is invalid or expired. Get a new token."
	bodyOverQuota    = "Connection refused: exceeded max concurrent online users limit for the application."
)

// Upgrade handles GET /socket. It authenticates the session token, enforces
// the application's concurrent user limit, and upgrades the connection. The
// token's last ":"-separated segment names the application.
func (g *Gateway) Upgrade(c fiber.Ctx) error {
	token := c.Get(HeaderToken)
	if token == "" {
		token = c.Query(TokenParameter)
	}
	if token == "" {
		return c.Status(fiber.StatusNotFound).SendString(bodyMissingToken)
	}
	if !strings.Contains(token, ":") {
		return c.Status(fiber.StatusForbidden).SendString(bodyInvalidToken)
	}

	session := g.store.FetchSession(c.Context(), token)
	if session == nil {
		return c.Status(fiber.StatusForbidden).SendString(bodyInvalidToken)
	}

	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	applicationIdentifier := token[strings.LastIndex(token, ":")+1:]

	secret := c.Get(HeaderManagerSecret)
	isManager := g.managerSecret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(g.managerSecret)) == 1

	// Managers are operator tooling and do not count against the
	// application's online user quota.
	if !isManager && !g.apps.Acquire(applicationIdentifier) {
		return c.Status(fiber.StatusBadRequest).SendString(bodyOverQuota)
	}

	err := websocket.New(func(conn *websocket.Conn) {
		g.serve(conn.Conn, session, applicationIdentifier, isManager)
	})(c)
	if err != nil && !isManager {
		// The handshake failed after the slot was taken.
		g.apps.Release(applicationIdentifier)
	}
	return err
}

// NotFound rejects every path except the socket endpoint.
func NotFound(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).SendString(bodyWrongPath)
}
