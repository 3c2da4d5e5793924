package wire

// Headers exchanged on the edge-to-router websocket upgrade.
const (
	// HeaderRouterSecret authenticates an edge server against a router.
	HeaderRouterSecret = "X-ROUTER-INTERNAL-SECRET"

	// HeaderServerIdentifier names the dialing edge server so the router
	// can key its connection registry.
	HeaderServerIdentifier = "X-WEBSOCKET-SERVER-IDENTIFIER"

	// HeaderSystemSocket marks a connection that only injects system
	// messages. The router skips presence bookkeeping for these.
	HeaderSystemSocket = "X-IS-SYSTEM-MESSAGE-SOCKET"
)
