package edge

import (
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/chatwire/chatwire/internal/wire"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 1 << 20

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// spamLimit is the number of inbound frames a client may send per spamWindow.
	spamLimit  = 300
	spamWindow = time.Minute
)

// Client represents a single client WebSocket connection. Each client runs
// two goroutines (readPump and writePump) and communicates with the Gateway
// via its send channel. The identity fields are resolved during the upgrade
// and never change afterwards.
type Client struct {
	gw   *Gateway
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	appUserIdentifier     string
	deviceIdentifier      string
	applicationIdentifier string
	isManager             bool

	// sendMu serializes enqueue against closeSend. Router fanout enqueues
	// from other goroutines, so closing the channel needs more than a Once.
	sendMu       sync.Mutex
	sendClosed   bool
	teardownOnce sync.Once

	// Rate limiting state (only accessed from readPump, no mutex needed).
	frameCount  int
	windowReset time.Time
}

// readPump reads frames from the WebSocket connection and dispatches them.
// It runs in its own goroutine and detaches the client when the read loop
// exits. Closing the connection itself is left to writePump, so error
// frames queued during teardown still reach the peer.
func (c *Client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if c.rateLimited() {
			c.sendError(wire.ErrSpamDetected())
			return
		}

		if !c.gw.dispatch(c, raw) {
			return
		}
	}
}

// writePump writes messages from the send channel to the WebSocket
// connection. It runs in its own goroutine, exits when the send channel is
// closed, and owns closing the underlying connection.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Debug().Err(err).Msg("WebSocket write error")
			return
		}
	}

	// The channel was drained after a graceful teardown; tell the peer
	// before the deferred close severs the TCP connection.
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
}

// enqueue hands a frame to the write pump. If the channel is full, the
// frame is dropped and the client is torn down so a stalled reader cannot
// block the rest of the fabric. After closeSend the frame is silently
// dropped.
func (c *Client) enqueue(msg []byte) {
	c.sendMu.Lock()
	if c.sendClosed {
		c.sendMu.Unlock()
		return
	}
	select {
	case c.send <- msg:
		c.sendMu.Unlock()
	default:
		c.sendMu.Unlock()
		c.log.Warn().Msg("Client send buffer full, closing connection")
		c.teardown()
	}
}

// closeSend closes the send channel exactly once. writePump drains what is
// left and then closes the socket.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// teardown detaches the client from the gateway and shuts the write pump
// down. Safe to call from any goroutine, any number of times.
func (c *Client) teardown() {
	c.teardownOnce.Do(func() { c.gw.unregister(c) })
	c.closeSend()
}

// sendError delivers a protocol error frame and reports whether the socket
// may stay open afterwards.
func (c *Client) sendError(cerr *wire.ChatError) bool {
	c.gw.countError(cerr.Code)
	c.enqueue(cerr.Frame())
	if cerr.Fatal() {
		c.teardown()
		return false
	}
	return true
}

// rateLimited returns true if the client has exceeded the inbound frame
// budget for the current window.
func (c *Client) rateLimited() bool {
	now := time.Now()
	if now.After(c.windowReset) {
		c.frameCount = 0
		c.windowReset = now.Add(spamWindow)
	}
	c.frameCount++
	return c.frameCount > spamLimit
}
