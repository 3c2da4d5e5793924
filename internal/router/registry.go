package router

import (
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

// EdgeConn is one accepted edge server connection. Writes go through a
// buffered channel and a dedicated write pump so dispatching to one edge
// never blocks on another.
type EdgeConn struct {
	identifier string
	system     bool
	conn       *websocket.Conn
	send       chan []byte
	log        zerolog.Logger

	// sendMu serializes enqueue against closeSend. Frames for an edge are
	// enqueued from other edges' read loops, so closing the channel needs
	// more than a Once.
	sendMu     sync.Mutex
	sendClosed bool
}

func (ec *EdgeConn) writePump() {
	defer func() { _ = ec.conn.Close() }()

	for msg := range ec.send {
		_ = ec.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ec.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			ec.log.Debug().Err(err).Msg("Edge write error")
			return
		}
	}
}

// enqueue queues a frame for the edge. Delivery is best effort: a full
// buffer drops the frame rather than stalling dispatch for the other edges.
func (ec *EdgeConn) enqueue(msg []byte) {
	ec.sendMu.Lock()
	defer ec.sendMu.Unlock()
	if ec.sendClosed {
		return
	}
	select {
	case ec.send <- msg:
	default:
		ec.log.Warn().Msg("Edge send buffer full, dropping frame")
	}
}

func (ec *EdgeConn) closeSend() {
	ec.sendMu.Lock()
	defer ec.sendMu.Unlock()
	if !ec.sendClosed {
		ec.sendClosed = true
		close(ec.send)
	}
}

// Registry tracks the edge servers currently connected, keyed by their
// advertised identifier. A reconnecting edge replaces its previous entry.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*EdgeConn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*EdgeConn)}
}

// Add registers a connection and reports the new registry size plus any
// previous connection that advertised the same identifier.
func (r *Registry) Add(ec *EdgeConn) (count int, displaced *EdgeConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	displaced = r.conns[ec.identifier]
	r.conns[ec.identifier] = ec
	return len(r.conns), displaced
}

// Remove drops the connection if it is still the registered one for its
// identifier, so a displaced connection's late close cannot evict its
// replacement.
func (r *Registry) Remove(ec *EdgeConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[ec.identifier] != ec {
		return false
	}
	delete(r.conns, ec.identifier)
	return true
}

// All snapshots the registered connections.
func (r *Registry) All() []*EdgeConn {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]*EdgeConn, 0, len(r.conns))
	for _, ec := range r.conns {
		conns = append(conns, ec)
	}
	return conns
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
