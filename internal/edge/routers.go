package edge

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/chatwire/chatwire/internal/adminapi"
	"github.com/chatwire/chatwire/internal/wire"
)

const (
	// routerRefreshInterval is how often the pool reconciles against the
	// discovery listing.
	routerRefreshInterval = 120 * time.Second

	routerDialTimeout = 10 * time.Second
)

// routerDialer dials central routers with a bounded handshake.
var routerDialer = &websocket.Dialer{
	Proxy:            http.ProxyFromEnvironment,
	HandshakeTimeout: routerDialTimeout,
}

// EndpointSource lists the central routers this edge should be connected to.
type EndpointSource interface {
	RouterEndpoints(ctx context.Context) []adminapi.RouterEndpoint
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	Endpoints EndpointSource

	// Frames receives every non-mode frame a router sends.
	Frames func(frameType string, raw []byte)

	// FullSync snapshots the users to announce on a fresh connection.
	FullSync func() []string

	// Identifier and Secret authenticate this edge to the routers.
	Identifier string
	Secret     string

	Operational prometheus.Gauge
	Logger      zerolog.Logger
}

// Pool maintains one outbound websocket per known central router. Routers
// enter round-robin rotation only after advertising OPERATIONAL; directory
// updates go to every connection regardless, so a router still syncing has a
// complete view by the time it flips.
type Pool struct {
	endpoints        EndpointSource
	frames           func(string, []byte)
	fullSync         func() []string
	identifier       string
	secret           string
	operationalGauge prometheus.Gauge
	log              zerolog.Logger

	// dial is swapped out by tests.
	dial func(ctx context.Context, address string) (*websocket.Conn, error)

	mu          sync.Mutex
	conns       map[string]*routerConn
	dialing     map[string]bool
	order       []*routerConn
	operational []*routerConn
	rr          int
}

// NewPool creates a router pool. Run starts it.
func NewPool(opts PoolOptions) *Pool {
	p := &Pool{
		endpoints:        opts.Endpoints,
		frames:           opts.Frames,
		fullSync:         opts.FullSync,
		identifier:       opts.Identifier,
		secret:           opts.Secret,
		operationalGauge: opts.Operational,
		log:              opts.Logger.With().Str("component", "router_pool").Logger(),
		conns:            make(map[string]*routerConn),
		dialing:          make(map[string]bool),
	}
	p.dial = p.dialRouter
	return p
}

// Run reconciles the pool against the discovery listing until ctx is
// cancelled, then closes every connection.
func (p *Pool) Run(ctx context.Context) error {
	defer p.Shutdown()

	ticker := time.NewTicker(routerRefreshInterval)
	defer ticker.Stop()

	for {
		p.refresh(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// refresh dials newly listed routers and disconnects vanished ones. A failed
// fetch keeps the current connections; only an explicit empty listing tears
// them all down.
func (p *Pool) refresh(ctx context.Context) {
	endpoints := p.endpoints.RouterEndpoints(ctx)
	if endpoints == nil {
		p.log.Warn().Msg("Central router discovery failed, keeping current connections")
		return
	}
	p.log.Debug().Int("count", len(endpoints)).Msg("Refreshed central router list")

	known := make(map[string]bool, len(endpoints))
	var toDial []adminapi.RouterEndpoint

	p.mu.Lock()
	for _, ep := range endpoints {
		known[ep.Identifier] = true
		if _, ok := p.conns[ep.Identifier]; ok {
			continue
		}
		// At most one dial per router at a time.
		if p.dialing[ep.Identifier] {
			continue
		}
		p.dialing[ep.Identifier] = true
		toDial = append(toDial, ep)
	}

	var stale []*routerConn
	for id, rc := range p.conns {
		if !known[id] {
			stale = append(stale, rc)
		}
	}
	p.mu.Unlock()

	for _, ep := range toDial {
		go p.connect(ctx, ep)
	}
	for _, rc := range stale {
		rc.log.Info().Msg("Central router no longer listed, disconnecting")
		p.remove(rc)
	}
}

// connect dials one router and runs its read loop until the connection
// fails. The next refresh redials.
func (p *Pool) connect(ctx context.Context, ep adminapi.RouterEndpoint) {
	defer func() {
		p.mu.Lock()
		delete(p.dialing, ep.Identifier)
		p.mu.Unlock()
	}()

	conn, err := p.dial(ctx, ep.PublicIP)
	if err != nil {
		p.log.Error().Err(err).Str("router", ep.Identifier).Msg("Failed to connect to central router")
		return
	}

	rc := &routerConn{
		id:   ep.Identifier,
		conn: conn,
		send: make(chan []byte, 256),
		log:  p.log.With().Str("router", ep.Identifier).Logger(),
	}

	// Snapshot, queue, and register under one lock so a directory update
	// broadcast cannot fall between the FULL_SYNC snapshot and this
	// connection joining the broadcast set.
	p.mu.Lock()
	raw, _ := json.Marshal(wire.FullSync{
		Type:                       wire.TypeFullSync,
		ApplicationUserIdentifiers: p.fullSync(),
	})
	rc.enqueue(raw)
	p.conns[ep.Identifier] = rc
	p.order = append(p.order, rc)
	p.mu.Unlock()

	go rc.writePump()
	rc.log.Info().Msg("Connected to central router")

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			rc.log.Warn().Err(err).Msg("Central router connection lost")
			p.remove(rc)
			return
		}
		p.handleFrame(rc, frame)
	}
}

// handleFrame consumes SERVER_MODE itself and hands everything else to the
// frame callback.
func (p *Pool) handleFrame(rc *routerConn, raw []byte) {
	frameType, err := wire.PeekType(raw)
	if err != nil {
		rc.log.Error().Err(err).Msg("Malformed central router frame")
		return
	}

	if frameType == wire.TypeServerMode {
		var mode wire.ServerMode
		if err := json.Unmarshal(raw, &mode); err != nil {
			rc.log.Error().Err(err).Msg("Malformed SERVER_MODE frame")
			return
		}
		if mode.Message == wire.ModeOperational {
			p.markOperational(rc)
		}
		return
	}

	p.frames(frameType, raw)
}

// markOperational moves a connection into the round-robin rotation.
func (p *Pool) markOperational(rc *routerConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conns[rc.id] != rc || slices.Contains(p.operational, rc) {
		return
	}
	p.operational = append(p.operational, rc)
	p.operationalGauge.Set(float64(len(p.operational)))
	rc.log.Info().Msg("Central router is operational")
}

// remove drops a connection from the pool and closes it. Identity checked so
// a stale connection's late exit cannot evict its replacement.
func (p *Pool) remove(rc *routerConn) {
	p.mu.Lock()
	if p.conns[rc.id] == rc {
		delete(p.conns, rc.id)
	}
	p.order = slices.DeleteFunc(p.order, func(c *routerConn) bool { return c == rc })
	p.operational = slices.DeleteFunc(p.operational, func(c *routerConn) bool { return c == rc })
	p.operationalGauge.Set(float64(len(p.operational)))
	p.mu.Unlock()

	rc.closeSend()
}

// Available reports whether at least one router is operational.
func (p *Pool) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.operational) > 0
}

// Send relays a frame to one operational router, rotating through them in
// round-robin order. Reports whether a router accepted the frame.
func (p *Pool) Send(msg []byte) bool {
	p.mu.Lock()
	if len(p.operational) == 0 {
		p.mu.Unlock()
		p.log.Warn().Msg("No operational central routers, dropping frame")
		return false
	}
	p.rr++
	if p.rr >= len(p.operational) {
		p.rr = 0
	}
	rc := p.operational[p.rr]
	p.mu.Unlock()

	rc.enqueue(msg)
	return true
}

// SendAll relays a frame to every connected router, operational or not.
func (p *Pool) SendAll(msg []byte) {
	p.mu.Lock()
	conns := slices.Clone(p.order)
	p.mu.Unlock()

	for _, rc := range conns {
		rc.enqueue(msg)
	}
}

// Shutdown closes every router connection.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	conns := slices.Clone(p.order)
	p.mu.Unlock()

	for _, rc := range conns {
		p.remove(rc)
	}
}

func (p *Pool) dialRouter(ctx context.Context, address string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set(wire.HeaderRouterSecret, p.secret)
	header.Set(wire.HeaderServerIdentifier, p.identifier)

	conn, _, err := routerDialer.DialContext(ctx, "ws://"+address, header)
	return conn, err
}

// routerConn is one live uplink to a central router. Writes go through a
// buffered channel and a dedicated write pump, like client connections.
type routerConn struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	sendMu     sync.Mutex
	sendClosed bool
}

func (rc *routerConn) writePump() {
	defer func() { _ = rc.conn.Close() }()

	for msg := range rc.send {
		_ = rc.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := rc.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			rc.log.Debug().Err(err).Msg("Central router write error")
			return
		}
	}
}

// enqueue queues a frame for the router. A full buffer drops the frame; a
// genuinely dead connection is caught by its read loop and redialed.
func (rc *routerConn) enqueue(msg []byte) {
	rc.sendMu.Lock()
	defer rc.sendMu.Unlock()
	if rc.sendClosed {
		return
	}
	select {
	case rc.send <- msg:
	default:
		rc.log.Warn().Msg("Central router send buffer full, dropping frame")
	}
}

func (rc *routerConn) closeSend() {
	rc.sendMu.Lock()
	defer rc.sendMu.Unlock()
	if !rc.sendClosed {
		rc.sendClosed = true
		close(rc.send)
	}
}
