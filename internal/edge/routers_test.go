package edge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	contribws "github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/chatwire/chatwire/internal/adminapi"
	"github.com/chatwire/chatwire/internal/wire"
)

// fakeRouter is a minimal central router: it accepts edge uplinks, records
// the handshake headers and every received frame, and can push frames back.
type fakeRouter struct {
	addr string

	mu          sync.Mutex
	secrets     []string
	identifiers []string
	conns       []*websocket.Conn
	frames      [][]byte
}

func startFakeRouter(t *testing.T) *fakeRouter {
	t.Helper()

	fr := &fakeRouter{}
	app := fiber.New()
	app.Get("/", func(c fiber.Ctx) error {
		secret := c.Get(wire.HeaderRouterSecret)
		identifier := c.Get(wire.HeaderServerIdentifier)
		return contribws.New(func(conn *contribws.Conn) {
			fr.serve(conn.Conn, secret, identifier)
		})(c)
	})

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true}) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	fr.addr = ln.Addr().String()
	return fr
}

func (fr *fakeRouter) serve(conn *websocket.Conn, secret, identifier string) {
	fr.mu.Lock()
	fr.secrets = append(fr.secrets, secret)
	fr.identifiers = append(fr.identifiers, identifier)
	fr.conns = append(fr.conns, conn)
	fr.mu.Unlock()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		fr.mu.Lock()
		fr.frames = append(fr.frames, raw)
		fr.mu.Unlock()
	}
}

// push sends a frame down every uplink this router has accepted.
func (fr *fakeRouter) push(raw []byte) {
	fr.mu.Lock()
	conns := slices.Clone(fr.conns)
	fr.mu.Unlock()

	for _, conn := range conns {
		_ = conn.WriteMessage(websocket.TextMessage, raw)
	}
}

func (fr *fakeRouter) received() [][]byte {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return slices.Clone(fr.frames)
}

func (fr *fakeRouter) handshakes() (secrets, identifiers []string) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return slices.Clone(fr.secrets), slices.Clone(fr.identifiers)
}

type endpointsStub struct {
	mu   sync.Mutex
	list []adminapi.RouterEndpoint
}

func (s *endpointsStub) RouterEndpoints(ctx context.Context) []adminapi.RouterEndpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list
}

func (s *endpointsStub) set(list []adminapi.RouterEndpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = list
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []recordedFrame
}

type recordedFrame struct {
	frameType string
	raw       []byte
}

func (r *frameRecorder) record(frameType string, raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, recordedFrame{frameType: frameType, raw: raw})
}

func (r *frameRecorder) all() []recordedFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.frames)
}

func newTestPool(t *testing.T, endpoints EndpointSource, rec *frameRecorder) *Pool {
	t.Helper()

	p := NewPool(PoolOptions{
		Endpoints:   endpoints,
		Frames:      rec.record,
		FullSync:    func() []string { return []string{"alice", "bob"} },
		Identifier:  "edge-1",
		Secret:      "router-secret",
		Operational: prometheus.NewGauge(prometheus.GaugeOpts{Name: "operational_routers"}),
		Logger:      zerolog.Nop(),
	})
	t.Cleanup(p.Shutdown)
	return p
}

func poolConnCount(p *Pool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func singleEndpoint(fr *fakeRouter) *endpointsStub {
	return &endpointsStub{list: []adminapi.RouterEndpoint{{Identifier: "cr-1", PublicIP: fr.addr}}}
}

func TestPoolConnectAnnouncesFullSync(t *testing.T) {
	t.Parallel()
	fr := startFakeRouter(t)
	p := newTestPool(t, singleEndpoint(fr), &frameRecorder{})

	p.refresh(context.Background())
	waitUntil(t, func() bool { return len(fr.received()) == 1 }, "the FULL_SYNC frame")

	var sync wire.FullSync
	if err := json.Unmarshal(fr.received()[0], &sync); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sync.Type != wire.TypeFullSync || !slices.Equal(sync.ApplicationUserIdentifiers, []string{"alice", "bob"}) {
		t.Errorf("first frame = %+v, want FULL_SYNC for alice and bob", sync)
	}

	secrets, identifiers := fr.handshakes()
	if len(secrets) != 1 || secrets[0] != "router-secret" {
		t.Errorf("router secret header = %v, want [router-secret]", secrets)
	}
	if len(identifiers) != 1 || identifiers[0] != "edge-1" {
		t.Errorf("server identifier header = %v, want [edge-1]", identifiers)
	}
}

func TestPoolEntersRotationOnOperationalMode(t *testing.T) {
	t.Parallel()
	fr := startFakeRouter(t)
	rec := &frameRecorder{}
	p := newTestPool(t, singleEndpoint(fr), rec)

	p.refresh(context.Background())
	waitUntil(t, func() bool { return len(fr.received()) == 1 }, "the router to connect")

	if p.Available() {
		t.Fatal("pool available before any SERVER_MODE")
	}

	// A sentinel after INITIALIZATION proves the mode frame was processed
	// before the assertion runs.
	fr.push(wire.NewServerMode(wire.ModeInitialization))
	fr.push([]byte(`{"type":"OFFLINE_NOTIFICATION"}`))
	waitUntil(t, func() bool { return len(rec.all()) == 1 }, "the sentinel frame")
	if p.Available() {
		t.Error("INITIALIZATION must not mark the router operational")
	}

	fr.push(wire.NewServerMode(wire.ModeOperational))
	waitUntil(t, p.Available, "the router to go operational")

	if !p.Send([]byte(`{"type":"ROUTABLE","chat_room_identifier":"room-1"}`)) {
		t.Fatal("Send refused a frame with an operational router")
	}
	waitUntil(t, func() bool { return len(fr.received()) == 2 }, "the relayed frame")
	if got := string(fr.received()[1]); got != `{"type":"ROUTABLE","chat_room_identifier":"room-1"}` {
		t.Errorf("relayed frame = %s", got)
	}
}

func TestPoolForwardsRouterFrames(t *testing.T) {
	t.Parallel()
	fr := startFakeRouter(t)
	rec := &frameRecorder{}
	p := newTestPool(t, singleEndpoint(fr), rec)

	p.refresh(context.Background())
	waitUntil(t, func() bool { return len(fr.received()) == 1 }, "the router to connect")

	fr.push([]byte(`not json`))
	fr.push([]byte(`{"type":"SET_LAST_MESSAGE_READ","chat_room_identifier":"room-9"}`))

	waitUntil(t, func() bool { return len(rec.all()) == 1 }, "the forwarded frame")
	frame := rec.all()[0]
	if frame.frameType != wire.TypeSetLastMessageRead {
		t.Errorf("frame type = %q, want %q", frame.frameType, wire.TypeSetLastMessageRead)
	}
	if got := string(frame.raw); got != `{"type":"SET_LAST_MESSAGE_READ","chat_room_identifier":"room-9"}` {
		t.Errorf("raw frame = %s, want it forwarded untouched", got)
	}
}

func TestPoolSendRotatesAcrossRouters(t *testing.T) {
	t.Parallel()
	fr1 := startFakeRouter(t)
	fr2 := startFakeRouter(t)
	stub := &endpointsStub{list: []adminapi.RouterEndpoint{
		{Identifier: "cr-1", PublicIP: fr1.addr},
		{Identifier: "cr-2", PublicIP: fr2.addr},
	}}
	p := newTestPool(t, stub, &frameRecorder{})

	p.refresh(context.Background())
	waitUntil(t, func() bool {
		return len(fr1.received()) == 1 && len(fr2.received()) == 1
	}, "both routers to connect")

	fr1.push(wire.NewServerMode(wire.ModeOperational))
	fr2.push(wire.NewServerMode(wire.ModeOperational))
	waitUntil(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.operational) == 2
	}, "both routers to go operational")

	for i := 0; i < 4; i++ {
		if !p.Send([]byte(`{"type":"ROUTABLE"}`)) {
			t.Fatal("Send refused a frame")
		}
	}

	waitUntil(t, func() bool {
		return len(fr1.received())+len(fr2.received()) == 6
	}, "all relayed frames")
	if got1, got2 := len(fr1.received())-1, len(fr2.received())-1; got1 != 2 || got2 != 2 {
		t.Errorf("frames per router = %d and %d, want an even 2 and 2", got1, got2)
	}
}

func TestPoolSendWithoutOperationalRouters(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, &endpointsStub{}, &frameRecorder{})

	if p.Send([]byte(`{}`)) {
		t.Error("Send accepted a frame with no routers at all")
	}
}

func TestPoolSendAllReachesSyncingRouters(t *testing.T) {
	t.Parallel()
	fr := startFakeRouter(t)
	p := newTestPool(t, singleEndpoint(fr), &frameRecorder{})

	p.refresh(context.Background())
	waitUntil(t, func() bool { return len(fr.received()) == 1 }, "the router to connect")

	// Never advertised OPERATIONAL: Send skips it, SendAll does not.
	if p.Send([]byte(`{}`)) {
		t.Error("Send accepted a frame with no operational router")
	}
	p.SendAll([]byte(`{"type":"ADD_APP_USER_WEBSOCKET","application_user_identifier":"carol"}`))

	waitUntil(t, func() bool { return len(fr.received()) == 2 }, "the broadcast frame")
	var update wire.UserUpdate
	if err := json.Unmarshal(fr.received()[1], &update); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if update.ApplicationUserIdentifier != "carol" {
		t.Errorf("broadcast = %+v, want carol's update", update)
	}
}

func TestPoolDisconnectsDelistedRouters(t *testing.T) {
	t.Parallel()
	fr := startFakeRouter(t)
	stub := singleEndpoint(fr)
	p := newTestPool(t, stub, &frameRecorder{})

	ctx := context.Background()
	p.refresh(ctx)
	waitUntil(t, func() bool { return poolConnCount(p) == 1 }, "the router to connect")

	stub.set([]adminapi.RouterEndpoint{})
	p.refresh(ctx)

	if got := poolConnCount(p); got != 0 {
		t.Errorf("connections = %d, want 0 after the router was delisted", got)
	}
	if p.Available() {
		t.Error("pool still available after disconnecting every router")
	}
}

func TestPoolKeepsConnectionsWhenDiscoveryFails(t *testing.T) {
	t.Parallel()
	fr := startFakeRouter(t)
	stub := singleEndpoint(fr)
	p := newTestPool(t, stub, &frameRecorder{})

	ctx := context.Background()
	p.refresh(ctx)
	waitUntil(t, func() bool { return poolConnCount(p) == 1 }, "the router to connect")

	stub.set(nil)
	p.refresh(ctx)

	if got := poolConnCount(p); got != 1 {
		t.Errorf("connections = %d, want the existing one kept", got)
	}
}

func TestPoolSingleDialInFlight(t *testing.T) {
	t.Parallel()
	stub := &endpointsStub{list: []adminapi.RouterEndpoint{{Identifier: "cr-1", PublicIP: "10.255.0.1:9000"}}}
	p := newTestPool(t, stub, &frameRecorder{})

	var dials atomic.Int32
	release := make(chan struct{})
	p.dial = func(ctx context.Context, address string) (*websocket.Conn, error) {
		dials.Add(1)
		<-release
		return nil, errors.New("connection refused")
	}

	ctx := context.Background()
	p.refresh(ctx)
	waitUntil(t, func() bool { return dials.Load() == 1 }, "the first dial to start")

	p.refresh(ctx)
	if got := dials.Load(); got != 1 {
		t.Fatalf("dials = %d, want 1 while the first is still in flight", got)
	}

	close(release)
	waitUntil(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return !p.dialing["cr-1"]
	}, "the failed dial to clear")

	p.refresh(ctx)
	waitUntil(t, func() bool { return dials.Load() == 2 }, "the redial after failure")
}

func TestPoolRemoveIsIdentityChecked(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, &endpointsStub{}, &frameRecorder{})

	stale := &routerConn{id: "cr-1", send: make(chan []byte, 1), log: zerolog.Nop()}
	replacement := &routerConn{id: "cr-1", send: make(chan []byte, 1), log: zerolog.Nop()}
	p.conns["cr-1"] = replacement
	p.order = []*routerConn{replacement}
	p.operational = []*routerConn{replacement}

	p.remove(stale)

	if p.conns["cr-1"] != replacement {
		t.Error("remove evicted the replacement connection")
	}
	if len(p.operational) != 1 {
		t.Error("remove dropped the replacement from rotation")
	}
	select {
	case _, ok := <-stale.send:
		if ok {
			t.Error("stale send channel delivered instead of closing")
		}
	case <-time.After(time.Second):
		t.Error("stale send channel was not closed")
	}
	select {
	case <-replacement.send:
		t.Error("replacement send channel was touched")
	default:
	}
}

func TestPoolRunClosesConnectionsOnCancel(t *testing.T) {
	t.Parallel()
	fr := startFakeRouter(t)
	p := newTestPool(t, singleEndpoint(fr), &frameRecorder{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	waitUntil(t, func() bool { return poolConnCount(p) == 1 }, "the router to connect")

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := poolConnCount(p); got != 0 {
		t.Errorf("connections after shutdown = %d, want 0", got)
	}
}
