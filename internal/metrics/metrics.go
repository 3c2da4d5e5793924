// Package metrics holds the Prometheus metrics for both fabric tiers. Each
// tier builds its own registry so the /metrics endpoint only exposes the
// collectors that tier actually drives.
package metrics

import (
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Edge holds the edge server metrics.
type Edge struct {
	Registry *prometheus.Registry

	ConnectedClients   *prometheus.GaugeVec   // active client sockets per application
	ConnectedUsers     prometheus.Gauge       // distinct users in the directory
	InboundFrames      *prometheus.CounterVec // client frames by type
	ClientErrors       *prometheus.CounterVec // ERROR frames sent, by code
	StoreCalls         *prometheus.CounterVec // table store calls by table, operation, error
	PushSends          *prometheus.CounterVec // FCM deliveries by status
	OperationalRouters prometheus.Gauge       // routers in the OPERATIONAL pool
}

// NewEdge builds and registers the edge metrics on a fresh registry.
func NewEdge() *Edge {
	m := &Edge{Registry: prometheus.NewRegistry()}

	m.ConnectedClients = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatwire_edge_connected_clients",
		Help: "Active client websocket connections per application.",
	}, []string{"application"})

	m.ConnectedUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatwire_edge_connected_users",
		Help: "Distinct users with at least one attached device.",
	})

	m.InboundFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwire_edge_inbound_frames_total",
		Help: "Client frames received, by frame type.",
	}, []string{"type"})

	m.ClientErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwire_edge_client_errors_total",
		Help: "ERROR frames sent to clients, by error code.",
	}, []string{"code"})

	m.StoreCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwire_edge_store_calls_total",
		Help: "Table store calls, by table, operation and error flag.",
	}, []string{"table", "operation", "error"})

	m.PushSends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwire_edge_push_sends_total",
		Help: "Push notification deliveries, by status.",
	}, []string{"status"})

	m.OperationalRouters = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatwire_edge_operational_routers",
		Help: "Central routers currently in the operational pool.",
	})

	m.Registry.MustRegister(
		m.ConnectedClients,
		m.ConnectedUsers,
		m.InboundFrames,
		m.ClientErrors,
		m.StoreCalls,
		m.PushSends,
		m.OperationalRouters,
	)
	return m
}

// Router holds the central router metrics.
type Router struct {
	Registry *prometheus.Registry

	ConnectedEdges       prometheus.Gauge       // edge sockets currently registered
	RoutedFrames         *prometheus.CounterVec // frames dispatched to edges, by type
	OfflineNotifications prometheus.Counter     // OFFLINE_NOTIFICATION frames returned
	TrackedUsers         prometheus.Gauge       // users present in the locator
}

// NewRouter builds and registers the router metrics on a fresh registry.
func NewRouter() *Router {
	m := &Router{Registry: prometheus.NewRegistry()}

	m.ConnectedEdges = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatwire_router_connected_edges",
		Help: "Edge servers currently connected.",
	})

	m.RoutedFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwire_router_routed_frames_total",
		Help: "Frames dispatched to owning edges, by frame type.",
	}, []string{"type"})

	m.OfflineNotifications = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatwire_router_offline_notifications_total",
		Help: "OFFLINE_NOTIFICATION frames returned to sending edges.",
	})

	m.TrackedUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatwire_router_tracked_users",
		Help: "Users with at least one owning edge in the locator.",
	})

	m.Registry.MustRegister(
		m.ConnectedEdges,
		m.RoutedFrames,
		m.OfflineNotifications,
		m.TrackedUsers,
	)
	return m
}

// Handler serves a registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Route adapts Handler for mounting on a fiber app.
func Route(reg *prometheus.Registry) fiber.Handler {
	return adaptor.HTTPHandler(Handler(reg))
}
