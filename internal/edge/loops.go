package edge

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatwire/chatwire/internal/adminapi"
	"github.com/chatwire/chatwire/internal/dynamo"
	"github.com/chatwire/chatwire/internal/metrics"
)

const (
	settingsInterval    = 15 * time.Minute
	statusInterval      = 5 * time.Minute
	performanceInterval = 5 * time.Minute

	// perfTimestampLayout matches the admin API's microsecond UTC format.
	perfTimestampLayout = "2006-01-02T15:04:05.000000Z"
)

// ControlPlane is the slice of the admin API the periodic loops use.
type ControlPlane interface {
	Applications(ctx context.Context) []adminapi.Application
	ReportStatus(ctx context.Context, report adminapi.StatusReport)
	ReportPerformance(ctx context.Context, report adminapi.PerformanceReport)
}

// Loops runs the edge server's periodic jobs: application settings refresh,
// status pings, and performance reports.
type Loops struct {
	identifier string
	control    ControlPlane
	apps       *Registry
	directory  *Directory
	perf       *dynamo.Perf
	metrics    *metrics.Edge
	log        zerolog.Logger
}

// NewLoops wires the periodic jobs for one edge server instance.
func NewLoops(
	identifier string,
	control ControlPlane,
	apps *Registry,
	directory *Directory,
	perf *dynamo.Perf,
	m *metrics.Edge,
	logger zerolog.Logger,
) *Loops {
	return &Loops{
		identifier: identifier,
		control:    control,
		apps:       apps,
		directory:  directory,
		perf:       perf,
		metrics:    m,
		log:        logger.With().Str("component", "loops").Logger(),
	}
}

// RunSettings keeps the application registry in sync with the admin API.
// The first fetch happens immediately so the edge can admit clients as soon
// as the API answers.
func (l *Loops) RunSettings(ctx context.Context) error {
	ticker := time.NewTicker(settingsInterval)
	defer ticker.Stop()

	for {
		l.refreshSettings(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// refreshSettings replaces the registry's settings wholesale. An empty
// answer keeps the previous settings; dropping every application because the
// API hiccuped would evict every client at once.
func (l *Loops) refreshSettings(ctx context.Context) {
	applications := l.control.Applications(ctx)
	if len(applications) == 0 {
		l.log.Warn().Msg("Application settings fetch returned nothing, keeping current settings")
		return
	}

	l.apps.Replace(applications)
	l.log.Debug().Int("count", len(applications)).Msg("Refreshed application settings")
}

// RunStatus reports connected user counts to the admin API, starting with an
// immediate ping so the instance shows up right after boot.
func (l *Loops) RunStatus(ctx context.Context) error {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		l.reportStatus(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Loops) reportStatus(ctx context.Context) {
	l.control.ReportStatus(ctx, adminapi.StatusReport{
		Identifier:            l.identifier,
		ConnectedClientsCount: l.directory.UserCount(),
		ApplicationData:       l.apps.ActiveCounts(),
	})
}

// RunPerformance drains the table store counters every interval, reports
// them to the admin API, and feeds them into the Prometheus store counters.
// The first report waits a full interval so it covers a real window.
func (l *Loops) RunPerformance(ctx context.Context) error {
	ticker := time.NewTicker(performanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		l.reportPerformance(ctx)
	}
}

func (l *Loops) reportPerformance(ctx context.Context) {
	data, from, to := l.perf.Drain()
	l.bridgeStoreMetrics(data)
	l.control.ReportPerformance(ctx, adminapi.PerformanceReport{
		Identifier:      l.identifier,
		TimestampFrom:   from.Format(perfTimestampLayout),
		TimestampTo:     to.Format(perfTimestampLayout),
		PerformanceData: data,
	})
}

// bridgeStoreMetrics mirrors drained `<table>:<op>:<is_error>[:<index>]`
// counters into the store call counter vector.
func (l *Loops) bridgeStoreMetrics(data map[string]int64) {
	for key, count := range data {
		parts := strings.SplitN(key, ":", 4)
		if len(parts) < 3 {
			continue
		}
		l.metrics.StoreCalls.WithLabelValues(parts[0], parts[1], parts[2]).Add(float64(count))
	}
}
