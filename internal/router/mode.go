package router

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatwire/chatwire/internal/wire"
)

// initializationTimeout bounds how long the router waits for the expected
// edge count before going OPERATIONAL anyway.
const initializationTimeout = 5 * time.Minute

// ModeController holds the one-way INITIALIZATION to OPERATIONAL transition.
// Edges must not trust round-robin routes until the locator has a coherent
// global view, so the mode is advertised only after every expected edge has
// connected or the timeout elapses.
type ModeController struct {
	expected int
	registry *Registry
	log      zerolog.Logger

	mu      sync.Mutex
	mode    string
	fired   bool
	barrier chan struct{}
}

// NewModeController creates the controller in INITIALIZATION mode expecting
// the given number of edge servers.
func NewModeController(expected int, registry *Registry, logger zerolog.Logger) *ModeController {
	return &ModeController{
		expected: expected,
		registry: registry,
		log:      logger.With().Str("component", "mode").Logger(),
		mode:     wire.ModeInitialization,
		barrier:  make(chan struct{}),
	}
}

// edgeRegistered releases the barrier once the registry reaches the expected
// size during INITIALIZATION.
func (m *ModeController) edgeRegistered(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode != wire.ModeInitialization || m.fired || count != m.expected {
		return
	}
	m.fired = true
	close(m.barrier)
	m.log.Debug().Msg("All expected edge servers connected")
}

// Run waits for the expected edges (or the timeout), flips the mode to
// OPERATIONAL, and advertises it to every edge registered so far. The
// transition is one-way. An expected count of zero skips the wait entirely.
func (m *ModeController) Run(ctx context.Context) error {
	if m.expected != 0 {
		m.log.Info().Int("expected", m.expected).Msg("Waiting for edge servers in INITIALIZATION mode")
		timer := time.NewTimer(initializationTimeout)
		defer timer.Stop()

		select {
		case <-m.barrier:
		case <-timer.C:
			m.log.Warn().Msg("Not all edge servers connected before the initialization timeout")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	m.mode = wire.ModeOperational
	m.mu.Unlock()
	m.log.Info().Msg("Server mode is now OPERATIONAL")

	for _, ec := range m.registry.All() {
		m.Advertise(ec)
	}
	return nil
}

// Operational reports whether the router has left INITIALIZATION.
func (m *ModeController) Operational() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode == wire.ModeOperational
}

// Advertise tells one edge the router is OPERATIONAL. No-op during
// INITIALIZATION; the edge hears the mode when it flips.
func (m *ModeController) Advertise(ec *EdgeConn) {
	if !m.Operational() {
		return
	}
	ec.enqueue(wire.NewServerMode(wire.ModeOperational))
}
