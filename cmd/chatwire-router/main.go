package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chatwire/chatwire/internal/adminapi"
	"github.com/chatwire/chatwire/internal/alert"
	"github.com/chatwire/chatwire/internal/config"
	"github.com/chatwire/chatwire/internal/httputil"
	"github.com/chatwire/chatwire/internal/metrics"
	"github.com/chatwire/chatwire/internal/router"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Central router stopped")
	}
}

func run() error {
	cfg, err := config.LoadRouter()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.LogFileDirectory != "" {
		path := filepath.Join(cfg.LogFileDirectory, cfg.LogFileName)
		sink, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", path, err)
		}
		defer func() { _ = sink.Close() }()
		log.Logger = zerolog.New(sink).With().Timestamp().Logger()
	} else if cfg.Debug {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Msg("Starting central router")

	ctx := context.Background()

	control := adminapi.New(cfg.ChatAPIURL, cfg.ChatAPIInternalSecret, log.Logger)

	// The initialization barrier is sized from the chat API's expected edge
	// count. Without it the router cannot know when the mesh is complete, so
	// failure to fetch is fatal.
	expected, err := control.ExpectedEdgeCount(ctx)
	if err != nil {
		return fmt.Errorf("fetch expected edge count: %w", err)
	}
	log.Info().Int("expected_edges", expected).Msg("Expected edge count fetched")

	m := metrics.NewRouter()

	// Admin alerting over SMTP. The nil interface (not a typed-nil Mailer)
	// is what disables alerts downstream, so only assign inside the branch.
	var alerts router.Alerter
	if cfg.AlertsConfigured() {
		sender := alert.NewSMTP(cfg.EmailHost, cfg.EmailPort, cfg.EmailHostUser, cfg.EmailHostPassword)
		if err := sender.Ping(); err != nil {
			log.Warn().Err(err).Msg("SMTP connection test failed. Admin alerts may not be delivered.")
		} else {
			log.Info().Str("host", cfg.EmailHost).Int("port", cfg.EmailPort).Msg("SMTP connection verified")
		}
		alerts = alert.New(sender, cfg.Admins, "Central Router", log.Logger)
	} else {
		log.Warn().Msg("EMAIL_HOST or ADMINS is not configured. Admin alerts are disabled.")
	}

	registry := router.NewRegistry()
	locator := router.NewLocator()
	mode := router.NewModeController(expected, registry, log.Logger)
	gw := router.NewGateway(cfg.CentralRouterInternalSecret, registry, locator, mode,
		alerts, m, log.Logger)

	// Start background services with a shared cancellable context.
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	go runWithBackoff(subCtx, "mode-controller", mode.Run)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName: "Chatwire Router",
		// Edges speak plain text over HTTP, so errors that escape the
		// handlers (e.g. Fiber's built-in 404/405) do too. errors.AsType is
		// a generic helper added in Go 1.26.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "Internal server error."
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).SendString(message)
		},
	})

	// Global middleware
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger, "/healthz", "/metrics"))

	app.Get("/healthz", func(c fiber.Ctx) error {
		return c.SendString("ok")
	})
	app.Get("/metrics", metrics.Route(m.Registry))

	// Edge servers connect at the root path.
	app.Get("/", gw.Upgrade)

	// Catch-all handler returns 404 for any request that does not match a
	// defined route. Fiber v3 treats app.Use() middleware as route matches,
	// so without this terminal handler unmatched requests would return 200
	// with an empty body.
	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down central router")
		subCancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Central router listening")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// runWithBackoff restarts fn with exponential backoff when it returns a non-nil, non-cancelled error. A nil or
// context.Canceled return ends the goroutine. The delay starts at 1 second and doubles per consecutive failure up to
// a 2-minute cap.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("Background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}
