package push

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// TokenSource resolves a user's registered device tokens and the application they belong to.
type TokenSource interface {
	PushTokens(ctx context.Context, appUserIdentifier string) ([]string, string)
}

// KeySource resolves an application's firebase server key.
type KeySource interface {
	FirebaseServerKey(applicationIdentifier string) (string, bool)
}

// Sender delivers one notification to one device.
type Sender interface {
	Notify(ctx context.Context, serverKey, token string, n Notification) error
}

// Flusher periodically drains the offline queue and pushes each pending notification to every device the user has
// registered. Delivery failures are logged and counted, never retried; the next message will queue a fresh push.
type Flusher struct {
	queue    *Queue
	tokens   TokenSource
	keys     KeySource
	sender   Sender
	interval time.Duration
	sends    *prometheus.CounterVec
	log      zerolog.Logger
}

type FlusherOptions struct {
	Queue    *Queue
	Tokens   TokenSource
	Keys     KeySource
	Sender   Sender
	Interval time.Duration
	Sends    *prometheus.CounterVec
	Logger   zerolog.Logger
}

func NewFlusher(opts FlusherOptions) *Flusher {
	return &Flusher{
		queue:    opts.Queue,
		tokens:   opts.Tokens,
		keys:     opts.Keys,
		sender:   opts.Sender,
		interval: opts.Interval,
		sends:    opts.Sends,
		log:      opts.Logger.With().Str("component", "push").Logger(),
	}
}

// Run flushes the queue every interval until ctx is cancelled. The first flush happens immediately.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		f.flush(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (f *Flusher) flush(ctx context.Context) {
	pending := f.queue.Drain()
	if len(pending) == 0 {
		return
	}
	f.log.Info().Int("users", len(pending)).Msg("Sending notifications to offline users")

	for user, notification := range pending {
		tokens, applicationID := f.tokens.PushTokens(ctx, user)
		if len(tokens) == 0 {
			continue
		}

		serverKey, ok := f.keys.FirebaseServerKey(applicationID)
		if !ok {
			f.log.Debug().Str("application", applicationID).Msg("No firebase server key for application")
			f.count("missing_key")
			continue
		}

		for _, token := range tokens {
			if token == "" {
				continue
			}
			if err := f.sender.Notify(ctx, serverKey, token, notification); err != nil {
				f.log.Error().Err(err).Str("app_user_identifier", user).Msg("Failed to send fcm notification")
				f.count("failed")
				continue
			}
			f.count("sent")
		}
	}
}

func (f *Flusher) count(status string) {
	if f.sends != nil {
		f.sends.WithLabelValues(status).Inc()
	}
}
