// Package alert emails operators when a server hits an unexpected error.
package alert

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// notifyInterval is the minimum gap between two notifications of the same kind.
const notifyInterval = time.Hour

// Sender delivers a composed message to every recipient.
type Sender interface {
	Send(to []string, subject, body string) error
}

// Mailer notifies admins about server errors. Notifications are rate limited per error kind so a crash loop does not
// flood inboxes. A Mailer with no sender or an empty admin list drops every notification.
type Mailer struct {
	sender  Sender
	admins  []string
	service string
	log     zerolog.Logger

	mu          sync.Mutex
	nextAllowed map[string]time.Time
	now         func() time.Time
}

// New creates a Mailer identifying itself as service in email subjects.
func New(sender Sender, admins []string, service string, logger zerolog.Logger) *Mailer {
	return &Mailer{
		sender:      sender,
		admins:      admins,
		service:     service,
		log:         logger.With().Str("component", "alert").Logger(),
		nextAllowed: make(map[string]time.Time),
		now:         time.Now,
	}
}

// Notify emails the admins about an error of the given kind. Delivery happens in the background; Notify never blocks
// on the SMTP server.
func (m *Mailer) Notify(kind, message string, data any) {
	if m.sender == nil || len(m.admins) == 0 {
		return
	}
	if !m.allow(kind) {
		return
	}

	subject := fmt.Sprintf("[%s] error in %s", kind, m.service)
	body := buildBody(message, data)

	go func() {
		if err := m.sender.Send(m.admins, subject, body); err != nil {
			m.log.Error().Err(err).Str("kind", kind).Msg("Failed to send exception email to admins")
			return
		}
		m.log.Info().Strs("admins", m.admins).Str("kind", kind).Msg("Sent exception email to admins")
	}()
}

// allow reserves a delivery slot for kind. The window opens again notifyInterval after the previous reservation, even
// when that delivery failed.
func (m *Mailer) allow(kind string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if next, ok := m.nextAllowed[kind]; ok && now.Before(next) {
		return false
	}
	m.nextAllowed[kind] = now.Add(notifyInterval)
	return true
}

func buildBody(message string, data any) string {
	payload := map[string]any{
		"exception":       message,
		"additional_data": data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%s\n\n%+v", message, data)
	}
	return string(body)
}
