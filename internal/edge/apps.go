package edge

import (
	"sync"

	"github.com/chatwire/chatwire/internal/adminapi"
)

// Registry holds the application settings served by the admin API together
// with the live per-application connection counts the quota is enforced
// against.
type Registry struct {
	mu       sync.Mutex
	settings map[string]adminapi.Application
	active   map[string]int
}

// NewRegistry returns a registry with no known applications. Until the
// first settings refresh lands, every connection attempt is rejected.
func NewRegistry() *Registry {
	return &Registry{
		settings: make(map[string]adminapi.Application),
		active:   make(map[string]int),
	}
}

// Replace swaps the full settings set. Active connection counts are kept:
// settings describe limits, not who is currently connected.
func (r *Registry) Replace(apps []adminapi.Application) {
	next := make(map[string]adminapi.Application, len(apps))
	for _, app := range apps {
		next[app.Identifier] = app
	}

	r.mu.Lock()
	r.settings = next
	r.mu.Unlock()
}

// Acquire claims a connection slot for the application. It fails for
// unknown applications, applications with chat disabled, and applications
// at their concurrent user limit.
func (r *Registry) Acquire(applicationIdentifier string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.settings[applicationIdentifier]
	if !ok || !app.IsChatActive {
		return false
	}
	if r.active[applicationIdentifier] >= app.MaxConcurrentOnlineUsers {
		return false
	}
	r.active[applicationIdentifier]++
	return true
}

// Release returns a connection slot. The count never drops below zero.
func (r *Registry) Release(applicationIdentifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active[applicationIdentifier] > 0 {
		r.active[applicationIdentifier]--
	}
}

// FirebaseServerKey returns the application's FCM server key. ok is false
// for unknown applications and applications without push credentials.
func (r *Registry) FirebaseServerKey(applicationIdentifier string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.settings[applicationIdentifier]
	if !ok || app.FirebaseServerKey == "" {
		return "", false
	}
	return app.FirebaseServerKey, true
}

// ActiveCounts returns a copy of the per-application connection counts.
func (r *Registry) ActiveCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(r.active))
	for id, count := range r.active {
		out[id] = count
	}
	return out
}
