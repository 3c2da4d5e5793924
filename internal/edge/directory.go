package edge

import "sync"

// Directory tracks the client sockets attached to this edge. The two-level
// map goes app user identifier -> device identifier -> client, so a frame
// for a user reaches every device the user has attached.
type Directory struct {
	mu    sync.RWMutex
	users map[string]map[string]*Client
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{users: make(map[string]map[string]*Client)}
}

// Add attaches a client under its user and device. first reports whether
// this is the user's first attached device; displaced is the client that
// previously held the same device slot, if any.
func (d *Directory) Add(c *Client) (first bool, displaced *Client) {
	d.mu.Lock()
	defer d.mu.Unlock()

	devices, ok := d.users[c.appUserIdentifier]
	if !ok {
		devices = make(map[string]*Client)
		d.users[c.appUserIdentifier] = devices
		first = true
	}
	displaced = devices[c.deviceIdentifier]
	devices[c.deviceIdentifier] = c
	return first, displaced
}

// Remove detaches a client. The removal only happens when the stored socket
// for the device is c itself, so a displaced connection's late close cannot
// evict its successor. last reports whether the user has no devices left.
func (d *Directory) Remove(c *Client) (removed, last bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	devices, ok := d.users[c.appUserIdentifier]
	if !ok || devices[c.deviceIdentifier] != c {
		return false, false
	}

	delete(devices, c.deviceIdentifier)
	if len(devices) == 0 {
		delete(d.users, c.appUserIdentifier)
		return true, true
	}
	return true, false
}

// Clients returns the sockets currently attached for one user.
func (d *Directory) Clients(appUserIdentifier string) []*Client {
	d.mu.RLock()
	defer d.mu.RUnlock()

	devices := d.users[appUserIdentifier]
	if len(devices) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(devices))
	for _, c := range devices {
		out = append(out, c)
	}
	return out
}

// Users lists every user identifier with at least one attached device.
func (d *Directory) Users() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.users))
	for user := range d.users {
		out = append(out, user)
	}
	return out
}

// UserCount returns the number of distinct users currently attached.
func (d *Directory) UserCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

// Snapshot returns every user together with the device identifiers the user
// has attached.
func (d *Directory) Snapshot() map[string][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string][]string, len(d.users))
	for user, devices := range d.users {
		ids := make([]string, 0, len(devices))
		for device := range devices {
			ids = append(ids, device)
		}
		out[user] = ids
	}
	return out
}
