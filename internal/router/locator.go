package router

import "sync"

// Locator maps each application user to the set of edge servers currently
// owning at least one of the user's devices. A user key exists only while
// some edge owns it; empty-set creation and deletion happen under the same
// lock as the membership change.
type Locator struct {
	mu    sync.Mutex
	edges map[string]map[*EdgeConn]struct{}
}

func NewLocator() *Locator {
	return &Locator{edges: make(map[string]map[*EdgeConn]struct{})}
}

// Add records ec as an owner of the user.
func (l *Locator) Add(appUserIdentifier string, ec *EdgeConn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.add(appUserIdentifier, ec)
}

func (l *Locator) add(appUserIdentifier string, ec *EdgeConn) {
	owners, ok := l.edges[appUserIdentifier]
	if !ok {
		owners = make(map[*EdgeConn]struct{})
		l.edges[appUserIdentifier] = owners
	}
	owners[ec] = struct{}{}
}

// Remove drops ec from the user's owner set and deletes the user once no
// edge owns it. Unknown users are a no-op.
func (l *Locator) Remove(appUserIdentifier string, ec *EdgeConn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	owners, ok := l.edges[appUserIdentifier]
	if !ok {
		return
	}
	delete(owners, ec)
	if len(owners) == 0 {
		delete(l.edges, appUserIdentifier)
	}
}

// Merge records ec as an owner of every listed user. Existing owners are
// kept: an edge is one of possibly several sources for a user.
func (l *Locator) Merge(appUserIdentifiers []string, ec *EdgeConn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, user := range appUserIdentifiers {
		l.add(user, ec)
	}
}

// Sweep removes ec from every owner set and reports how many users lost an
// owner. Runs on edge disconnect.
func (l *Locator) Sweep(ec *EdgeConn) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for user, owners := range l.edges {
		if _, ok := owners[ec]; !ok {
			continue
		}
		delete(owners, ec)
		removed++
		if len(owners) == 0 {
			delete(l.edges, user)
		}
	}
	return removed
}

// Collect resolves recipients to the distinct owning edge connections,
// together with the recipients no edge currently owns. Both lists are
// deduplicated and keep first-occurrence order.
func (l *Locator) Collect(appUserIdentifiers []string) (conns []*EdgeConn, offline []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seenConns := make(map[*EdgeConn]struct{})
	seenOffline := make(map[string]struct{})
	for _, user := range appUserIdentifiers {
		owners, ok := l.edges[user]
		if !ok {
			if _, dup := seenOffline[user]; !dup {
				seenOffline[user] = struct{}{}
				offline = append(offline, user)
			}
			continue
		}
		for ec := range owners {
			if _, dup := seenConns[ec]; !dup {
				seenConns[ec] = struct{}{}
				conns = append(conns, ec)
			}
		}
	}
	return conns, offline
}

// UserCount reports how many users have at least one owning edge.
func (l *Locator) UserCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.edges)
}
