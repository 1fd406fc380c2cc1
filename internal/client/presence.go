package client

import "sync"

// PresenceTracker is a passive cache of the currently-online user set. Each
// online_users broadcast carries the complete set, so updates are a wholesale
// replace, never a merge. Staleness is bounded only by how often the server
// pushes; the tracker has no expiry of its own.
type PresenceTracker struct {
	mu     sync.RWMutex
	online map[string]struct{}
}

// NewPresenceTracker creates an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]struct{})}
}

// Replace atomically swaps the online set for the given user IDs.
func (p *PresenceTracker) Replace(userIDs []string) {
	next := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		next[id] = struct{}{}
	}

	p.mu.Lock()
	p.online = next
	p.mu.Unlock()
}

// IsOnline reports whether the user was in the most recently received set.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.RLock()
	_, ok := p.online[userID]
	p.mu.RUnlock()
	return ok
}

// Online returns a snapshot of the online user IDs in no particular order.
func (p *PresenceTracker) Online() []string {
	p.mu.RLock()
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	p.mu.RUnlock()
	return out
}

// Count returns the size of the current online set.
func (p *PresenceTracker) Count() int {
	p.mu.RLock()
	n := len(p.online)
	p.mu.RUnlock()
	return n
}
