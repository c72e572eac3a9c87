// Package presence tracks online/last-seen state per counterpart. State is
// only ever set by authoritative push events; it is never inferred from
// message traffic.
package presence

import (
	"fmt"
	"sync"
	"time"
)

// Presence is the full state pushed for one user.
type Presence struct {
	UserID       string
	Online       bool
	LastActiveAt time.Time
}

// Tracker holds the latest observed presence per user. Events are full-state
// pushes, so conflict resolution is last-write-wins by arrival order.
type Tracker struct {
	mu     sync.RWMutex
	byUser map[string]Presence
	now    func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return NewTrackerWithClock(time.Now)
}

// NewTrackerWithClock returns a tracker using the supplied clock for
// last-seen labels. Tests use this.
func NewTrackerWithClock(now func() time.Time) *Tracker {
	return &Tracker{byUser: make(map[string]Presence), now: now}
}

// Observe overwrites the user's entry, creating it on first observation.
func (t *Tracker) Observe(p Presence) {
	t.mu.Lock()
	t.byUser[p.UserID] = p
	t.mu.Unlock()
}

// Get returns the latest observed presence for the user.
func (t *Tracker) Get(userID string) (Presence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byUser[userID]
	return p, ok
}

// IsOnline reports whether the user's latest observation marked them online.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byUser[userID].Online
}

// LastSeenLabel renders the user's presence the way a conversation header
// shows it. Unknown users get an empty label.
func (t *Tracker) LastSeenLabel(userID string) string {
	t.mu.RLock()
	p, ok := t.byUser[userID]
	t.mu.RUnlock()

	if !ok {
		return ""
	}
	if p.Online {
		return "online"
	}
	since := t.now().Sub(p.LastActiveAt)
	switch {
	case since < time.Minute:
		return "just now"
	case since < time.Hour:
		return fmt.Sprintf("%dm ago", int(since.Minutes()))
	case since < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(since.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(since.Hours()/24))
	}
}
