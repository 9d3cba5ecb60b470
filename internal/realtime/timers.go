package realtime

import (
	"sync"
	"time"
)

// PendingOffline is a scheduled offline transition for one user.
type PendingOffline struct {
	UserID         string
	OrganizationID string
	FireAt         time.Time
	timer          *time.Timer
}

// TimerTable holds at most one PendingOffline per user.
type TimerTable struct {
	mu      sync.Mutex
	pending map[string]*PendingOffline
}

// NewTimerTable creates an empty table.
func NewTimerTable() *TimerTable {
	return &TimerTable{pending: make(map[string]*PendingOffline)}
}

// Schedule arms fire to run after delay, replacing (and stopping) any timer
// already pending for userID. fire receives the entry it was armed with so it
// can confirm with Release that it is still the current slot.
func (t *TimerTable) Schedule(userID, organizationID string, delay time.Duration, fire func(*PendingOffline)) *PendingOffline {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.pending[userID]; ok {
		old.timer.Stop()
	}
	p := &PendingOffline{
		UserID:         userID,
		OrganizationID: organizationID,
		FireAt:         time.Now().Add(delay),
	}
	p.timer = time.AfterFunc(delay, func() { fire(p) })
	t.pending[userID] = p
	return p
}

// Cancel stops and discards userID's pending timer. It reports whether one
// was pending. A callback that already started will fail its Release.
func (t *TimerTable) Cancel(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[userID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(t.pending, userID)
	return true
}

// Release removes p if it is still the current slot for its user.
func (t *TimerTable) Release(p *PendingOffline) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.pending[p.UserID]
	if !ok || current != p {
		return false
	}
	delete(t.pending, p.UserID)
	return true
}

// Pending returns a copy of userID's pending entry, if any.
func (t *TimerTable) Pending(userID string) (PendingOffline, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[userID]
	if !ok {
		return PendingOffline{}, false
	}
	return PendingOffline{UserID: p.UserID, OrganizationID: p.OrganizationID, FireAt: p.FireAt}, true
}

// StopAll stops every pending timer without firing it and returns how many
// were pending.
func (t *TimerTable) StopAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.pending)
	for id, p := range t.pending {
		p.timer.Stop()
		delete(t.pending, id)
	}
	return n
}
