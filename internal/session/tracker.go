package session

import (
	"sync"
	"sync/atomic"
)

// Tracker counts live sessions globally and per user, and accumulates
// lifetime totals for the health endpoint.
type Tracker struct {
	activeSessions atomic.Int64
	totalSessions  atomic.Int64
	totalEvents    atomic.Int64

	userSessions map[string]int
	userMu       sync.Mutex
}

// NewTracker creates an empty session tracker.
func NewTracker() *Tracker {
	return &Tracker{
		userSessions: make(map[string]int),
	}
}

// ActiveCount returns the current number of live sessions.
func (t *Tracker) ActiveCount() int {
	return int(t.activeSessions.Load())
}

// CountForUser returns the live session count for a specific user.
func (t *Tracker) CountForUser(userID string) int {
	t.userMu.Lock()
	defer t.userMu.Unlock()
	return t.userSessions[userID]
}

// TryAdd atomically checks both limits and increments counters.
// Returns "" on success, or a reason string if a limit was hit.
func (t *Tracker) TryAdd(userID string, maxGlobal, maxPerUser int) string {
	t.userMu.Lock()
	defer t.userMu.Unlock()

	// Read the atomic under the lock to prevent TOCTOU.
	current := int(t.activeSessions.Load())
	if current >= maxGlobal {
		return "max_connections"
	}
	if t.userSessions[userID] >= maxPerUser {
		return "max_connections_per_user"
	}

	t.activeSessions.Add(1)
	t.totalSessions.Add(1)
	t.userSessions[userID]++
	return ""
}

// Remove decrements both global and per-user session counters.
func (t *Tracker) Remove(userID string) {
	t.activeSessions.Add(-1)
	t.userMu.Lock()
	t.userSessions[userID]--
	if t.userSessions[userID] <= 0 {
		delete(t.userSessions, userID)
	}
	t.userMu.Unlock()
}

// IncrementEvents counts one processed inbound event.
func (t *Tracker) IncrementEvents() {
	t.totalEvents.Add(1)
}

// TotalSessions returns the number of sessions accepted since start.
func (t *Tracker) TotalSessions() int64 {
	return t.totalSessions.Load()
}

// TotalEvents returns the number of inbound events processed since start.
func (t *Tracker) TotalEvents() int64 {
	return t.totalEvents.Load()
}
