// Package registry tracks live client connections per user identity.
// One user may hold several connections at once (multi-device).
package registry

import (
	"context"
	"log/slog"
	"sync"
)

// Conn is the transport handle the registry manages. The production
// implementation wraps a WebSocket connection; tests inject doubles.
// Send must be safe for concurrent use and must preserve the order of
// frames enqueued from a single goroutine.
type Conn interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
}

// Registry is a thread-safe map of userID → live connections.
// Registration and removal are synchronous with socket lifecycle
// handling: after Unregister returns, no ConnectionsOf call observes
// the removed connection.
type Registry struct {
	mu    sync.RWMutex
	users map[string]map[string]Conn
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{users: make(map[string]map[string]Conn)}
}

// Register adds a connection for a user. Concurrent registrations for
// the same user are additive. Reports whether this is the user's first
// live connection (the online transition).
func (r *Registry) Register(userID string, conn Conn) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.users[userID]
	if conns == nil {
		conns = make(map[string]Conn)
		r.users[userID] = conns
	}
	first = len(conns) == 0
	conns[conn.ID()] = conn
	slog.Debug("registry: registered", "user", userID, "conn", conn.ID(), "first", first)
	return first
}

// Unregister removes a connection for a user. Removing an unknown pair
// is a no-op. Reports whether this was the user's last live connection
// (the offline transition).
func (r *Registry) Unregister(userID string, conn Conn) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.users[userID]
	if conns == nil {
		return false
	}
	if _, ok := conns[conn.ID()]; !ok {
		return false
	}
	delete(conns, conn.ID())
	if len(conns) == 0 {
		delete(r.users, userID)
		slog.Debug("registry: unregistered", "user", userID, "conn", conn.ID(), "last", true)
		return true
	}
	slog.Debug("registry: unregistered", "user", userID, "conn", conn.ID(), "last", false)
	return false
}

// ConnectionsOf returns a snapshot of the user's live connections,
// safe to iterate while the registry is mutated concurrently.
func (r *Registry) ConnectionsOf(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.users[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// Online reports whether the user has at least one live connection.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// ConnectionCount returns the total number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, conns := range r.users {
		n += len(conns)
	}
	return n
}

// UserCount returns the number of users with at least one connection.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
