// Package presence derives online/offline status from live connection
// counts. Presence is never stored as independent state: a user is
// online exactly while the registry holds at least one connection for
// them, and the offline transition fires when the last one closes.
package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/teleai/telelive/internal/bus"
	"github.com/teleai/telelive/internal/protocol"
	"github.com/teleai/telelive/internal/store"
)

// Tracker records presence transitions and notifies the user's
// contacts. Callers invoke Online only for a user's first connection
// and Offline only for their last; the registry's register/unregister
// results establish that under its own lock, so each transition is
// broadcast exactly once.
type Tracker struct {
	Store store.Store
	Bus   *bus.Bus
	now   func() time.Time
}

// NewTracker creates a Tracker over the given store and bus.
func NewTracker(st store.Store, b *bus.Bus) *Tracker {
	return &Tracker{Store: st, Bus: b, now: time.Now}
}

// Online marks the user online and notifies their contacts.
func (t *Tracker) Online(ctx context.Context, userID string) {
	if err := t.Store.SetPresence(ctx, userID, true, time.Time{}); err != nil {
		slog.Warn("presence: recording online", "user", userID, "error", err)
	}
	t.notifyContacts(ctx, userID, protocol.Event{
		Type: protocol.TypeUserOnline,
		Data: protocol.UserOnlineData{UserID: userID},
	})
}

// Offline marks the user offline, records the last-seen timestamp, and
// notifies their contacts.
func (t *Tracker) Offline(ctx context.Context, userID string) {
	lastSeen := t.now().UTC()
	if err := t.Store.SetPresence(ctx, userID, false, lastSeen); err != nil {
		slog.Warn("presence: recording offline", "user", userID, "error", err)
	}
	t.notifyContacts(ctx, userID, protocol.Event{
		Type: protocol.TypeUserOffline,
		Data: protocol.UserOfflineData{UserID: userID, LastSeen: lastSeen.Format(time.RFC3339)},
	})
}

func (t *Tracker) notifyContacts(ctx context.Context, userID string, ev protocol.Event) {
	contacts, err := t.Store.ContactsOf(ctx, userID)
	if err != nil {
		slog.Warn("presence: resolving contacts", "user", userID, "error", err)
		return
	}
	for _, contactID := range contacts {
		t.Bus.SendToUser(ctx, contactID, ev)
	}
}
