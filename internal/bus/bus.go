// Package bus fans typed events out to live connections. Delivery is
// best-effort and presence-aware: users without connections are skipped
// silently, failed writes are dropped, and the client's reconnect-and-
// resync path is the recovery mechanism, never server-side redelivery.
package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/teleai/telelive/internal/metrics"
	"github.com/teleai/telelive/internal/protocol"
	"github.com/teleai/telelive/internal/registry"
	"github.com/teleai/telelive/internal/store"
)

// Bus routes server events to users and chats.
type Bus struct {
	Registry     *registry.Registry
	Store        store.Store
	Metrics      *metrics.Metrics // optional, nil if metrics disabled
	WriteTimeout time.Duration
}

// New creates a Bus over the given registry and membership store.
func New(reg *registry.Registry, st store.Store, writeTimeout time.Duration) *Bus {
	return &Bus{Registry: reg, Store: st, WriteTimeout: writeTimeout}
}

// SendToUser delivers the event to every live connection of the user.
// A user with no connections is skipped without error.
func (b *Bus) SendToUser(ctx context.Context, userID string, ev protocol.Event) {
	conns := b.Registry.ConnectionsOf(userID)
	if len(conns) == 0 {
		return
	}

	payload, err := ev.Encode()
	if err != nil {
		slog.Error("encoding event", "component", "bus", "type", ev.Type, "error", err)
		return
	}

	for _, conn := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, b.WriteTimeout)
		err := conn.Send(writeCtx, payload)
		cancel()
		if err != nil {
			// Dead connections are reaped by their own session handler;
			// the event is simply dropped for this socket.
			slog.Debug("delivery failed", "component", "bus", "user", userID, "conn", conn.ID(), "type", ev.Type, "error", err)
			continue
		}
		if b.Metrics != nil {
			b.Metrics.DeliveriesTotal.Inc()
		}
	}
	if b.Metrics != nil {
		b.Metrics.EventsTotal.WithLabelValues(ev.Type, "outbound").Inc()
	}
}

// SendToChat resolves the chat's membership and delivers the event to
// every member except excludeUserID (empty string excludes nobody).
func (b *Bus) SendToChat(ctx context.Context, chatID string, ev protocol.Event, excludeUserID string) {
	members, err := b.Store.MembersOf(ctx, chatID)
	if err != nil {
		slog.Error("resolving chat members", "component", "bus", "chat", chatID, "error", err)
		if b.Metrics != nil {
			b.Metrics.ErrorsTotal.WithLabelValues("membership_lookup").Inc()
		}
		return
	}
	for _, userID := range members {
		if userID == excludeUserID {
			continue
		}
		b.SendToUser(ctx, userID, ev)
	}
}
