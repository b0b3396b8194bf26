// Package call tracks in-flight call sessions and relays signaling
// between exactly two participants. The in-memory table is authoritative
// for routing while a call is live; the store keeps history only.
package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teleai/telelive/internal/bus"
	"github.com/teleai/telelive/internal/metrics"
	"github.com/teleai/telelive/internal/protocol"
	"github.com/teleai/telelive/internal/store"
)

// Call status values. A session takes exactly one terminal transition:
// active→ended, ringing→declined, or ringing→ended (cancel/timeout).
const (
	StatusRinging  = "ringing"
	StatusActive   = "active"
	StatusEnded    = "ended"
	StatusDeclined = "declined"
	StatusMissed   = "missed"
)

type session struct {
	id         string
	callType   string
	callerID   string
	receiverID string
	status     string
	startedAt  time.Time // zero until accepted
	ringTimer  *time.Timer
}

// other returns the participant that is not userID, or "" when userID
// is not a participant at all.
func (s *session) other(userID string) string {
	switch userID {
	case s.callerID:
		return s.receiverID
	case s.receiverID:
		return s.callerID
	}
	return ""
}

// Manager owns the live call session table. Operations on unknown
// session ids are silent no-ops: the race against a peer that already
// hung up is expected and benign.
type Manager struct {
	Store   store.Store
	Bus     *bus.Bus
	Metrics *metrics.Metrics // optional, nil if metrics disabled

	// RingTimeout expires unanswered ringing calls. Zero disables the
	// timeout; ringing calls then persist until explicitly answered.
	RingTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	now      func() time.Time
}

// NewManager creates a Manager over the given store and bus.
func NewManager(st store.Store, b *bus.Bus) *Manager {
	return &Manager{
		Store:    st,
		Bus:      b,
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

// ActiveCount returns the number of live (non-terminal) sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Status returns the current status of a session, or "" when unknown.
func (m *Manager) Status(callID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.sessions[callID]; s != nil {
		return s.status
	}
	return ""
}

// Initiate creates a ringing session, notifies the callee with
// call:incoming and echoes the session id to the caller with
// call:created so subsequent signaling can be correlated.
func (m *Manager) Initiate(ctx context.Context, callerID string, in protocol.CallInitiate) {
	s := &session{
		id:         uuid.NewString(),
		callType:   in.CallType,
		callerID:   callerID,
		receiverID: in.UserID,
		status:     StatusRinging,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	if m.RingTimeout > 0 {
		s.ringTimer = time.AfterFunc(m.RingTimeout, func() { m.expire(s.id) })
	}
	m.mu.Unlock()

	if m.Metrics != nil {
		m.Metrics.ActiveCalls.Inc()
	}

	if err := m.Store.CreateCallRecord(ctx, store.CallRecord{
		ID:         s.id,
		CallType:   s.callType,
		CallerID:   s.callerID,
		ReceiverID: s.receiverID,
		Status:     StatusRinging,
	}); err != nil {
		// Routing stays live; only the history entry is affected.
		slog.Error("call: persisting call record", "call", s.id, "error", err)
	}

	m.Bus.SendToUser(ctx, s.receiverID, protocol.Event{
		Type: protocol.TypeCallIncoming,
		Data: protocol.CallIncomingData{CallID: s.id, CallerID: callerID, CallType: s.callType},
	})
	m.Bus.SendToUser(ctx, callerID, protocol.Event{
		Type: protocol.TypeCallCreated,
		Data: protocol.CallCreatedData{CallID: s.id, ReceiverID: s.receiverID, CallType: s.callType},
	})
	slog.Info("call initiated", "call", s.id, "caller", callerID, "receiver", s.receiverID, "type", s.callType)
}

// Accept transitions ringing→active. Only the callee may accept; any
// other combination is a no-op.
func (m *Manager) Accept(ctx context.Context, userID, callID string) {
	m.mu.Lock()
	s := m.sessions[callID]
	if s == nil || s.status != StatusRinging || userID != s.receiverID {
		m.mu.Unlock()
		return
	}
	s.status = StatusActive
	s.startedAt = m.now()
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	started := s.startedAt
	notify := s.callerID
	m.mu.Unlock()

	if err := m.Store.UpdateCallRecord(ctx, store.CallRecord{
		ID:         callID,
		CallType:   s.callType,
		CallerID:   s.callerID,
		ReceiverID: s.receiverID,
		Status:     StatusActive,
		StartedAt:  &started,
	}); err != nil {
		slog.Error("call: persisting accept", "call", callID, "error", err)
	}

	m.Bus.SendToUser(ctx, notify, protocol.Event{
		Type: protocol.TypeCallAccepted,
		Data: protocol.CallAnswerData{CallID: callID},
	})
	slog.Info("call accepted", "call", callID)
}

// Decline transitions ringing→declined and notifies the other party.
// No further signaling is accepted for the session afterward.
func (m *Manager) Decline(ctx context.Context, userID, callID string) {
	m.terminate(ctx, userID, callID, StatusDeclined, protocol.TypeCallDeclined, "declined")
}

// End transitions any non-terminal state to ended. Duration counts from
// the accepted timestamp and is zero when the call never started.
func (m *Manager) End(ctx context.Context, userID, callID string) {
	m.terminate(ctx, userID, callID, StatusEnded, protocol.TypeCallEnded, "ended")
}

// Signal relays an opaque payload to the counterpart. The payload is
// never parsed; routing is purely by session membership. Unknown or
// terminal sessions drop the message silently.
func (m *Manager) Signal(ctx context.Context, userID string, in protocol.CallSignal) {
	m.mu.Lock()
	s := m.sessions[in.CallID]
	var target string
	if s != nil {
		target = s.other(userID)
	}
	m.mu.Unlock()
	if target == "" {
		return
	}

	m.Bus.SendToUser(ctx, target, protocol.Event{
		Type: protocol.TypeCallSignal,
		Data: protocol.CallSignalData{CallID: in.CallID, Signal: in.Signal},
	})
}

// terminate handles decline and end. Declining is only valid from the
// ringing state; ending is valid from any non-terminal state.
func (m *Manager) terminate(ctx context.Context, userID, callID, status, eventType, outcome string) {
	m.mu.Lock()
	s := m.sessions[callID]
	if s == nil {
		m.mu.Unlock()
		return
	}
	target := s.other(userID)
	if target == "" {
		m.mu.Unlock()
		return
	}
	if status == StatusDeclined && s.status != StatusRinging {
		m.mu.Unlock()
		return
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	duration := 0
	endedAt := m.now()
	var startedAt *time.Time
	if !s.startedAt.IsZero() {
		t := s.startedAt
		startedAt = &t
		duration = int(endedAt.Sub(s.startedAt).Round(time.Second) / time.Second)
	}
	rec := store.CallRecord{
		ID:         callID,
		CallType:   s.callType,
		CallerID:   s.callerID,
		ReceiverID: s.receiverID,
		Status:     status,
		StartedAt:  startedAt,
		EndedAt:    &endedAt,
		Duration:   duration,
	}
	delete(m.sessions, callID)
	m.mu.Unlock()

	if m.Metrics != nil {
		m.Metrics.ActiveCalls.Dec()
		m.Metrics.CallsTotal.WithLabelValues(outcome).Inc()
	}

	if err := m.Store.UpdateCallRecord(ctx, rec); err != nil {
		slog.Error("call: persisting terminal state", "call", callID, "status", status, "error", err)
	}

	m.Bus.SendToUser(ctx, target, protocol.Event{
		Type: eventType,
		Data: protocol.CallAnswerData{CallID: callID},
	})
	slog.Info("call terminated", "call", callID, "status", status, "duration", duration)
}

// expire ends a still-ringing session after RingTimeout. Both parties
// are notified so the caller's UI stops ringing too.
func (m *Manager) expire(callID string) {
	m.mu.Lock()
	s := m.sessions[callID]
	if s == nil || s.status != StatusRinging {
		m.mu.Unlock()
		return
	}
	endedAt := m.now()
	rec := store.CallRecord{
		ID:         callID,
		CallType:   s.callType,
		CallerID:   s.callerID,
		ReceiverID: s.receiverID,
		Status:     StatusMissed,
		EndedAt:    &endedAt,
	}
	caller, receiver := s.callerID, s.receiverID
	delete(m.sessions, callID)
	m.mu.Unlock()

	if m.Metrics != nil {
		m.Metrics.ActiveCalls.Dec()
		m.Metrics.CallsTotal.WithLabelValues("missed").Inc()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Store.UpdateCallRecord(ctx, rec); err != nil {
		slog.Error("call: persisting missed call", "call", callID, "error", err)
	}

	ev := protocol.Event{Type: protocol.TypeCallEnded, Data: protocol.CallAnswerData{CallID: callID}}
	m.Bus.SendToUser(ctx, caller, ev)
	m.Bus.SendToUser(ctx, receiver, ev)
	slog.Info("call expired unanswered", "call", callID)
}
