package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/teleai/telelive/internal/bus"
	"github.com/teleai/telelive/internal/protocol"
	"github.com/teleai/telelive/internal/registry"
	"github.com/teleai/telelive/internal/store"
)

type captureConn struct {
	id string

	mu     sync.Mutex
	frames [][]byte
}

func (c *captureConn) ID() string { return c.id }

func (c *captureConn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, payload)
	return nil
}

func (c *captureConn) ofType(t *testing.T, eventType string) []json.RawMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []json.RawMessage
	for _, f := range c.frames {
		var env protocol.Envelope
		if err := json.Unmarshal(f, &env); err != nil {
			t.Fatalf("decoding frame: %v", err)
		}
		if env.Type == eventType {
			out = append(out, env.Data)
		}
	}
	return out
}

type fixture struct {
	mgr    *Manager
	st     *store.Memory
	caller *captureConn
	callee *captureConn
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	st.AddUser("alice", "Alice")
	st.AddUser("bob", "Bob")

	reg := registry.New()
	f := &fixture{
		st:     st,
		caller: &captureConn{id: "a"},
		callee: &captureConn{id: "b"},
		clock:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	reg.Register("alice", f.caller)
	reg.Register("bob", f.callee)

	f.mgr = NewManager(st, bus.New(reg, st, time.Second))
	f.mgr.now = func() time.Time { return f.clock }
	return f
}

// initiate starts a call from alice to bob and returns its id.
func (f *fixture) initiate(t *testing.T) string {
	t.Helper()
	f.mgr.Initiate(context.Background(), "alice", protocol.CallInitiate{UserID: "bob", CallType: "video"})

	created := f.caller.ofType(t, protocol.TypeCallCreated)
	if len(created) != 1 {
		t.Fatalf("caller got %d call:created frames, want 1", len(created))
	}
	var c protocol.CallCreatedData
	if err := json.Unmarshal(created[0], &c); err != nil {
		t.Fatal(err)
	}
	return c.CallID
}

func TestInitiateNotifiesBothSides(t *testing.T) {
	f := newFixture(t)
	id := f.initiate(t)

	incoming := f.callee.ofType(t, protocol.TypeCallIncoming)
	if len(incoming) != 1 {
		t.Fatalf("callee got %d call:incoming frames, want 1", len(incoming))
	}
	var in protocol.CallIncomingData
	if err := json.Unmarshal(incoming[0], &in); err != nil {
		t.Fatal(err)
	}
	if in.CallID != id || in.CallerID != "alice" || in.CallType != "video" {
		t.Errorf("incoming data = %+v", in)
	}

	if got := f.mgr.Status(id); got != StatusRinging {
		t.Errorf("Status() = %q, want ringing", got)
	}
	if got := f.mgr.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount() = %d, want 1", got)
	}
}

func TestAcceptOnlyByCallee(t *testing.T) {
	f := newFixture(t)
	id := f.initiate(t)

	// The caller cannot accept their own call.
	f.mgr.Accept(context.Background(), "alice", id)
	if got := f.mgr.Status(id); got != StatusRinging {
		t.Fatalf("Status() after caller accept = %q, want ringing", got)
	}

	f.mgr.Accept(context.Background(), "bob", id)
	if got := f.mgr.Status(id); got != StatusActive {
		t.Fatalf("Status() = %q, want active", got)
	}

	accepted := f.caller.ofType(t, protocol.TypeCallAccepted)
	if len(accepted) != 1 {
		t.Errorf("caller got %d call:accepted frames, want 1", len(accepted))
	}
	// The callee does not hear their own answer.
	if got := f.callee.ofType(t, protocol.TypeCallAccepted); len(got) != 0 {
		t.Error("callee received call:accepted for their own answer")
	}
}

func TestDeclineFromRingingOnly(t *testing.T) {
	f := newFixture(t)
	id := f.initiate(t)

	f.mgr.Accept(context.Background(), "bob", id)
	f.mgr.Decline(context.Background(), "bob", id)
	if got := f.mgr.Status(id); got != StatusActive {
		t.Errorf("decline of an active call changed status to %q", got)
	}
}

func TestDeclineNotifiesCaller(t *testing.T) {
	f := newFixture(t)
	id := f.initiate(t)

	f.mgr.Decline(context.Background(), "bob", id)

	if got := f.caller.ofType(t, protocol.TypeCallDeclined); len(got) != 1 {
		t.Errorf("caller got %d call:declined frames, want 1", len(got))
	}
	if got := f.mgr.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount() = %d after decline, want 0", got)
	}
	rec, ok := f.st.Call(id)
	if !ok || rec.Status != StatusDeclined {
		t.Errorf("persisted record = %+v, want declined", rec)
	}
}

func TestEndRecordsDuration(t *testing.T) {
	f := newFixture(t)
	id := f.initiate(t)

	f.mgr.Accept(context.Background(), "bob", id)
	f.clock = f.clock.Add(10 * time.Second)
	f.mgr.End(context.Background(), "bob", id)

	rec, ok := f.st.Call(id)
	if !ok {
		t.Fatal("call record missing")
	}
	if rec.Status != StatusEnded {
		t.Errorf("status = %q, want ended", rec.Status)
	}
	if rec.Duration != 10 {
		t.Errorf("duration = %d, want 10", rec.Duration)
	}
	if got := f.caller.ofType(t, protocol.TypeCallEnded); len(got) != 1 {
		t.Errorf("caller got %d call:ended frames, want 1", len(got))
	}
}

func TestEndBeforeAcceptHasZeroDuration(t *testing.T) {
	f := newFixture(t)
	id := f.initiate(t)

	f.clock = f.clock.Add(30 * time.Second)
	f.mgr.End(context.Background(), "alice", id)

	rec, ok := f.st.Call(id)
	if !ok {
		t.Fatal("call record missing")
	}
	if rec.Duration != 0 {
		t.Errorf("duration = %d for a never-answered call, want 0", rec.Duration)
	}
	if got := f.callee.ofType(t, protocol.TypeCallEnded); len(got) != 1 {
		t.Errorf("callee got %d call:ended frames, want 1", len(got))
	}
}

func TestUnknownSessionIsNoOp(t *testing.T) {
	f := newFixture(t)

	ctx := context.Background()
	f.mgr.Accept(ctx, "bob", "ghost")
	f.mgr.Decline(ctx, "bob", "ghost")
	f.mgr.End(ctx, "bob", "ghost")
	f.mgr.Signal(ctx, "bob", protocol.CallSignal{CallID: "ghost", Signal: json.RawMessage(`{}`)})

	if len(f.caller.ofType(t, protocol.TypeCallEnded))+
		len(f.caller.ofType(t, protocol.TypeCallDeclined))+
		len(f.caller.ofType(t, protocol.TypeCallSignal)) != 0 {
		t.Error("operations on an unknown session emitted events")
	}
}

func TestSignalRelaysToCounterpartOnly(t *testing.T) {
	f := newFixture(t)
	id := f.initiate(t)

	payload := json.RawMessage(`{"sdp":"offer","kind":"offer"}`)
	f.mgr.Signal(context.Background(), "alice", protocol.CallSignal{CallID: id, Signal: payload})

	got := f.callee.ofType(t, protocol.TypeCallSignal)
	if len(got) != 1 {
		t.Fatalf("callee got %d call:signal frames, want 1", len(got))
	}
	var sig protocol.CallSignalData
	if err := json.Unmarshal(got[0], &sig); err != nil {
		t.Fatal(err)
	}
	// The payload passes through untouched.
	if string(sig.Signal) != string(payload) {
		t.Errorf("relayed signal = %s, want %s", sig.Signal, payload)
	}
	if got := f.caller.ofType(t, protocol.TypeCallSignal); len(got) != 0 {
		t.Error("signal echoed back to its sender")
	}
}

func TestSignalAfterEndIsDropped(t *testing.T) {
	f := newFixture(t)
	id := f.initiate(t)

	f.mgr.End(context.Background(), "alice", id)
	f.mgr.Signal(context.Background(), "alice", protocol.CallSignal{CallID: id, Signal: json.RawMessage(`{}`)})

	if got := f.callee.ofType(t, protocol.TypeCallSignal); len(got) != 0 {
		t.Error("signal relayed after the call ended")
	}
}

func TestSignalFromNonParticipantIsDropped(t *testing.T) {
	f := newFixture(t)
	id := f.initiate(t)

	f.mgr.Signal(context.Background(), "mallory", protocol.CallSignal{CallID: id, Signal: json.RawMessage(`{}`)})

	if got := f.callee.ofType(t, protocol.TypeCallSignal); len(got) != 0 {
		t.Error("signal from an outsider was relayed")
	}
}

func TestRingTimeoutExpiresToMissed(t *testing.T) {
	f := newFixture(t)
	f.mgr.RingTimeout = 30 * time.Millisecond
	id := f.initiate(t)

	deadline := time.After(2 * time.Second)
	for f.mgr.ActiveCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("ringing call never expired")
		case <-time.After(5 * time.Millisecond):
		}
	}

	rec, ok := f.st.Call(id)
	if !ok || rec.Status != StatusMissed {
		t.Fatalf("persisted record = %+v, want missed", rec)
	}
	// Both parties hear the expiry.
	if got := f.caller.ofType(t, protocol.TypeCallEnded); len(got) != 1 {
		t.Errorf("caller got %d call:ended frames, want 1", len(got))
	}
	if got := f.callee.ofType(t, protocol.TypeCallEnded); len(got) != 1 {
		t.Errorf("callee got %d call:ended frames, want 1", len(got))
	}
}

func TestAcceptStopsRingTimer(t *testing.T) {
	f := newFixture(t)
	f.mgr.RingTimeout = 20 * time.Millisecond
	id := f.initiate(t)

	f.mgr.Accept(context.Background(), "bob", id)
	time.Sleep(60 * time.Millisecond)

	if got := f.mgr.Status(id); got != StatusActive {
		t.Errorf("Status() = %q after accept, want active despite elapsed ring timeout", got)
	}
}
