// Package client implements the peer side of the live event protocol:
// a reconnecting WebSocket client that feeds a SyncStore mirroring the
// server's state for one user.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/teleai/telelive/internal/protocol"
)

// Connection states. The client only moves disconnected→connecting→
// connected and back to disconnected on any failure.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// Client maintains a live connection to the event server, reconnecting
// with exponential backoff, and applies incoming events to Store.
type Client struct {
	URL   string
	Token string
	Store *SyncStore

	// OnResync is invoked after every successful reconnect (not the
	// first connect). Events emitted while disconnected are gone; the
	// callback refetches chat list and history out of band.
	OnResync func(ctx context.Context)

	// OnEvent receives events the store does not absorb, mainly call
	// signaling for the UI layer. Optional.
	OnEvent func(ev protocol.Envelope)

	// HeartbeatInterval between client-level pings. Zero disables them.
	HeartbeatInterval time.Duration

	mu    sync.RWMutex
	state string
	conn  *websocket.Conn
}

// New creates a client for the given WebSocket URL and bearer token.
func New(url, token string, store *SyncStore) *Client {
	return &Client{
		URL:               url,
		Token:             token,
		Store:             store,
		HeartbeatInterval: 30 * time.Second,
		state:             StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Client) State() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(state string) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// Run connects and keeps the session alive until ctx is cancelled.
// Every connection failure schedules a reconnect with exponential
// backoff and jitter; a successful connect resets the backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := initialBackoff
	connectedBefore := false

	for {
		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			delay := withJitter(backoff)
			slog.Debug("client: dial failed, retrying", "url", c.URL, "delay", delay.String(), "error", err)
			backoff = min(backoff*2, maxBackoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				continue
			}
		}

		backoff = initialBackoff
		c.mu.Lock()
		c.conn = conn
		c.state = StateConnected
		c.mu.Unlock()
		slog.Info("client connected", "url", c.URL, "reconnect", connectedBefore)

		if connectedBefore && c.OnResync != nil {
			c.OnResync(ctx)
		}
		connectedBefore = true

		err = c.readLoop(ctx, conn)
		conn.Close(websocket.StatusNormalClosure, "")
		c.mu.Lock()
		c.conn = nil
		c.state = StateDisconnected
		c.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Debug("client disconnected", "reason", err)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + c.Token}},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", c.URL, err)
	}
	return conn, nil
}

// Send emits one client event frame.
func (c *Client) Send(ctx context.Context, eventType string, data any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encoding %s payload: %w", eventType, err)
		}
		raw = b
	}
	payload, err := json.Marshal(protocol.Envelope{Type: eventType, Data: raw})
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", eventType, err)
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.HeartbeatInterval > 0 {
		go c.heartbeat(loopCtx)
	}

	for {
		_, payload, err := conn.Read(loopCtx)
		if err != nil {
			return err
		}
		c.apply(payload)
	}
}

// heartbeat sends application-level pings so the session stays warm
// across proxies that idle out quiet connections.
func (c *Client) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Send(ctx, protocol.TypePing, nil); err != nil {
				slog.Debug("client: heartbeat failed", "error", err)
				return
			}
		}
	}
}

// apply decodes one server frame and routes it into the store. Unknown
// event types are passed to OnEvent so newer servers do not break older
// clients.
func (c *Client) apply(payload []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		slog.Debug("client: dropping malformed frame", "error", err)
		return
	}

	switch env.Type {
	case protocol.TypePong:
		return
	case protocol.TypeMessageNew, protocol.TypeMessageEdited:
		var m protocol.MessageData
		if decodeInto(env, &m) {
			c.Store.ApplyMessage(m)
		}
	case protocol.TypeMessageDeleted:
		var d protocol.MessageDeletedData
		if decodeInto(env, &d) {
			c.Store.ApplyMessageDeleted(d)
		}
	case protocol.TypeMessageReaction:
		var r protocol.ReactionData
		if decodeInto(env, &r) {
			c.Store.ApplyReaction(r)
		}
	case protocol.TypeTypingUpdate:
		var t protocol.TypingData
		if decodeInto(env, &t) {
			c.Store.ApplyTyping(t)
		}
	case protocol.TypeUserOnline:
		var u protocol.UserOnlineData
		if decodeInto(env, &u) {
			c.Store.ApplyPresence(u.UserID, true, "")
		}
	case protocol.TypeUserOffline:
		var u protocol.UserOfflineData
		if decodeInto(env, &u) {
			c.Store.ApplyPresence(u.UserID, false, u.LastSeen)
		}
	case protocol.TypeMessagePinned:
		var p protocol.PinnedData
		if decodeInto(env, &p) {
			c.Store.ApplyPinned(p)
		}
	case protocol.TypeMessageUnpinned:
		var u protocol.UnpinnedData
		if decodeInto(env, &u) {
			c.Store.ApplyUnpinned(u)
		}
	case protocol.TypeError:
		var e protocol.ErrorData
		if decodeInto(env, &e) {
			slog.Warn("client: server error", "code", e.Code, "message", e.Message)
		}
	default:
		if c.OnEvent != nil {
			c.OnEvent(env)
		}
	}
}

func decodeInto(env protocol.Envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		slog.Debug("client: dropping malformed payload", "type", env.Type, "error", err)
		return false
	}
	return true
}

// withJitter spreads reconnect attempts so clients dropped together do
// not stampede the server together.
func withJitter(d time.Duration) time.Duration {
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}
