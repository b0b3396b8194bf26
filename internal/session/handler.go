// Package session owns the server side of a client connection: the
// WebSocket upgrade, authentication, the read loop, keepalive, and the
// registry and presence bookkeeping tied to the socket's lifetime.
package session

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/teleai/telelive/internal/call"
	"github.com/teleai/telelive/internal/chat"
	"github.com/teleai/telelive/internal/config"
	"github.com/teleai/telelive/internal/metrics"
	"github.com/teleai/telelive/internal/presence"
	"github.com/teleai/telelive/internal/protocol"
	"github.com/teleai/telelive/internal/registry"
	"github.com/teleai/telelive/internal/security"
)

// StatusUnauthorized is the close code sent when the upgrade carried a
// missing or invalid token. Clients treat it as a terminal failure and
// do not reconnect with the same credentials.
const StatusUnauthorized = websocket.StatusCode(4001)

// Session lifecycle states, in order. A session only moves forward.
const (
	stateConnecting    = "connecting"
	stateAuthenticated = "authenticated"
	stateActive        = "active"
	stateClosing       = "closing"
	stateClosed        = "closed"
)

// Handler is the HTTP handler that accepts WebSocket connections from
// messenger clients and runs their event sessions.
type Handler struct {
	Config      *config.Config
	Registry    *registry.Registry
	Tracker     *Tracker
	Chat        *chat.Processor
	Calls       *call.Manager
	Presence    *presence.Tracker
	RateLimiter *security.RateLimiter // per-IP connection attempts, optional
	Metrics     *metrics.Metrics      // optional, nil if metrics disabled
	ShutdownCtx context.Context       // cancelled on server shutdown

	// drainCtx is cancelled when the server begins draining connections.
	// Active sessions watch this to send graceful close frames.
	drainCtx    context.Context
	drainCancel context.CancelFunc

	// mu protects Config during hot-reload
	mu sync.RWMutex
}

// NewHandler creates a new session handler.
func NewHandler(cfg *config.Config, reg *registry.Registry, tr *Tracker, ch *chat.Processor, calls *call.Manager, pr *presence.Tracker, rl *security.RateLimiter, shutdownCtx context.Context) *Handler {
	drainCtx, drainCancel := context.WithCancel(context.Background())
	return &Handler{
		Config:      cfg,
		Registry:    reg,
		Tracker:     tr,
		Chat:        ch,
		Calls:       calls,
		Presence:    pr,
		RateLimiter: rl,
		ShutdownCtx: shutdownCtx,
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
	}
}

// StartDrain signals all active sessions to begin graceful shutdown.
// Each session's drain watcher will send a WebSocket close frame.
func (h *Handler) StartDrain() {
	h.drainCancel()
}

// GetConfig returns the current config (thread-safe for hot-reload).
func (h *Handler) GetConfig() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.Config
}

// UpdateConfig swaps the config (called on SIGHUP).
func (h *Handler) UpdateConfig(cfg *config.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Config = cfg
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.GetConfig()

	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		slog.Error("failed to parse remote address", "component", "session", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if cfg.Security.RateLimit.Enabled && h.RateLimiter != nil && !h.RateLimiter.Allow(clientIP) {
		slog.Warn("connection rate limit exceeded", "component", "session", "client_ip", clientIP)
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	// Authentication failures still complete the upgrade so the client
	// receives a distinguishable close code instead of a raw HTTP error.
	userID, authErr := security.VerifyToken(security.ExtractToken(r), cfg.Auth.JWTSecret)

	if authErr == nil {
		if reason := h.Tracker.TryAdd(userID, cfg.Security.MaxConnections, cfg.Security.MaxConnectionsPerUser); reason != "" {
			if reason == "max_connections" {
				slog.Warn("max connections reached", "component", "session", "current", h.Tracker.ActiveCount(), "max", cfg.Security.MaxConnections)
				http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			} else {
				slog.Warn("max connections per user reached", "component", "session", "user", userID, "current", h.Tracker.CountForUser(userID))
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			}
			return
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		if authErr == nil {
			h.Tracker.Remove(userID)
		}
		if h.Metrics != nil {
			h.Metrics.ErrorsTotal.WithLabelValues("accept_failure").Inc()
		}
		slog.Error("failed to accept WebSocket", "component", "session", "client_ip", clientIP, "error", err)
		return
	}

	if authErr != nil {
		slog.Warn("rejected unauthenticated connection", "component", "session", "client_ip", clientIP)
		conn.Close(StatusUnauthorized, "unauthorized")
		return
	}

	conn.SetReadLimit(cfg.Server.MaxMessageSize)
	if h.Metrics != nil {
		h.Metrics.ConnectionsTotal.Inc()
		h.Metrics.ActiveConnections.Inc()
	}

	h.runSession(conn, userID, clientIP)
}

// runSession drives a connection from authenticated to closed. It owns
// the read loop; writes happen through the registry from the bus.
func (h *Handler) runSession(conn *websocket.Conn, userID, clientIP string) {
	cfg := h.GetConfig()
	start := time.Now()
	state := stateAuthenticated

	wc := newWSConn(conn)

	// Session context: child of the server shutdown context. Cancelling
	// it stops the read loop, the keepalive, and the drain watcher.
	sessionCtx, sessionCancel := context.WithCancel(h.ShutdownCtx)
	defer sessionCancel()

	// Guard close with sync.Once. Keepalive failure, drain, and normal
	// teardown can race on the close frame.
	var closeOnce sync.Once
	closeConn := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() { conn.Close(code, reason) })
	}

	if cfg.Server.PingInterval > 0 {
		go h.keepAlive(sessionCtx, conn, cfg.Server.PingInterval, cfg.Server.PongTimeout, func() {
			closeConn(websocket.StatusGoingAway, "keepalive timeout")
			sessionCancel()
		})
	}

	// Drain watcher: a graceful close frame makes Read return in the
	// loop below, triggering normal teardown.
	go func() {
		select {
		case <-h.drainCtx.Done():
			closeConn(websocket.StatusGoingAway, "server shutting down")
		case <-sessionCtx.Done():
		}
	}()

	first := h.Registry.Register(userID, wc)
	state = stateActive
	if h.Metrics != nil {
		h.Metrics.OnlineUsers.Set(float64(h.Registry.UserCount()))
	}
	if first {
		h.Presence.Online(sessionCtx, userID)
	}
	slog.Info("session started", "component", "session", "user", userID, "conn", wc.ID(), "client_ip", clientIP, "first", first)

	defer func() {
		state = stateClosing
		last := h.Registry.Unregister(userID, wc)
		if last {
			// Presence writes use a fresh context; sessionCtx may
			// already be cancelled at teardown.
			offCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			h.Presence.Offline(offCtx, userID)
			cancel()
		}
		h.Tracker.Remove(userID)
		closeConn(websocket.StatusNormalClosure, "")
		if h.Metrics != nil {
			h.Metrics.ActiveConnections.Dec()
			h.Metrics.OnlineUsers.Set(float64(h.Registry.UserCount()))
		}
		state = stateClosed
		slog.Info("session closed", "component", "session", "user", userID, "conn", wc.ID(), "last", last, "duration", time.Since(start).String(), "state", state)
	}()

	// Per-session inbound message rate limiter.
	var msgLimiter *rate.Limiter
	if cfg.Security.RateLimit.Enabled && cfg.Security.RateLimit.MessagesPerSecond > 0 {
		msgLimiter = rate.NewLimiter(rate.Limit(cfg.Security.RateLimit.MessagesPerSecond), cfg.Security.RateLimit.MessagesPerSecond)
	}

	for {
		// Block on the session context only. Keepalive pings detect dead
		// connections; a read deadline would kill idle-but-alive clients.
		msgType, payload, err := conn.Read(sessionCtx)
		if err != nil {
			slog.Debug("read stopped", "component", "session", "user", userID, "conn", wc.ID(), "reason", err)
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		if msgLimiter != nil {
			if err := msgLimiter.Wait(sessionCtx); err != nil {
				slog.Debug("message rate limit", "component", "session", "user", userID, "reason", err)
				return
			}
		}

		h.dispatch(sessionCtx, wc, userID, payload)
		h.Tracker.IncrementEvents()
	}
}

// dispatch decodes one inbound frame and routes it. Protocol errors are
// reported to the sender without closing the connection.
func (h *Handler) dispatch(ctx context.Context, wc *wsConn, userID string, payload []byte) {
	in, err := protocol.DecodeInbound(payload)
	if err != nil {
		var unknown *protocol.ErrUnknownType
		code := protocol.CodeParseError
		if errors.As(err, &unknown) {
			code = protocol.CodeUnknownEvent
		}
		slog.Debug("rejecting frame", "component", "session", "user", userID, "code", code, "error", err)
		h.sendError(ctx, wc, code, err.Error())
		if h.Metrics != nil {
			h.Metrics.ErrorsTotal.WithLabelValues("protocol").Inc()
		}
		return
	}

	if h.Metrics != nil {
		h.Metrics.EventsTotal.WithLabelValues(envelopeType(in), "inbound").Inc()
	}

	var opErr error
	switch ev := in.(type) {
	case protocol.Ping:
		h.sendEvent(ctx, wc, protocol.Event{Type: protocol.TypePong})
	case protocol.SendMessage:
		opErr = h.Chat.Send(ctx, userID, ev)
	case protocol.EditMessage:
		opErr = h.Chat.Edit(ctx, userID, ev)
	case protocol.DeleteMessage:
		opErr = h.Chat.Delete(ctx, userID, ev)
	case protocol.ReadMessage:
		opErr = h.Chat.MarkRead(ctx, userID, ev)
	case protocol.Reaction:
		opErr = h.Chat.React(ctx, userID, ev)
	case protocol.TypingStart:
		opErr = h.Chat.Typing(ctx, userID, ev.ChatID, true)
	case protocol.TypingStop:
		opErr = h.Chat.Typing(ctx, userID, ev.ChatID, false)
	case protocol.CallInitiate:
		h.Calls.Initiate(ctx, userID, ev)
	case protocol.CallAccept:
		h.Calls.Accept(ctx, userID, ev.CallID)
	case protocol.CallDecline:
		h.Calls.Decline(ctx, userID, ev.CallID)
	case protocol.CallEnd:
		h.Calls.End(ctx, userID, ev.CallID)
	case protocol.CallSignal:
		h.Calls.Signal(ctx, userID, ev)
	}

	if opErr == nil {
		return
	}
	if errors.Is(opErr, chat.ErrNotMember) {
		h.sendError(ctx, wc, protocol.CodeForbidden, "not a member of this chat")
		return
	}
	slog.Error("event processing failed", "component", "session", "user", userID, "type", envelopeType(in), "error", opErr)
	h.sendError(ctx, wc, protocol.CodeStoreError, "internal error")
	if h.Metrics != nil {
		h.Metrics.ErrorsTotal.WithLabelValues("store").Inc()
	}
}

func (h *Handler) sendEvent(ctx context.Context, wc *wsConn, ev protocol.Event) {
	payload, err := ev.Encode()
	if err != nil {
		slog.Error("encoding event", "component", "session", "type", ev.Type, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, h.GetConfig().Server.WriteTimeout)
	defer cancel()
	if err := wc.Send(writeCtx, payload); err != nil {
		slog.Debug("write failed", "component", "session", "conn", wc.ID(), "type", ev.Type, "error", err)
	}
}

func (h *Handler) sendError(ctx context.Context, wc *wsConn, code, message string) {
	h.sendEvent(ctx, wc, protocol.ErrorEvent(code, message))
}

// keepAlive sends periodic WebSocket pings to detect dead connections.
// If a ping fails or times out, onFail tears the session down.
func (h *Handler) keepAlive(ctx context.Context, conn *websocket.Conn, interval, pongTimeout time.Duration, onFail func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pongTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				slog.Debug("keepalive ping failed, closing session", "component", "session", "error", err)
				onFail()
				return
			}
		}
	}
}

// envelopeType maps a decoded inbound value back to its wire type tag
// for metrics and logging.
func envelopeType(in protocol.Inbound) string {
	switch in.(type) {
	case protocol.Ping:
		return protocol.TypePing
	case protocol.SendMessage:
		return protocol.TypeMessageSend
	case protocol.EditMessage:
		return protocol.TypeMessageEdit
	case protocol.DeleteMessage:
		return protocol.TypeMessageDelete
	case protocol.ReadMessage:
		return protocol.TypeMessageRead
	case protocol.Reaction:
		return protocol.TypeMessageReaction
	case protocol.TypingStart:
		return protocol.TypeTypingStart
	case protocol.TypingStop:
		return protocol.TypeTypingStop
	case protocol.CallInitiate:
		return protocol.TypeCallInitiate
	case protocol.CallAccept:
		return protocol.TypeCallAccept
	case protocol.CallDecline:
		return protocol.TypeCallDecline
	case protocol.CallEnd:
		return protocol.TypeCallEnd
	case protocol.CallSignal:
		return protocol.TypeCallSignal
	}
	return "unknown"
}
