package session

import (
	"context"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// wsConn adapts a WebSocket connection to the registry's Conn interface.
// coder/websocket serializes concurrent writers internally, so Send is
// safe to call from the bus and from the session's own read loop.
type wsConn struct {
	id   string
	conn *websocket.Conn
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.NewString(), conn: conn}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, payload)
}
