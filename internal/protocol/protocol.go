// Package protocol defines the WebSocket event vocabulary exchanged
// between messenger clients and the live event server. Events travel as
// a tagged envelope {type, data}; the data shape is fixed per type.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client→server event types.
const (
	TypePing            = "ping"
	TypeMessageSend     = "message:send"
	TypeMessageEdit     = "message:edit"
	TypeMessageDelete   = "message:delete"
	TypeMessageRead     = "message:read"
	TypeMessageReaction = "message:reaction"
	TypeTypingStart     = "typing:start"
	TypeTypingStop      = "typing:stop"
	TypeCallInitiate    = "call:initiate"
	TypeCallAccept      = "call:accept"
	TypeCallDecline     = "call:decline"
	TypeCallEnd         = "call:end"
	TypeCallSignal      = "call:signal"
)

// Server→client event types.
const (
	TypePong            = "pong"
	TypeMessageNew      = "message:new"
	TypeMessageEdited   = "message:edited"
	TypeMessageDeleted  = "message:deleted"
	TypeMessageStatus   = "message:status"
	TypeMessagePinned   = "message:pinned"
	TypeMessageUnpinned = "message:unpinned"
	TypeTypingUpdate    = "typing:update"
	TypeUserOnline      = "user:online"
	TypeUserOffline     = "user:offline"
	TypeCallIncoming    = "call:incoming"
	TypeCallCreated     = "call:created"
	TypeCallAccepted    = "call:accepted"
	TypeCallDeclined    = "call:declined"
	TypeCallEnded       = "call:ended"
	TypeError           = "error"
)

// Error codes carried in error events.
const (
	CodeParseError   = "PARSE_ERROR"
	CodeUnknownEvent = "UNKNOWN_EVENT"
	CodeForbidden    = "FORBIDDEN"
	CodeStoreError   = "STORE_ERROR"
)

// Envelope is the outer JSON structure of every frame in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound is the closed set of decoded client→server events. Concrete
// types are dispatched with a type switch in the session handler.
type Inbound interface {
	inbound()
}

// Ping requests a pong reply (client-level heartbeat).
type Ping struct{}

// SendMessage posts a new message to a chat.
type SendMessage struct {
	ChatID               string `json:"chatId"`
	Text                 string `json:"text,omitempty"`
	ContentType          string `json:"type"`
	ReplyToID            string `json:"replyToId,omitempty"`
	ForwardFromChatID    string `json:"forwardFromChatId,omitempty"`
	ForwardFromMessageID string `json:"forwardFromMessageId,omitempty"`
	MediaID              string `json:"mediaId,omitempty"`
	ScheduledAt          string `json:"scheduledAt,omitempty"`
}

// EditMessage replaces the text of an existing message.
type EditMessage struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Text      string `json:"text"`
}

// DeleteMessage removes a message. ForEveryone controls whether the
// deletion is broadcast to the chat.
type DeleteMessage struct {
	MessageID   string `json:"messageId"`
	ChatID      string `json:"chatId"`
	ForEveryone bool   `json:"forEveryone"`
}

// ReadMessage marks a chat read up to the given message.
type ReadMessage struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

// Reaction toggles an emoji reaction on a message.
type Reaction struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Emoji     string `json:"emoji"`
}

// TypingStart signals the user began typing in a chat.
type TypingStart struct {
	ChatID string `json:"chatId"`
}

// TypingStop signals the user stopped typing in a chat.
type TypingStop struct {
	ChatID string `json:"chatId"`
}

// CallInitiate starts a call to another user.
type CallInitiate struct {
	UserID   string `json:"userId"`
	CallType string `json:"type"`
}

// CallAccept answers a ringing call.
type CallAccept struct {
	CallID string `json:"callId"`
}

// CallDecline rejects a ringing call.
type CallDecline struct {
	CallID string `json:"callId"`
}

// CallEnd hangs up a call in any non-terminal state.
type CallEnd struct {
	CallID string `json:"callId"`
}

// CallSignal relays an opaque WebRTC signaling payload (SDP offer/answer,
// ICE candidate). The server never interprets Signal.
type CallSignal struct {
	CallID string          `json:"callId"`
	Signal json.RawMessage `json:"signal"`
}

func (Ping) inbound()          {}
func (SendMessage) inbound()   {}
func (EditMessage) inbound()   {}
func (DeleteMessage) inbound() {}
func (ReadMessage) inbound()   {}
func (Reaction) inbound()      {}
func (TypingStart) inbound()   {}
func (TypingStop) inbound()    {}
func (CallInitiate) inbound()  {}
func (CallAccept) inbound()    {}
func (CallDecline) inbound()   {}
func (CallEnd) inbound()       {}
func (CallSignal) inbound()    {}

// ErrUnknownType is returned by DecodeInbound for event types outside the
// client→server vocabulary.
type ErrUnknownType struct {
	Type string
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("unknown event type %q", e.Type)
}

// DecodeInbound parses a raw client frame into its typed payload.
// A malformed envelope or payload returns an error; callers report it to
// the sender as a PARSE_ERROR event without closing the connection.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	switch env.Type {
	case TypePing:
		return Ping{}, nil
	case TypeMessageSend:
		return decodeData[SendMessage](env.Data)
	case TypeMessageEdit:
		return decodeData[EditMessage](env.Data)
	case TypeMessageDelete:
		return decodeData[DeleteMessage](env.Data)
	case TypeMessageRead:
		return decodeData[ReadMessage](env.Data)
	case TypeMessageReaction:
		return decodeData[Reaction](env.Data)
	case TypeTypingStart:
		return decodeData[TypingStart](env.Data)
	case TypeTypingStop:
		return decodeData[TypingStop](env.Data)
	case TypeCallInitiate:
		return decodeData[CallInitiate](env.Data)
	case TypeCallAccept:
		return decodeData[CallAccept](env.Data)
	case TypeCallDecline:
		return decodeData[CallDecline](env.Data)
	case TypeCallEnd:
		return decodeData[CallEnd](env.Data)
	case TypeCallSignal:
		return decodeData[CallSignal](env.Data)
	default:
		return nil, &ErrUnknownType{Type: env.Type}
	}
}

func decodeData[T Inbound](data json.RawMessage) (Inbound, error) {
	var v T
	if len(data) == 0 {
		return nil, fmt.Errorf("missing data payload")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return v, nil
}
