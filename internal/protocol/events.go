package protocol

import "encoding/json"

// Event is a server→client frame ready for encoding. Data is one of the
// *Data structs below; the pairing of Type to Data shape is fixed.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Encode marshals the event to its wire form.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// MessageData is the payload of message:new and message:edited events.
// Self marks the distinguished echo of the sender's own message so their
// client reconciles the optimistic local copy instead of duplicating it.
type MessageData struct {
	ID                string `json:"id"`
	ChatID            string `json:"chatId"`
	SenderID          string `json:"senderId"`
	ContentType       string `json:"type"`
	Text              string `json:"text,omitempty"`
	MediaURL          string `json:"mediaUrl,omitempty"`
	ReplyToID         string `json:"replyToId,omitempty"`
	ForwardFromSender string `json:"forwardFromSender,omitempty"`
	IsEdited          bool   `json:"isEdited,omitempty"`
	CreatedAt         string `json:"createdAt"`
	Self              bool   `json:"_self,omitempty"`
}

// MessageDeletedData is the payload of message:deleted events.
type MessageDeletedData struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

// MessageStatusData is the payload of message:status events.
type MessageStatusData struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Status    string `json:"status"`
}

// ReactionData is the payload of message:reaction events. Action is
// "add" or "remove" depending on the toggle outcome.
type ReactionData struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
	Action    string `json:"action"`
}

// TypingData is the payload of typing:update events.
type TypingData struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// UserOnlineData is the payload of user:online events.
type UserOnlineData struct {
	UserID string `json:"userId"`
}

// UserOfflineData is the payload of user:offline events.
type UserOfflineData struct {
	UserID   string `json:"userId"`
	LastSeen string `json:"lastSeen"`
}

// CallIncomingData is the payload of call:incoming events.
type CallIncomingData struct {
	CallID   string `json:"callId"`
	CallerID string `json:"callerId"`
	CallType string `json:"type"`
}

// CallCreatedData echoes the new call id back to the initiator so they
// can correlate subsequent signaling.
type CallCreatedData struct {
	CallID     string `json:"callId"`
	ReceiverID string `json:"receiverId"`
	CallType   string `json:"type"`
}

// CallAnswerData is the payload of call:accepted, call:declined and
// call:ended events.
type CallAnswerData struct {
	CallID string `json:"callId"`
}

// CallSignalData is the payload of relayed call:signal events.
type CallSignalData struct {
	CallID string          `json:"callId"`
	Signal json.RawMessage `json:"signal"`
}

// PinnedData is the payload of message:pinned events.
type PinnedData struct {
	ChatID     string `json:"chatId"`
	MessageID  string `json:"messageId"`
	Text       string `json:"text,omitempty"`
	SenderName string `json:"senderName,omitempty"`
}

// UnpinnedData is the payload of message:unpinned events.
type UnpinnedData struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

// ErrorData is the payload of structured error events.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEvent builds a structured error event.
func ErrorEvent(code, message string) Event {
	return Event{Type: TypeError, Data: ErrorData{Code: code, Message: message}}
}
