// Package store is the persistence boundary consumed by the live event
// core. The server validates and routes events; durable state (chats,
// messages, reactions, call history, presence flags) lives behind this
// interface.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("store: not found")
)

// Message is a persisted chat message.
type Message struct {
	ID                   string
	ChatID               string
	SenderID             string
	ContentType          string
	Text                 string
	MediaURL             string
	ReplyToID            string
	ForwardFromChatID    string
	ForwardFromMessageID string
	ForwardFromSender    string
	ScheduledAt          string
	IsEdited             bool
	CreatedAt            time.Time
}

// NewMessage is the input for CreateMessage. ForwardFromSender carries
// the original sender's display name resolved at send time; it is frozen
// into the stored message and never tracks later profile changes.
type NewMessage struct {
	ChatID               string
	SenderID             string
	ContentType          string
	Text                 string
	MediaURL             string
	ReplyToID            string
	ForwardFromChatID    string
	ForwardFromMessageID string
	ForwardFromSender    string
	ScheduledAt          string
}

// CallRecord is a persisted call history entry. In-memory session state
// stays authoritative for routing while the call is live; the record
// exists for history only.
type CallRecord struct {
	ID         string
	CallType   string
	CallerID   string
	ReceiverID string
	Status     string
	StartedAt  *time.Time
	EndedAt    *time.Time
	Duration   int
}

// Store is the collaborator boundary for persistence and authorization
// lookups. Calls may block on I/O; the core never holds registry or
// session locks while awaiting them.
type Store interface {
	// Membership and identity.
	IsChatMember(ctx context.Context, chatID, userID string) (bool, error)
	MembersOf(ctx context.Context, chatID string) ([]string, error)
	ContactsOf(ctx context.Context, userID string) ([]string, error)
	ResolveDisplayName(ctx context.Context, userID string) (string, error)

	// Messages.
	CreateMessage(ctx context.Context, m NewMessage) (*Message, error)
	GetMessage(ctx context.Context, messageID string) (*Message, error)
	UpdateMessageText(ctx context.Context, messageID, text string) error
	DeleteMessage(ctx context.Context, messageID string) error
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) (added bool, err error)
	RecordReadReceipt(ctx context.Context, chatID, userID, messageID string) error
	IncrementUnread(ctx context.Context, chatID, excludeUserID string) error
	TouchChat(ctx context.Context, chatID string) error

	// Pins. TogglePin is single-slot per chat: pinning a message clears
	// any previously pinned message and returns its id in cleared.
	TogglePin(ctx context.Context, chatID, messageID string) (pinned bool, cleared string, err error)

	// Call history.
	CreateCallRecord(ctx context.Context, rec CallRecord) error
	UpdateCallRecord(ctx context.Context, rec CallRecord) error

	// Presence flags. A zero lastSeen means "do not record a timestamp"
	// (used on the online transition).
	SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error
}
