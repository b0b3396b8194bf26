// Package chat implements the business logic for message lifecycle
// events: validate membership, persist through the store, then fan out
// through the bus. Persistence always completes before the broadcast so
// no client observes an event it cannot fetch on reconnect.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/teleai/telelive/internal/bus"
	"github.com/teleai/telelive/internal/metrics"
	"github.com/teleai/telelive/internal/protocol"
	"github.com/teleai/telelive/internal/store"
)

// ErrNotMember is returned when the actor does not belong to the target
// chat. The session handler reports it as a FORBIDDEN error event.
var ErrNotMember = errors.New("chat: not a member")

// Processor handles chat events for all chats. A per-chat mutex is held
// across persist→broadcast so every recipient observes events in commit
// order. The mutex map grows with the number of active chats and is
// never pruned.
type Processor struct {
	Store   store.Store
	Bus     *bus.Bus
	Metrics *metrics.Metrics // optional, nil if metrics disabled

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewProcessor creates a Processor over the given store and bus.
func NewProcessor(st store.Store, b *bus.Bus) *Processor {
	return &Processor{Store: st, Bus: b, locks: make(map[string]*sync.Mutex)}
}

func (p *Processor) chatLock(chatID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.locks[chatID]
	if l == nil {
		l = &sync.Mutex{}
		p.locks[chatID] = l
	}
	return l
}

// Send persists a new message and broadcasts message:new to the chat.
// Every other member receives the plain event; the sender receives the
// same payload flagged as self-originated so their client reconciles
// its optimistic copy instead of duplicating it.
func (p *Processor) Send(ctx context.Context, senderID string, in protocol.SendMessage) error {
	member, err := p.Store.IsChatMember(ctx, in.ChatID, senderID)
	if err != nil {
		return fmt.Errorf("checking membership: %w", err)
	}
	if !member {
		return ErrNotMember
	}

	// Forwarding freezes the original sender's display name at send
	// time; later profile changes do not propagate into the copy.
	var forwardFromSender string
	if in.ForwardFromMessageID != "" {
		orig, err := p.Store.GetMessage(ctx, in.ForwardFromMessageID)
		if err == nil {
			if name, err := p.Store.ResolveDisplayName(ctx, orig.SenderID); err == nil {
				forwardFromSender = name
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("resolving forward source: %w", err)
		}
	}

	lock := p.chatLock(in.ChatID)
	lock.Lock()
	defer lock.Unlock()

	msg, err := p.Store.CreateMessage(ctx, store.NewMessage{
		ChatID:               in.ChatID,
		SenderID:             senderID,
		ContentType:          in.ContentType,
		Text:                 in.Text,
		ReplyToID:            in.ReplyToID,
		ForwardFromChatID:    in.ForwardFromChatID,
		ForwardFromMessageID: in.ForwardFromMessageID,
		ForwardFromSender:    forwardFromSender,
		ScheduledAt:          in.ScheduledAt,
	})
	if err != nil {
		return fmt.Errorf("persisting message: %w", err)
	}

	// The message is committed at this point; counter bookkeeping
	// failures are logged but do not suppress the broadcast.
	if err := p.Store.IncrementUnread(ctx, in.ChatID, senderID); err != nil {
		slog.Warn("chat: incrementing unread counters", "chat", in.ChatID, "error", err)
	}
	if err := p.Store.TouchChat(ctx, in.ChatID); err != nil {
		slog.Warn("chat: touching chat activity", "chat", in.ChatID, "error", err)
	}

	data := messageData(msg)
	p.Bus.SendToChat(ctx, in.ChatID, protocol.Event{Type: protocol.TypeMessageNew, Data: data}, senderID)

	self := data
	self.Self = true
	p.Bus.SendToUser(ctx, senderID, protocol.Event{Type: protocol.TypeMessageNew, Data: self})
	return nil
}

// Edit updates a message's text. Only the original sender may edit; any
// other requester is rejected silently with no event.
func (p *Processor) Edit(ctx context.Context, userID string, in protocol.EditMessage) error {
	msg, err := p.Store.GetMessage(ctx, in.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading message: %w", err)
	}
	if msg.SenderID != userID {
		slog.Debug("chat: edit rejected, not the sender", "message", in.MessageID, "user", userID)
		return nil
	}

	lock := p.chatLock(msg.ChatID)
	lock.Lock()
	defer lock.Unlock()

	if err := p.Store.UpdateMessageText(ctx, in.MessageID, in.Text); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("persisting edit: %w", err)
	}

	msg.Text = in.Text
	msg.IsEdited = true
	p.Bus.SendToChat(ctx, msg.ChatID, protocol.Event{Type: protocol.TypeMessageEdited, Data: messageData(msg)}, "")
	return nil
}

// Delete removes a message. Only the sender may delete their own
// message. The record is physically removed either way; the deletion
// event goes to the full chat only when forEveryone is set, otherwise
// just to the deleter's own connections so their other devices drop
// the message too.
func (p *Processor) Delete(ctx context.Context, userID string, in protocol.DeleteMessage) error {
	msg, err := p.Store.GetMessage(ctx, in.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading message: %w", err)
	}
	if msg.SenderID != userID {
		slog.Debug("chat: delete rejected, not the sender", "message", in.MessageID, "user", userID)
		return nil
	}

	lock := p.chatLock(msg.ChatID)
	lock.Lock()
	defer lock.Unlock()

	if err := p.Store.DeleteMessage(ctx, in.MessageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("persisting delete: %w", err)
	}

	ev := protocol.Event{
		Type: protocol.TypeMessageDeleted,
		Data: protocol.MessageDeletedData{MessageID: in.MessageID, ChatID: msg.ChatID},
	}
	if in.ForEveryone {
		p.Bus.SendToChat(ctx, msg.ChatID, ev, "")
	} else {
		p.Bus.SendToUser(ctx, userID, ev)
	}
	return nil
}

// React toggles an emoji reaction keyed by (message, user, emoji) and
// broadcasts the resulting action to the full chat.
func (p *Processor) React(ctx context.Context, userID string, in protocol.Reaction) error {
	member, err := p.Store.IsChatMember(ctx, in.ChatID, userID)
	if err != nil {
		return fmt.Errorf("checking membership: %w", err)
	}
	if !member {
		return ErrNotMember
	}
	if _, err := p.Store.GetMessage(ctx, in.MessageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // message vanished, benign race
		}
		return fmt.Errorf("loading message: %w", err)
	}

	lock := p.chatLock(in.ChatID)
	lock.Lock()
	defer lock.Unlock()

	added, err := p.Store.ToggleReaction(ctx, in.MessageID, userID, in.Emoji)
	if err != nil {
		return fmt.Errorf("persisting reaction: %w", err)
	}

	action := "remove"
	if added {
		action = "add"
	}
	p.Bus.SendToChat(ctx, in.ChatID, protocol.Event{
		Type: protocol.TypeMessageReaction,
		Data: protocol.ReactionData{
			MessageID: in.MessageID,
			ChatID:    in.ChatID,
			UserID:    userID,
			Emoji:     in.Emoji,
			Action:    action,
		},
	}, "")
	return nil
}

// MarkRead resets the reader's unread counter, records the last-read
// message, and tells the rest of the chat.
func (p *Processor) MarkRead(ctx context.Context, userID string, in protocol.ReadMessage) error {
	member, err := p.Store.IsChatMember(ctx, in.ChatID, userID)
	if err != nil {
		return fmt.Errorf("checking membership: %w", err)
	}
	if !member {
		return ErrNotMember
	}

	if err := p.Store.RecordReadReceipt(ctx, in.ChatID, userID, in.MessageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("persisting read receipt: %w", err)
	}

	p.Bus.SendToChat(ctx, in.ChatID, protocol.Event{
		Type: protocol.TypeMessageStatus,
		Data: protocol.MessageStatusData{MessageID: in.MessageID, ChatID: in.ChatID, Status: "read"},
	}, userID)
	return nil
}

// Typing broadcasts a typing indicator to the chat, excluding the
// originator. Nothing is persisted and the server never expires typing
// state; clients emit the stop event themselves after inactivity.
func (p *Processor) Typing(ctx context.Context, userID, chatID string, active bool) error {
	member, err := p.Store.IsChatMember(ctx, chatID, userID)
	if err != nil {
		return fmt.Errorf("checking membership: %w", err)
	}
	if !member {
		return ErrNotMember
	}

	p.Bus.SendToChat(ctx, chatID, protocol.Event{
		Type: protocol.TypeTypingUpdate,
		Data: protocol.TypingData{ChatID: chatID, UserID: userID, IsTyping: active},
	}, userID)
	return nil
}

// TogglePin pins or unpins a message. Pins are single-slot per chat:
// pinning a new message implicitly unpins the previous one, and both
// transitions are broadcast. Invoked by the REST collaborator layer.
func (p *Processor) TogglePin(ctx context.Context, userID, chatID, messageID string) error {
	member, err := p.Store.IsChatMember(ctx, chatID, userID)
	if err != nil {
		return fmt.Errorf("checking membership: %w", err)
	}
	if !member {
		return ErrNotMember
	}
	msg, err := p.Store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading message: %w", err)
	}

	lock := p.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	pinned, cleared, err := p.Store.TogglePin(ctx, chatID, messageID)
	if err != nil {
		return fmt.Errorf("persisting pin toggle: %w", err)
	}

	if !pinned {
		p.Bus.SendToChat(ctx, chatID, protocol.Event{
			Type: protocol.TypeMessageUnpinned,
			Data: protocol.UnpinnedData{ChatID: chatID, MessageID: messageID},
		}, "")
		return nil
	}

	if cleared != "" {
		p.Bus.SendToChat(ctx, chatID, protocol.Event{
			Type: protocol.TypeMessageUnpinned,
			Data: protocol.UnpinnedData{ChatID: chatID, MessageID: cleared},
		}, "")
	}

	senderName, err := p.Store.ResolveDisplayName(ctx, msg.SenderID)
	if err != nil {
		senderName = ""
	}
	p.Bus.SendToChat(ctx, chatID, protocol.Event{
		Type: protocol.TypeMessagePinned,
		Data: protocol.PinnedData{ChatID: chatID, MessageID: messageID, Text: msg.Text, SenderName: senderName},
	}, "")
	return nil
}

func messageData(msg *store.Message) protocol.MessageData {
	return protocol.MessageData{
		ID:                msg.ID,
		ChatID:            msg.ChatID,
		SenderID:          msg.SenderID,
		ContentType:       msg.ContentType,
		Text:              msg.Text,
		MediaURL:          msg.MediaURL,
		ReplyToID:         msg.ReplyToID,
		ForwardFromSender: msg.ForwardFromSender,
		IsEdited:          msg.IsEdited,
		CreatedAt:         msg.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}
