package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used by tests and ephemeral runs
// (`telelive start --memory`). All state is lost on restart.
type Memory struct {
	mu        sync.Mutex
	users     map[string]*memUser
	chats     map[string]*memChat
	messages  map[string]*Message
	reactions map[reactionKey]bool
	pins      map[string]string // chatID → pinned messageID
	calls     map[string]CallRecord
	contacts  map[string]map[string]bool // userID → contact set
	now       func() time.Time
}

type memUser struct {
	displayName string
	online      bool
	lastSeen    time.Time
}

type memChat struct {
	members   map[string]*memMember
	updatedAt time.Time
}

type memMember struct {
	unread     int
	lastReadID string
}

type reactionKey struct {
	messageID string
	userID    string
	emoji     string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:     make(map[string]*memUser),
		chats:     make(map[string]*memChat),
		messages:  make(map[string]*Message),
		reactions: make(map[reactionKey]bool),
		pins:      make(map[string]string),
		calls:     make(map[string]CallRecord),
		contacts:  make(map[string]map[string]bool),
		now:       time.Now,
	}
}

// AddUser seeds a user. Test helper, not part of the Store interface.
func (s *Memory) AddUser(userID, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = &memUser{displayName: displayName}
}

// AddChat seeds a chat with the given members.
func (s *Memory) AddChat(chatID string, memberIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &memChat{members: make(map[string]*memMember), updatedAt: s.now()}
	for _, id := range memberIDs {
		c.members[id] = &memMember{}
	}
	s.chats[chatID] = c
}

// AddContact records that contact has userID in their contact list, so
// contact is notified of userID's presence transitions.
func (s *Memory) AddContact(contactOwner, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contacts[userID] == nil {
		s.contacts[userID] = make(map[string]bool)
	}
	s.contacts[userID][contactOwner] = true
}

// UnreadCount returns the member's unread counter. Test helper.
func (s *Memory) UnreadCount(chatID, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chats[chatID]
	if c == nil {
		return 0
	}
	m := c.members[userID]
	if m == nil {
		return 0
	}
	return m.unread
}

// Call returns the persisted call record. Test helper.
func (s *Memory) Call(callID string) (CallRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[callID]
	return rec, ok
}

// LastSeen returns the recorded last-seen timestamp. Test helper.
func (s *Memory) LastSeen(userID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.users[userID]; u != nil {
		return u.lastSeen
	}
	return time.Time{}
}

func (s *Memory) IsChatMember(ctx context.Context, chatID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chats[chatID]
	if c == nil {
		return false, nil
	}
	_, ok := c.members[userID]
	return ok, nil
}

func (s *Memory) MembersOf(ctx context.Context, chatID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chats[chatID]
	if c == nil {
		return nil, nil
	}
	out := make([]string, 0, len(c.members))
	for id := range c.members {
		out = append(out, id)
	}
	return out, nil
}

func (s *Memory) ContactsOf(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.contacts[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

func (s *Memory) ResolveDisplayName(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]
	if u == nil {
		return "", ErrNotFound
	}
	return u.displayName, nil
}

func (s *Memory) CreateMessage(ctx context.Context, m NewMessage) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := &Message{
		ID:                   uuid.NewString(),
		ChatID:               m.ChatID,
		SenderID:             m.SenderID,
		ContentType:          m.ContentType,
		Text:                 m.Text,
		MediaURL:             m.MediaURL,
		ReplyToID:            m.ReplyToID,
		ForwardFromChatID:    m.ForwardFromChatID,
		ForwardFromMessageID: m.ForwardFromMessageID,
		ForwardFromSender:    m.ForwardFromSender,
		ScheduledAt:          m.ScheduledAt,
		CreatedAt:            s.now(),
	}
	s.messages[msg.ID] = msg
	return msg, nil
}

func (s *Memory) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.messages[messageID]
	if msg == nil {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (s *Memory) UpdateMessageText(ctx context.Context, messageID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.messages[messageID]
	if msg == nil {
		return ErrNotFound
	}
	msg.Text = text
	msg.IsEdited = true
	return nil
}

func (s *Memory) DeleteMessage(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[messageID]; !ok {
		return ErrNotFound
	}
	delete(s.messages, messageID)
	return nil
}

func (s *Memory) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := reactionKey{messageID, userID, emoji}
	if s.reactions[key] {
		delete(s.reactions, key)
		return false, nil
	}
	s.reactions[key] = true
	return true, nil
}

func (s *Memory) RecordReadReceipt(ctx context.Context, chatID, userID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chats[chatID]
	if c == nil {
		return ErrNotFound
	}
	m := c.members[userID]
	if m == nil {
		return ErrNotFound
	}
	m.unread = 0
	m.lastReadID = messageID
	return nil
}

func (s *Memory) IncrementUnread(ctx context.Context, chatID, excludeUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chats[chatID]
	if c == nil {
		return ErrNotFound
	}
	for id, m := range c.members {
		if id != excludeUserID {
			m.unread++
		}
	}
	return nil
}

func (s *Memory) TouchChat(ctx context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chats[chatID]
	if c == nil {
		return ErrNotFound
	}
	c.updatedAt = s.now()
	return nil
}

func (s *Memory) TogglePin(ctx context.Context, chatID, messageID string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.pins[chatID]
	if ok && current == messageID {
		delete(s.pins, chatID)
		return false, "", nil
	}
	cleared := ""
	if ok {
		cleared = current
	}
	s.pins[chatID] = messageID
	return true, cleared, nil
}

func (s *Memory) CreateCallRecord(ctx context.Context, rec CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[rec.ID] = rec
	return nil
}

func (s *Memory) UpdateCallRecord(ctx context.Context, rec CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[rec.ID]; !ok {
		return ErrNotFound
	}
	s.calls[rec.ID] = rec
	return nil
}

func (s *Memory) SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]
	if u == nil {
		u = &memUser{}
		s.users[userID] = u
	}
	u.online = online
	if !lastSeen.IsZero() {
		u.lastSeen = lastSeen
	}
	return nil
}
