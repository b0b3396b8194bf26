package client

import (
	"sort"
	"sync"

	"github.com/teleai/telelive/internal/protocol"
)

// ChatSummary is one entry in the client's chat list.
type ChatSummary struct {
	ID            string
	Title         string
	UnreadCount   int
	LastMessageAt string
	PinnedID      string
}

// SyncStore mirrors the server's view of chats for one client. It holds
// the chat list, the active chat's message buffer, typing indicators,
// and contact presence. All methods are safe for concurrent use; the
// read loop writes while the UI layer reads.
type SyncStore struct {
	mu sync.RWMutex

	chats     map[string]*ChatSummary
	chatOrder []string

	// Message buffer for the active chat only. Switching chats clears
	// it; history arrives through CompleteFetch.
	activeChat string
	messages   []protocol.MessageData
	byID       map[string]int
	reactions  map[string][]Reaction // messageID → pairs in arrival order

	// fetchGen increments on every chat switch. A history response
	// carrying a stale generation is dropped: it belongs to a chat the
	// user already left.
	fetchGen uint64

	typing   map[string]map[string]bool // chatID → userID set
	presence map[string]presenceEntry
}

type presenceEntry struct {
	online   bool
	lastSeen string
}

// Reaction is one (user, emoji) pair attached to a buffered message.
type Reaction struct {
	UserID string
	Emoji  string
}

// NewSyncStore creates an empty sync store.
func NewSyncStore() *SyncStore {
	return &SyncStore{
		chats:     make(map[string]*ChatSummary),
		byID:      make(map[string]int),
		reactions: make(map[string][]Reaction),
		typing:    make(map[string]map[string]bool),
		presence:  make(map[string]presenceEntry),
	}
}

// SetChats replaces the chat list, typically from an initial or resync
// fetch. Order is preserved as given.
func (s *SyncStore) SetChats(chats []ChatSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = make(map[string]*ChatSummary, len(chats))
	s.chatOrder = s.chatOrder[:0]
	for i := range chats {
		c := chats[i]
		s.chats[c.ID] = &c
		s.chatOrder = append(s.chatOrder, c.ID)
	}
}

// Chats returns the chat list ordered by most recent activity.
func (s *SyncStore) Chats() []ChatSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChatSummary, 0, len(s.chatOrder))
	for _, id := range s.chatOrder {
		if c := s.chats[id]; c != nil {
			out = append(out, *c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageAt > out[j].LastMessageAt
	})
	return out
}

// SwitchChat makes chatID the active chat, clears the message buffer,
// resets its unread counter, and returns the fetch generation to attach
// to the history request.
func (s *SyncStore) SwitchChat(chatID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeChat = chatID
	s.messages = s.messages[:0]
	s.byID = make(map[string]int)
	s.reactions = make(map[string][]Reaction)
	s.fetchGen++
	if c := s.chats[chatID]; c != nil {
		c.UnreadCount = 0
	}
	return s.fetchGen
}

// ActiveChat returns the currently active chat id.
func (s *SyncStore) ActiveChat() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeChat
}

// CompleteFetch merges a history response into the buffer. The response
// is dropped when gen is stale, meaning the user switched chats again
// while the fetch was in flight. Reports whether the merge was applied.
func (s *SyncStore) CompleteFetch(gen uint64, msgs []protocol.MessageData) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.fetchGen {
		return false
	}
	for _, m := range msgs {
		s.mergeLocked(m)
	}
	return true
}

// Messages returns a snapshot of the active chat's buffer in arrival
// order.
func (s *SyncStore) Messages() []protocol.MessageData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.MessageData, len(s.messages))
	copy(out, s.messages)
	return out
}

// mergeLocked inserts or updates one message by id. Duplicate delivery
// (echo after optimistic insert, overlap between live events and a
// history fetch) updates in place instead of appending twice.
func (s *SyncStore) mergeLocked(m protocol.MessageData) {
	if i, ok := s.byID[m.ID]; ok {
		s.messages[i] = m
		return
	}
	s.byID[m.ID] = len(s.messages)
	s.messages = append(s.messages, m)
}

// ApplyMessage handles message:new and message:edited events. Messages
// for inactive chats only bump the chat summary.
func (s *SyncStore) ApplyMessage(m protocol.MessageData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.chats[m.ChatID]; c != nil {
		c.LastMessageAt = m.CreatedAt
		if m.ChatID != s.activeChat && !m.Self && !m.IsEdited {
			c.UnreadCount++
		}
	}
	if m.ChatID != s.activeChat {
		return
	}
	s.mergeLocked(m)
	// A live message supersedes any typing indicator from its sender.
	if set := s.typing[m.ChatID]; set != nil {
		delete(set, m.SenderID)
	}
}

// ApplyMessageDeleted removes a message from the active buffer.
func (s *SyncStore) ApplyMessageDeleted(d protocol.MessageDeletedData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ChatID != s.activeChat {
		return
	}
	i, ok := s.byID[d.MessageID]
	if !ok {
		return
	}
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	delete(s.byID, d.MessageID)
	delete(s.reactions, d.MessageID)
	for j := i; j < len(s.messages); j++ {
		s.byID[s.messages[j].ID] = j
	}
}

// ApplyReaction toggles a (user, emoji) pair on a buffered message per
// the event's action. Reactions on messages outside the active buffer
// are silently ignored; they arrive with the message on the next fetch.
func (s *SyncStore) ApplyReaction(r protocol.ReactionData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[r.MessageID]; !ok {
		return
	}
	pairs := s.reactions[r.MessageID]
	switch r.Action {
	case "add":
		for _, p := range pairs {
			if p.UserID == r.UserID && p.Emoji == r.Emoji {
				return
			}
		}
		s.reactions[r.MessageID] = append(pairs, Reaction{UserID: r.UserID, Emoji: r.Emoji})
	case "remove":
		for i, p := range pairs {
			if p.UserID == r.UserID && p.Emoji == r.Emoji {
				s.reactions[r.MessageID] = append(pairs[:i], pairs[i+1:]...)
				return
			}
		}
	}
}

// Reactions returns the buffered message's reactions in arrival order.
func (s *SyncStore) Reactions(messageID string) []Reaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pairs := s.reactions[messageID]
	if len(pairs) == 0 {
		return nil
	}
	out := make([]Reaction, len(pairs))
	copy(out, pairs)
	return out
}

// ApplyTyping updates the chat's typing set.
func (s *SyncStore) ApplyTyping(t protocol.TypingData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.typing[t.ChatID]
	if set == nil {
		set = make(map[string]bool)
		s.typing[t.ChatID] = set
	}
	if t.IsTyping {
		set[t.UserID] = true
	} else {
		delete(set, t.UserID)
	}
}

// TypingIn returns the users currently typing in a chat.
func (s *SyncStore) TypingIn(chatID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.typing[chatID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ApplyPresence records a contact's online transition.
func (s *SyncStore) ApplyPresence(userID string, online bool, lastSeen string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[userID] = presenceEntry{online: online, lastSeen: lastSeen}
}

// Online reports whether a contact is currently online.
func (s *SyncStore) Online(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presence[userID].online
}

// LastSeen returns a contact's last-seen timestamp, empty when unknown
// or currently online.
func (s *SyncStore) LastSeen(userID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presence[userID].lastSeen
}

// ApplyPinned records the chat's pinned message.
func (s *SyncStore) ApplyPinned(p protocol.PinnedData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.chats[p.ChatID]; c != nil {
		c.PinnedID = p.MessageID
	}
}

// ApplyUnpinned clears the chat's pin when it still points at the
// unpinned message.
func (s *SyncStore) ApplyUnpinned(u protocol.UnpinnedData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.chats[u.ChatID]; c != nil && c.PinnedID == u.MessageID {
		c.PinnedID = ""
	}
}
