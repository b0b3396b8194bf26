package store

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

// seeder abstracts the test-data setup that lives outside the Store
// interface (user and chat provisioning belongs to the REST layer).
type seeder interface {
	Store
	seedUser(t *testing.T, userID, displayName string)
	seedChat(t *testing.T, chatID string, memberIDs ...string)
	seedContact(t *testing.T, contactOwner, userID string)
	unread(t *testing.T, chatID, userID string) int
}

type memorySeeder struct{ *Memory }

func (m memorySeeder) seedUser(t *testing.T, userID, displayName string) {
	m.AddUser(userID, displayName)
}

func (m memorySeeder) seedChat(t *testing.T, chatID string, memberIDs ...string) {
	m.AddChat(chatID, memberIDs...)
}

func (m memorySeeder) seedContact(t *testing.T, contactOwner, userID string) {
	m.AddContact(contactOwner, userID)
}

func (m memorySeeder) unread(t *testing.T, chatID, userID string) int {
	return m.UnreadCount(chatID, userID)
}

type sqliteSeeder struct{ *SQLite }

func (s sqliteSeeder) seedUser(t *testing.T, userID, displayName string) {
	t.Helper()
	_, err := s.db.Exec(
		`INSERT INTO users (id, username, display_name) VALUES (?, ?, ?)`,
		userID, userID, displayName)
	if err != nil {
		t.Fatalf("seeding user: %v", err)
	}
}

func (s sqliteSeeder) seedChat(t *testing.T, chatID string, memberIDs ...string) {
	t.Helper()
	if _, err := s.db.Exec(
		`INSERT INTO chats (id, updated_at) VALUES (?, ?)`, chatID, time.Now().UTC()); err != nil {
		t.Fatalf("seeding chat: %v", err)
	}
	for _, id := range memberIDs {
		if _, err := s.db.Exec(
			`INSERT INTO chat_members (chat_id, user_id) VALUES (?, ?)`, chatID, id); err != nil {
			t.Fatalf("seeding member: %v", err)
		}
	}
}

func (s sqliteSeeder) seedContact(t *testing.T, contactOwner, userID string) {
	t.Helper()
	_, err := s.db.Exec(
		`INSERT INTO contacts (user_id, contact_id) VALUES (?, ?)`, contactOwner, userID)
	if err != nil {
		t.Fatalf("seeding contact: %v", err)
	}
}

func (s sqliteSeeder) unread(t *testing.T, chatID, userID string) int {
	t.Helper()
	var n int
	err := s.db.QueryRow(
		`SELECT unread_count FROM chat_members WHERE chat_id = ? AND user_id = ?`,
		chatID, userID).Scan(&n)
	if err != nil {
		t.Fatalf("querying unread: %v", err)
	}
	return n
}

func withStores(t *testing.T, fn func(t *testing.T, st seeder)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, memorySeeder{NewMemory()})
	})
	t.Run("sqlite", func(t *testing.T) {
		st, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
		if err != nil {
			t.Fatalf("opening sqlite: %v", err)
		}
		t.Cleanup(func() { st.Close() })
		fn(t, sqliteSeeder{st})
	})
}

func TestMembership(t *testing.T) {
	withStores(t, func(t *testing.T, st seeder) {
		ctx := context.Background()
		st.seedChat(t, "c1", "alice", "bob")

		member, err := st.IsChatMember(ctx, "c1", "alice")
		if err != nil || !member {
			t.Errorf("IsChatMember(alice) = %v, %v; want true", member, err)
		}
		member, err = st.IsChatMember(ctx, "c1", "mallory")
		if err != nil || member {
			t.Errorf("IsChatMember(mallory) = %v, %v; want false", member, err)
		}
		member, err = st.IsChatMember(ctx, "nope", "alice")
		if err != nil || member {
			t.Errorf("IsChatMember on unknown chat = %v, %v; want false", member, err)
		}

		members, err := st.MembersOf(ctx, "c1")
		if err != nil {
			t.Fatal(err)
		}
		sort.Strings(members)
		if len(members) != 2 || members[0] != "alice" || members[1] != "bob" {
			t.Errorf("MembersOf() = %v", members)
		}
	})
}

func TestContacts(t *testing.T) {
	withStores(t, func(t *testing.T, st seeder) {
		ctx := context.Background()
		st.seedUser(t, "alice", "Alice")
		st.seedUser(t, "bob", "Bob")
		st.seedUser(t, "carol", "Carol")
		st.seedContact(t, "bob", "alice")
		st.seedContact(t, "carol", "alice")

		watchers, err := st.ContactsOf(ctx, "alice")
		if err != nil {
			t.Fatal(err)
		}
		sort.Strings(watchers)
		if len(watchers) != 2 || watchers[0] != "bob" || watchers[1] != "carol" {
			t.Errorf("ContactsOf(alice) = %v, want bob and carol", watchers)
		}
	})
}

func TestMessageLifecycle(t *testing.T) {
	withStores(t, func(t *testing.T, st seeder) {
		ctx := context.Background()
		st.seedChat(t, "c1", "alice", "bob")

		msg, err := st.CreateMessage(ctx, NewMessage{ChatID: "c1", SenderID: "alice", ContentType: "text", Text: "hello"})
		if err != nil {
			t.Fatalf("CreateMessage() error = %v", err)
		}
		if msg.ID == "" {
			t.Fatal("CreateMessage() returned empty id")
		}

		got, err := st.GetMessage(ctx, msg.ID)
		if err != nil {
			t.Fatalf("GetMessage() error = %v", err)
		}
		if got.Text != "hello" || got.SenderID != "alice" || got.IsEdited {
			t.Errorf("GetMessage() = %+v", got)
		}

		if err := st.UpdateMessageText(ctx, msg.ID, "edited"); err != nil {
			t.Fatalf("UpdateMessageText() error = %v", err)
		}
		got, err = st.GetMessage(ctx, msg.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Text != "edited" || !got.IsEdited {
			t.Errorf("after edit: %+v", got)
		}

		if err := st.DeleteMessage(ctx, msg.ID); err != nil {
			t.Fatalf("DeleteMessage() error = %v", err)
		}
		if _, err := st.GetMessage(ctx, msg.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetMessage() after delete error = %v, want ErrNotFound", err)
		}
	})
}

func TestMessageNotFoundErrors(t *testing.T) {
	withStores(t, func(t *testing.T, st seeder) {
		ctx := context.Background()

		if _, err := st.GetMessage(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetMessage(ghost) error = %v, want ErrNotFound", err)
		}
		if err := st.UpdateMessageText(ctx, "ghost", "x"); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateMessageText(ghost) error = %v, want ErrNotFound", err)
		}
		if err := st.DeleteMessage(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
			t.Errorf("DeleteMessage(ghost) error = %v, want ErrNotFound", err)
		}
	})
}

func TestReactionToggle(t *testing.T) {
	withStores(t, func(t *testing.T, st seeder) {
		ctx := context.Background()
		st.seedChat(t, "c1", "alice", "bob")
		msg, err := st.CreateMessage(ctx, NewMessage{ChatID: "c1", SenderID: "alice", ContentType: "text", Text: "react"})
		if err != nil {
			t.Fatal(err)
		}

		added, err := st.ToggleReaction(ctx, msg.ID, "bob", "👍")
		if err != nil || !added {
			t.Fatalf("first toggle = %v, %v; want added", added, err)
		}
		added, err = st.ToggleReaction(ctx, msg.ID, "bob", "👍")
		if err != nil || added {
			t.Fatalf("second toggle = %v, %v; want removed", added, err)
		}
		// A different emoji from the same user is an independent key.
		added, err = st.ToggleReaction(ctx, msg.ID, "bob", "❤️")
		if err != nil || !added {
			t.Fatalf("different emoji toggle = %v, %v; want added", added, err)
		}
	})
}

func TestUnreadCounters(t *testing.T) {
	withStores(t, func(t *testing.T, st seeder) {
		ctx := context.Background()
		st.seedChat(t, "c1", "alice", "bob", "carol")

		if err := st.IncrementUnread(ctx, "c1", "alice"); err != nil {
			t.Fatal(err)
		}
		if err := st.IncrementUnread(ctx, "c1", "alice"); err != nil {
			t.Fatal(err)
		}

		if got := st.unread(t, "c1", "alice"); got != 0 {
			t.Errorf("sender unread = %d, want 0", got)
		}
		if got := st.unread(t, "c1", "bob"); got != 2 {
			t.Errorf("bob unread = %d, want 2", got)
		}

		if err := st.RecordReadReceipt(ctx, "c1", "bob", "m-last"); err != nil {
			t.Fatal(err)
		}
		if got := st.unread(t, "c1", "bob"); got != 0 {
			t.Errorf("bob unread after read = %d, want 0", got)
		}
		if got := st.unread(t, "c1", "carol"); got != 2 {
			t.Errorf("carol unread = %d, want 2 (untouched)", got)
		}
	})
}

func TestReadReceiptUnknownMember(t *testing.T) {
	withStores(t, func(t *testing.T, st seeder) {
		ctx := context.Background()
		st.seedChat(t, "c1", "alice")
		if err := st.RecordReadReceipt(ctx, "c1", "ghost", "m1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("RecordReadReceipt(ghost) error = %v, want ErrNotFound", err)
		}
	})
}

func TestPinSingleSlot(t *testing.T) {
	withStores(t, func(t *testing.T, st seeder) {
		ctx := context.Background()
		st.seedChat(t, "c1", "alice")

		pinned, cleared, err := st.TogglePin(ctx, "c1", "m1")
		if err != nil || !pinned || cleared != "" {
			t.Fatalf("first pin = %v, %q, %v", pinned, cleared, err)
		}

		// Pinning another message displaces the first.
		pinned, cleared, err = st.TogglePin(ctx, "c1", "m2")
		if err != nil || !pinned || cleared != "m1" {
			t.Fatalf("second pin = %v, %q, %v; want pinned with m1 cleared", pinned, cleared, err)
		}

		// Toggling the current pin removes it.
		pinned, cleared, err = st.TogglePin(ctx, "c1", "m2")
		if err != nil || pinned || cleared != "" {
			t.Fatalf("unpin = %v, %q, %v", pinned, cleared, err)
		}
	})
}

func TestCallRecords(t *testing.T) {
	withStores(t, func(t *testing.T, st seeder) {
		ctx := context.Background()

		rec := CallRecord{ID: "k1", CallType: "video", CallerID: "alice", ReceiverID: "bob", Status: "ringing"}
		if err := st.CreateCallRecord(ctx, rec); err != nil {
			t.Fatalf("CreateCallRecord() error = %v", err)
		}

		started := time.Now().UTC()
		ended := started.Add(42 * time.Second)
		rec.Status = "ended"
		rec.StartedAt = &started
		rec.EndedAt = &ended
		rec.Duration = 42
		if err := st.UpdateCallRecord(ctx, rec); err != nil {
			t.Fatalf("UpdateCallRecord() error = %v", err)
		}

		if err := st.UpdateCallRecord(ctx, CallRecord{ID: "ghost", Status: "ended"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateCallRecord(ghost) error = %v, want ErrNotFound", err)
		}
	})
}

func TestPresence(t *testing.T) {
	withStores(t, func(t *testing.T, st seeder) {
		ctx := context.Background()
		st.seedUser(t, "alice", "Alice")

		if err := st.SetPresence(ctx, "alice", true, time.Time{}); err != nil {
			t.Fatalf("SetPresence(online) error = %v", err)
		}
		lastSeen := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
		if err := st.SetPresence(ctx, "alice", false, lastSeen); err != nil {
			t.Fatalf("SetPresence(offline) error = %v", err)
		}
	})
}

func TestResolveDisplayName(t *testing.T) {
	withStores(t, func(t *testing.T, st seeder) {
		ctx := context.Background()
		st.seedUser(t, "alice", "Alice")

		name, err := st.ResolveDisplayName(ctx, "alice")
		if err != nil || name != "Alice" {
			t.Errorf("ResolveDisplayName() = %q, %v", name, err)
		}
		if _, err := st.ResolveDisplayName(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
			t.Errorf("ResolveDisplayName(ghost) error = %v, want ErrNotFound", err)
		}
	})
}
