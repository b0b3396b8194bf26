package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the production Store backed by a local SQLite database.
// The schema mirrors the messenger's REST layer: both sides of the
// system share one database file.
type SQLite struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	display_name  TEXT NOT NULL,
	is_online     INTEGER NOT NULL DEFAULT 0,
	last_seen     TIMESTAMP
);

CREATE TABLE IF NOT EXISTS contacts (
	user_id    TEXT NOT NULL,
	contact_id TEXT NOT NULL,
	PRIMARY KEY (user_id, contact_id)
);

CREATE TABLE IF NOT EXISTS chats (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL DEFAULT 'private',
	title      TEXT,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_members (
	chat_id              TEXT NOT NULL,
	user_id              TEXT NOT NULL,
	unread_count         INTEGER NOT NULL DEFAULT 0,
	last_read_message_id TEXT,
	PRIMARY KEY (chat_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id                      TEXT PRIMARY KEY,
	chat_id                 TEXT NOT NULL,
	sender_id               TEXT NOT NULL,
	type                    TEXT NOT NULL DEFAULT 'text',
	text                    TEXT,
	media_url               TEXT,
	reply_to_id             TEXT,
	forward_from_chat_id    TEXT,
	forward_from_message_id TEXT,
	forward_from_sender     TEXT,
	scheduled_at            TEXT,
	is_edited               INTEGER NOT NULL DEFAULT 0,
	created_at              TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at);

CREATE TABLE IF NOT EXISTS message_reactions (
	message_id TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	emoji      TEXT NOT NULL,
	PRIMARY KEY (message_id, user_id, emoji)
);

CREATE TABLE IF NOT EXISTS pinned_messages (
	chat_id    TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	pinned_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS calls (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	caller_id   TEXT NOT NULL,
	receiver_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  TIMESTAMP,
	ended_at    TIMESTAMP,
	duration    INTEGER NOT NULL DEFAULT 0
);
`

// OpenSQLite opens (and migrates) the database at path. Use ":memory:"
// for an ephemeral database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) IsChatMember(ctx context.Context, chatID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_members WHERE chat_id = ? AND user_id = ?`,
		chatID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying membership: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) MembersOf(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM chat_members WHERE chat_id = ?`, chatID)
	if err != nil {
		return nil, fmt.Errorf("querying members: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *SQLite) ContactsOf(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM contacts WHERE contact_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying contacts: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *SQLite) ResolveDisplayName(ctx context.Context, userID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT display_name FROM users WHERE id = ?`, userID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying display name: %w", err)
	}
	return name, nil
}

func (s *SQLite) CreateMessage(ctx context.Context, m NewMessage) (*Message, error) {
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
		CreatedAt:            time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, type, text, media_url,
			reply_to_id, forward_from_chat_id, forward_from_message_id,
			forward_from_sender, scheduled_at, is_edited, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		msg.ID, msg.ChatID, msg.SenderID, msg.ContentType, msg.Text, msg.MediaURL,
		msg.ReplyToID, msg.ForwardFromChatID, msg.ForwardFromMessageID,
		msg.ForwardFromSender, msg.ScheduledAt, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	return msg, nil
}

func (s *SQLite) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	var msg Message
	var edited int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, sender_id, type, COALESCE(text, ''), COALESCE(media_url, ''),
			COALESCE(reply_to_id, ''), COALESCE(forward_from_chat_id, ''),
			COALESCE(forward_from_message_id, ''), COALESCE(forward_from_sender, ''),
			COALESCE(scheduled_at, ''), is_edited, created_at
		FROM messages WHERE id = ?`, messageID).Scan(
		&msg.ID, &msg.ChatID, &msg.SenderID, &msg.ContentType, &msg.Text, &msg.MediaURL,
		&msg.ReplyToID, &msg.ForwardFromChatID, &msg.ForwardFromMessageID,
		&msg.ForwardFromSender, &msg.ScheduledAt, &edited, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	msg.IsEdited = edited != 0
	return &msg, nil
}

func (s *SQLite) UpdateMessageText(ctx context.Context, messageID, text string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET text = ?, is_edited = 1 WHERE id = ?`, text, messageID)
	if err != nil {
		return fmt.Errorf("updating message: %w", err)
	}
	return requireRows(res)
}

func (s *SQLite) DeleteMessage(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	return requireRows(res)
}

func (s *SQLite) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM message_reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
		messageID, userID, emoji)
	if err != nil {
		return false, fmt.Errorf("removing reaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO message_reactions (message_id, user_id, emoji) VALUES (?, ?, ?)`,
		messageID, userID, emoji)
	if err != nil {
		return false, fmt.Errorf("adding reaction: %w", err)
	}
	return true, nil
}

func (s *SQLite) RecordReadReceipt(ctx context.Context, chatID, userID, messageID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_members SET unread_count = 0, last_read_message_id = ?
		WHERE chat_id = ? AND user_id = ?`, messageID, chatID, userID)
	if err != nil {
		return fmt.Errorf("recording read receipt: %w", err)
	}
	return requireRows(res)
}

func (s *SQLite) IncrementUnread(ctx context.Context, chatID, excludeUserID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_members SET unread_count = unread_count + 1
		WHERE chat_id = ? AND user_id != ?`, chatID, excludeUserID)
	if err != nil {
		return fmt.Errorf("incrementing unread counters: %w", err)
	}
	return nil
}

func (s *SQLite) TouchChat(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chats SET updated_at = ? WHERE id = ?`, time.Now().UTC(), chatID)
	if err != nil {
		return fmt.Errorf("touching chat: %w", err)
	}
	return nil
}

func (s *SQLite) TogglePin(ctx context.Context, chatID, messageID string) (bool, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("beginning pin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT message_id FROM pinned_messages WHERE chat_id = ?`, chatID).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return false, "", fmt.Errorf("querying pinned message: %w", err)
	}

	if current == messageID {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pinned_messages WHERE chat_id = ?`, chatID); err != nil {
			return false, "", fmt.Errorf("unpinning message: %w", err)
		}
		return false, "", tx.Commit()
	}

	// Single pinned slot per chat: replacing clears the previous pin.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pinned_messages (chat_id, message_id, pinned_at) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET message_id = excluded.message_id, pinned_at = excluded.pinned_at`,
		chatID, messageID, time.Now().UTC())
	if err != nil {
		return false, "", fmt.Errorf("pinning message: %w", err)
	}
	return true, current, tx.Commit()
}

func (s *SQLite) CreateCallRecord(ctx context.Context, rec CallRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (id, type, caller_id, receiver_id, status, started_at, ended_at, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CallType, rec.CallerID, rec.ReceiverID, rec.Status,
		rec.StartedAt, rec.EndedAt, rec.Duration)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateCallRecord(ctx context.Context, rec CallRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE calls SET status = ?, started_at = ?, ended_at = ?, duration = ?
		WHERE id = ?`,
		rec.Status, rec.StartedAt, rec.EndedAt, rec.Duration, rec.ID)
	if err != nil {
		return fmt.Errorf("updating call record: %w", err)
	}
	return requireRows(res)
}

func (s *SQLite) SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	var err error
	if lastSeen.IsZero() {
		_, err = s.db.ExecContext(ctx,
			`UPDATE users SET is_online = ? WHERE id = ?`, boolInt(online), userID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE users SET is_online = ?, last_seen = ? WHERE id = ?`,
			boolInt(online), lastSeen.UTC(), userID)
	}
	if err != nil {
		return fmt.Errorf("updating presence: %w", err)
	}
	return nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func requireRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
