// Package storage holds the authoritative SQLite store and the
// session-local encrypted message cache.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"kraken-chat/go-backend/internal/access"
	"kraken-chat/go-backend/pkg/models"
)

var (
	ErrMessageNotFound      = errors.New("message not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidMessage       = errors.New("message is missing sender, receiver or content")
	// ErrConversationConflict signals two surviving rows for one pair.
	// The unique pair index prevents this structurally; seeing it means
	// a missing invariant, so it is returned, never merged silently.
	ErrConversationConflict = errors.New("duplicate conversation for participant pair")
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS profiles (
	address    TEXT PRIMARY KEY,
	username   TEXT NOT NULL,
	bio        TEXT NOT NULL DEFAULT '',
	avatar_url TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS conversations (
	id                TEXT PRIMARY KEY,
	participants      TEXT NOT NULL,
	pair_key          TEXT,
	last_message      TEXT NOT NULL DEFAULT '',
	last_message_time INTEGER NOT NULL DEFAULT 0,
	is_group          INTEGER NOT NULL DEFAULT 0,
	group_name        TEXT NOT NULL DEFAULT '',
	group_avatar      TEXT NOT NULL DEFAULT '',
	updated_at        INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS conversations_pair_key
	ON conversations(pair_key) WHERE is_group = 0;

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT REFERENCES conversations(id),
	sender          TEXT NOT NULL,
	receiver        TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	status          TEXT NOT NULL DEFAULT 'sent',
	error           TEXT NOT NULL DEFAULT '',
	retries         INTEGER NOT NULL DEFAULT 0,
	encrypted       INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS messages_conversation
	ON messages(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS messages_scope
	ON messages(sender, receiver, created_at);

CREATE TABLE IF NOT EXISTS attachments (
	id         TEXT PRIMARY KEY,
	message_id TEXT NOT NULL REFERENCES messages(id),
	name       TEXT NOT NULL DEFAULT '',
	mime_type  TEXT NOT NULL DEFAULT '',
	size       INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL DEFAULT 0
);
`

// DurableStore is the authoritative, access-controlled store. Every
// operation takes the caller's resolved identity and applies the
// access predicates before touching rows.
type DurableStore struct {
	db *sql.DB
}

func OpenDurableStore(path string) (*DurableStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DurableStore{db: db}, nil
}

func (s *DurableStore) Close() error {
	return s.db.Close()
}

func (s *DurableStore) SaveProfile(ctx context.Context, caller string, profile models.Profile) error {
	if err := access.CanWriteProfile(caller, profile.Address); err != nil {
		return err
	}
	profile.Address = models.NormalizeIdentity(profile.Address)
	if strings.TrimSpace(profile.Username) == "" {
		return errors.New("profile username is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (address, username, bio, avatar_url, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			username = excluded.username,
			bio = excluded.bio,
			avatar_url = excluded.avatar_url,
			updated_at = excluded.updated_at
	`, profile.Address, profile.Username, profile.Bio, profile.AvatarURL, time.Now().UTC().UnixNano())
	return err
}

func (s *DurableStore) GetProfile(ctx context.Context, caller, address string) (models.Profile, error) {
	if err := access.CanReadProfiles(caller); err != nil {
		return models.Profile{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT address, username, bio, avatar_url, updated_at
		FROM profiles WHERE address = ?
	`, models.NormalizeIdentity(address))
	return scanProfile(row)
}

func (s *DurableStore) ListProfiles(ctx context.Context, caller string) ([]models.Profile, error) {
	if err := access.CanReadProfiles(caller); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, username, bio, avatar_url, updated_at
		FROM profiles ORDER BY address
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *DurableStore) GetConversation(ctx context.Context, caller, id string) (models.Conversation, error) {
	conv, err := s.getConversation(ctx, s.db, id)
	if err != nil {
		return models.Conversation{}, err
	}
	if err := access.CanReadConversation(caller, conv); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// ListConversations returns the caller's conversations, most recently
// updated first.
func (s *DurableStore) ListConversations(ctx context.Context, caller string) ([]models.Conversation, error) {
	caller = models.NormalizeIdentity(caller)
	if err := access.CanReadProfiles(caller); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, participants, last_message, last_message_time,
		       is_group, group_name, group_avatar, updated_at
		FROM conversations ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		if !conv.HasParticipant(caller) {
			continue
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// ListMessages is the durable load() contract: the caller's full
// authorized message scope ordered by creation time. Idempotent; each
// call returns the current durable snapshot.
func (s *DurableStore) ListMessages(ctx context.Context, caller string) ([]models.Message, error) {
	caller = models.NormalizeIdentity(caller)
	if err := access.CanReadProfiles(caller); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender, receiver, content,
		       created_at, status, error, retries, encrypted
		FROM messages
		WHERE sender = ? OR receiver = ?
		ORDER BY created_at
	`, caller, caller)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *DurableStore) GetMessage(ctx context.Context, caller, id string) (models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender, receiver, content,
		       created_at, status, error, retries, encrypted
		FROM messages WHERE id = ?
	`, strings.TrimSpace(id))
	msg, err := scanMessage(row)
	if err != nil {
		return models.Message{}, err
	}
	if err := access.CanReadMessage(caller, msg); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// UpdateMessageStatus upgrades a message's status. Sender-only, and
// monotonic: a delivered message never regresses to sent.
func (s *DurableStore) UpdateMessageStatus(ctx context.Context, caller, id, status string) (models.Message, error) {
	msg, err := s.GetMessage(ctx, caller, id)
	if err != nil {
		return models.Message{}, err
	}
	if err := access.CanUpdateMessage(caller, msg); err != nil {
		return models.Message{}, err
	}
	msg.Status = models.MergeStatus(msg.Status, status)
	_, err = s.db.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, msg.Status, msg.ID)
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// SaveAttachment is gated on being a participant of the conversation
// owning the attachment's message (join message -> conversation), the
// shared-bucket write policy.
func (s *DurableStore) SaveAttachment(ctx context.Context, caller string, att models.AttachmentMeta) error {
	conv, err := s.conversationOfMessage(ctx, att.MessageID)
	if err != nil {
		return err
	}
	if err := access.CanAccessAttachment(caller, conv); err != nil {
		return err
	}
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, message_id, name, mime_type, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, att.ID, att.MessageID, att.Name, att.MimeType, att.Size, att.CreatedAt.UnixNano())
	return err
}

func (s *DurableStore) ListAttachments(ctx context.Context, caller, messageID string) ([]models.AttachmentMeta, error) {
	conv, err := s.conversationOfMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := access.CanAccessAttachment(caller, conv); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, name, mime_type, size, created_at
		FROM attachments WHERE message_id = ? ORDER BY created_at
	`, strings.TrimSpace(messageID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AttachmentMeta
	for rows.Next() {
		var att models.AttachmentMeta
		var createdAt int64
		if err := rows.Scan(&att.ID, &att.MessageID, &att.Name, &att.MimeType, &att.Size, &createdAt); err != nil {
			return nil, err
		}
		att.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, att)
	}
	return out, rows.Err()
}

func (s *DurableStore) conversationOfMessage(ctx context.Context, messageID string) (models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.participants, c.last_message, c.last_message_time,
		       c.is_group, c.group_name, c.group_avatar, c.updated_at
		FROM conversations c
		JOIN messages m ON m.conversation_id = c.id
		WHERE m.id = ?
	`, strings.TrimSpace(messageID))
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrMessageNotFound
	}
	return conv, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *DurableStore) getConversation(ctx context.Context, q queryer, id string) (models.Conversation, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, participants, last_message, last_message_time,
		       is_group, group_name, group_avatar, updated_at
		FROM conversations WHERE id = ?
	`, strings.TrimSpace(id))
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanProfile(r rowScanner) (models.Profile, error) {
	var p models.Profile
	var updatedAt int64
	if err := r.Scan(&p.Address, &p.Username, &p.Bio, &p.AvatarURL, &updatedAt); err != nil {
		return models.Profile{}, err
	}
	p.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return p, nil
}

func scanConversation(r rowScanner) (models.Conversation, error) {
	var conv models.Conversation
	var participants string
	var lastMessageTime, updatedAt int64
	var isGroup int
	if err := r.Scan(&conv.ID, &participants, &conv.LastMessage, &lastMessageTime,
		&isGroup, &conv.GroupName, &conv.GroupAvatar, &updatedAt); err != nil {
		return models.Conversation{}, err
	}
	conv.Participants = models.SplitParticipants(participants)
	conv.LastMessageTime = time.Unix(0, lastMessageTime).UTC()
	conv.IsGroup = isGroup != 0
	conv.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return conv, nil
}

func scanMessage(r rowScanner) (models.Message, error) {
	var msg models.Message
	var conversationID sql.NullString
	var createdAt int64
	var encrypted int
	if err := r.Scan(&msg.ID, &conversationID, &msg.Sender, &msg.Receiver, &msg.Content,
		&createdAt, &msg.Status, &msg.Error, &msg.Retries, &encrypted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, ErrMessageNotFound
		}
		return models.Message{}, err
	}
	msg.ConversationID = conversationID.String
	msg.Timestamp = time.Unix(0, createdAt).UTC()
	msg.Encrypted = encrypted != 0
	msg.Transport = models.TransportStore
	return msg, nil
}
