package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"kraken-chat/go-backend/internal/access"
	"kraken-chat/go-backend/internal/platform/metrics"
	"kraken-chat/go-backend/pkg/models"
)

// InsertMessage runs the conversation materializer: inside one
// transaction it resolves or creates the non-group conversation for
// the sender/receiver pair, inserts the message bound to it, then
// rolls the message up into the conversation summary.
//
// The rollup always reflects the most recently inserted message, not
// the largest timestamp. Out-of-order backfill therefore regresses
// the displayed last message; callers needing monotonic rollups must
// enforce insert ordering upstream.
func (s *DurableStore) InsertMessage(ctx context.Context, caller string, msg models.Message) (models.Message, error) {
	msg = models.NormalizeMessage(msg)
	if msg.Sender == "" || msg.Receiver == "" || strings.TrimSpace(msg.Content) == "" {
		return models.Message{}, ErrInvalidMessage
	}
	if err := access.CanInsertMessage(caller, msg); err != nil {
		return models.Message{}, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	// Concurrent first-messages for the same pair race on the unique
	// pair index; the loser retries once and binds the winner's row.
	var inserted models.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = s.insertMessageTx(ctx, tx, caller, msg)
		return err
	})
	if isPairConflict(err) {
		err = s.withTx(ctx, func(tx *sql.Tx) error {
			metrics.ConversationConflictRetries.Inc()
			var retryErr error
			inserted, retryErr = s.insertMessageTx(ctx, tx, caller, msg)
			if isPairConflict(retryErr) {
				return ErrConversationConflict
			}
			return retryErr
		})
	}
	if err != nil {
		return models.Message{}, err
	}
	metrics.MessagesInserted.Inc()
	return inserted, nil
}

func (s *DurableStore) insertMessageTx(ctx context.Context, tx *sql.Tx, caller string, msg models.Message) (models.Message, error) {
	if msg.ConversationID == "" {
		conversationID, err := s.resolveOrCreateConversation(ctx, tx, msg)
		if err != nil {
			return models.Message{}, err
		}
		msg.ConversationID = conversationID
	} else {
		conv, err := s.getConversation(ctx, tx, msg.ConversationID)
		if err != nil {
			return models.Message{}, err
		}
		if err := access.CanWriteConversation(caller, conv); err != nil {
			return models.Message{}, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender, receiver, content,
			created_at, status, error, retries, encrypted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.Sender, msg.Receiver, msg.Content,
		msg.Timestamp.UnixNano(), msg.Status, msg.Error, msg.Retries, boolToInt(msg.Encrypted)); err != nil {
		return models.Message{}, err
	}

	// Post-insert rollup, unconditional overwrite.
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message = ?, last_message_time = ?, updated_at = ?
		WHERE id = ?
	`, msg.Content, msg.Timestamp.UnixNano(), time.Now().UTC().UnixNano(), msg.ConversationID); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func (s *DurableStore) resolveOrCreateConversation(ctx context.Context, tx *sql.Tx, msg models.Message) (string, error) {
	pairKey := models.PairKey(msg.Sender, msg.Receiver)

	var id string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM conversations WHERE pair_key = ? AND is_group = 0
	`, pairKey).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	id = uuid.NewString()
	now := time.Now().UTC().UnixNano()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, participants, pair_key, last_message,
			last_message_time, is_group, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`, id, models.JoinParticipants([]string{msg.Sender, msg.Receiver}), pairKey,
		msg.Content, msg.Timestamp.UnixNano(), now); err != nil {
		return "", err
	}
	metrics.ConversationsCreated.Inc()
	return id, nil
}

func (s *DurableStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isPairConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: conversations.pair_key")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
