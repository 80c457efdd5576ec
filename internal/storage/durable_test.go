package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"kraken-chat/go-backend/internal/access"
	"kraken-chat/go-backend/pkg/models"
)

func newTestStore(t *testing.T) *DurableStore {
	t.Helper()
	s, err := OpenDurableStore(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFirstMessageMaterializesConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg, err := s.InsertMessage(ctx, "0xaa", models.Message{
		Sender: "0xAA", Receiver: "0xBB", Content: "hi",
	})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if msg.ConversationID == "" {
		t.Fatalf("expected message bound to a conversation")
	}

	conv, err := s.GetConversation(ctx, "0xaa", msg.ConversationID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(conv.Participants) != 2 || conv.Participants[0] != "0xaa" || conv.Participants[1] != "0xbb" {
		t.Fatalf("unexpected participants %v", conv.Participants)
	}
	if conv.LastMessage != "hi" {
		t.Fatalf("expected seeded rollup, got %q", conv.LastMessage)
	}
	if conv.IsGroup {
		t.Fatalf("direct conversation must not be a group")
	}
}

func TestReversedPairBindsSameConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.InsertMessage(ctx, "0xaa", models.Message{Sender: "0xaa", Receiver: "0xbb", Content: "one"})
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	second, err := s.InsertMessage(ctx, "0xbb", models.Message{Sender: "0xbb", Receiver: "0xaa", Content: "two"})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if first.ConversationID != second.ConversationID {
		t.Fatalf("reversed pair created a second conversation: %q vs %q", first.ConversationID, second.ConversationID)
	}
}

func TestRollupAlwaysReflectsLastInsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	first, err := s.InsertMessage(ctx, "0xaa", models.Message{
		Sender: "0xaa", Receiver: "0xbb", Content: "newer", Timestamp: base,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Backfill with an older timestamp: rollup still takes the newest
	// insert, documented last-insert-wins semantics.
	if _, err := s.InsertMessage(ctx, "0xaa", models.Message{
		Sender: "0xaa", Receiver: "0xbb", Content: "older", Timestamp: base.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("backfill insert: %v", err)
	}

	conv, err := s.GetConversation(ctx, "0xaa", first.ConversationID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.LastMessage != "older" {
		t.Fatalf("rollup must reflect last insert, got %q", conv.LastMessage)
	}
	if !conv.LastMessageTime.Equal(base.Add(-time.Hour).Truncate(time.Nanosecond)) {
		t.Fatalf("unexpected rollup time %v", conv.LastMessageTime)
	}
}

func TestConcurrentFirstMessagesConverge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	type result struct {
		conversationID string
		err            error
	}
	results := make(chan result, 2)
	for _, sender := range []string{"0xaa", "0xbb"} {
		go func(sender string) {
			receiver := "0xaa"
			if sender == "0xaa" {
				receiver = "0xbb"
			}
			msg, err := s.InsertMessage(ctx, sender, models.Message{
				Sender: sender, Receiver: receiver, Content: "race",
			})
			results <- result{msg.ConversationID, err}
		}(sender)
	}

	var ids []string
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("concurrent insert failed: %v", r.err)
		}
		ids = append(ids, r.conversationID)
	}
	if ids[0] != ids[1] {
		t.Fatalf("concurrent first messages must converge to one conversation: %q vs %q", ids[0], ids[1])
	}
}

func TestInsertMessageRequiresDeclaredSender(t *testing.T) {
	s := newTestStore(t)
	_, err := s.InsertMessage(context.Background(), "0xbb", models.Message{
		Sender: "0xaa", Receiver: "0xbb", Content: "spoofed",
	})
	if !errors.Is(err, access.ErrDenied) {
		t.Fatalf("expected ErrDenied for spoofed sender, got %v", err)
	}
}

func TestListMessagesScopedToCaller(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertMessage(ctx, "0xaa", models.Message{Sender: "0xaa", Receiver: "0xbb", Content: "ab"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.InsertMessage(ctx, "0xcc", models.Message{Sender: "0xcc", Receiver: "0xdd", Content: "cd"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	msgs, err := s.ListMessages(ctx, "0xaa")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "ab" {
		t.Fatalf("expected only caller-scoped messages, got %v", msgs)
	}
}

func TestUpdateMessageStatusIsMonotonicAndSenderOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg, err := s.InsertMessage(ctx, "0xaa", models.Message{
		Sender: "0xaa", Receiver: "0xbb", Content: "hi", Status: models.StatusDelivered,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	updated, err := s.UpdateMessageStatus(ctx, "0xaa", msg.ID, models.StatusSent)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != models.StatusDelivered {
		t.Fatalf("status must not regress, got %q", updated.Status)
	}

	if _, err := s.UpdateMessageStatus(ctx, "0xbb", msg.ID, models.StatusFailed); !errors.Is(err, access.ErrDenied) {
		t.Fatalf("receiver must not update status, got %v", err)
	}
}

func TestAttachmentGatedOnConversationMembership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg, err := s.InsertMessage(ctx, "0xaa", models.Message{Sender: "0xaa", Receiver: "0xbb", Content: "file incoming"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	att := models.AttachmentMeta{MessageID: msg.ID, Name: "pic.png", MimeType: "image/png", Size: 42}
	if err := s.SaveAttachment(ctx, "0xbb", att); err != nil {
		t.Fatalf("participant attachment save must pass: %v", err)
	}
	if err := s.SaveAttachment(ctx, "0xcc", att); !errors.Is(err, access.ErrDenied) {
		t.Fatalf("outsider attachment save must be denied, got %v", err)
	}

	list, err := s.ListAttachments(ctx, "0xaa", msg.ID)
	if err != nil {
		t.Fatalf("list attachments: %v", err)
	}
	if len(list) != 1 || list[0].Name != "pic.png" {
		t.Fatalf("unexpected attachments %v", list)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveProfile(ctx, "0xaa", models.Profile{Address: "0xAA", Username: "alice"}); err != nil {
		t.Fatalf("save profile: %v", err)
	}
	if err := s.SaveProfile(ctx, "0xaa", models.Profile{Address: "0xbb", Username: "mallory"}); !errors.Is(err, access.ErrDenied) {
		t.Fatalf("writing another identity's profile must be denied, got %v", err)
	}

	p, err := s.GetProfile(ctx, "0xbb", "0xaa")
	if err != nil {
		t.Fatalf("any authenticated identity may read profiles: %v", err)
	}
	if p.Username != "alice" {
		t.Fatalf("unexpected profile %v", p)
	}
}
