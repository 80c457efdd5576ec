package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"kraken-chat/go-backend/pkg/models"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestSendBeforeInitializeIsRejected(t *testing.T) {
	n := NewNode(Config{})
	err := n.SendMessage(context.Background(), WireMessage{ID: "m1", Recipient: "0xbb", Content: "hi"})
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestMessageDeliveryBetweenNodes(t *testing.T) {
	ctx := context.Background()
	a := NewNode(Config{})
	b := NewNode(Config{})
	defer a.Destroy()
	defer b.Destroy()

	var got []WireMessage
	done := make(chan struct{}, 1)
	b.OnMessage(func(msg WireMessage) {
		got = append(got, msg)
		done <- struct{}{}
	})

	if err := a.Initialize(ctx, "0xaa-delivery"); err != nil {
		t.Fatalf("init a: %v", err)
	}
	if err := b.Initialize(ctx, "0xbb-delivery"); err != nil {
		t.Fatalf("init b: %v", err)
	}

	if err := a.SendMessage(ctx, WireMessage{ID: "m1", Recipient: "0xBB-delivery", Content: "hi", Encrypted: true}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("message not delivered")
	}
	if len(got) != 1 || got[0].ID != "m1" || got[0].Sender != "0xaa-delivery" || !got[0].Encrypted {
		t.Fatalf("unexpected delivery %v", got)
	}
}

func TestMailboxDrainsOnSubscribe(t *testing.T) {
	ctx := context.Background()
	a := NewNode(Config{})
	defer a.Destroy()
	if err := a.Initialize(ctx, "0xaa-mailbox"); err != nil {
		t.Fatalf("init a: %v", err)
	}
	if err := a.SendMessage(ctx, WireMessage{ID: "m1", Recipient: "0xbb-mailbox", Content: "offline"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	b := NewNode(Config{})
	defer b.Destroy()
	received := make(chan WireMessage, 1)
	b.OnMessage(func(msg WireMessage) { received <- msg })
	if err := b.Initialize(ctx, "0xbb-mailbox"); err != nil {
		t.Fatalf("init b: %v", err)
	}

	select {
	case msg := <-received:
		if msg.ID != "m1" {
			t.Fatalf("unexpected message %v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("mailbox message not drained")
	}
}

func TestMailboxDrainsWhenHandlerRegisteredLate(t *testing.T) {
	ctx := context.Background()
	a := NewNode(Config{})
	defer a.Destroy()
	if err := a.Initialize(ctx, "0xaa-latehandler"); err != nil {
		t.Fatalf("init a: %v", err)
	}
	if err := a.SendMessage(ctx, WireMessage{ID: "m1", Recipient: "0xbb-latehandler", Content: "offline"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Initialize drains the mailbox before any handler exists; the
	// delivery must be held, not dropped.
	b := NewNode(Config{})
	defer b.Destroy()
	if err := b.Initialize(ctx, "0xbb-latehandler"); err != nil {
		t.Fatalf("init b: %v", err)
	}

	received := make(chan WireMessage, 1)
	b.OnMessage(func(msg WireMessage) { received <- msg })

	select {
	case msg := <-received:
		if msg.ID != "m1" {
			t.Fatalf("unexpected message %v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("held mailbox message not flushed to late handler")
	}
}

func TestPresenceReplayedToLateHandler(t *testing.T) {
	ctx := context.Background()
	a := NewNode(Config{})
	defer a.Destroy()
	if err := a.Initialize(ctx, "0xaa-latepresence"); err != nil {
		t.Fatalf("init a: %v", err)
	}

	sets := make(chan models.PresenceSet, 8)
	a.OnPresence(func(set models.PresenceSet) { sets <- set })

	waitFor(t, 2*time.Second, func() bool {
		select {
		case set := <-sets:
			_, ok := set["0xaa-latepresence"]
			return ok
		default:
			return false
		}
	})
}

func TestPresenceSupersedesPreviousSet(t *testing.T) {
	ctx := context.Background()
	a := NewNode(Config{})
	defer a.Destroy()

	sets := make(chan models.PresenceSet, 8)
	a.OnPresence(func(set models.PresenceSet) { sets <- set })
	if err := a.Initialize(ctx, "0xaa-presence"); err != nil {
		t.Fatalf("init a: %v", err)
	}

	b := NewNode(Config{})
	if err := b.Initialize(ctx, "0xbb-presence"); err != nil {
		t.Fatalf("init b: %v", err)
	}

	sawOnline := func() bool {
		select {
		case set := <-sets:
			_, ok := set["0xbb-presence"]
			return ok
		default:
			return false
		}
	}
	waitFor(t, 2*time.Second, sawOnline)

	b.Destroy()
	sawOffline := func() bool {
		select {
		case set := <-sets:
			_, ok := set["0xbb-presence"]
			return !ok
		default:
			return false
		}
	}
	waitFor(t, 2*time.Second, sawOffline)
}

func TestDestroyStopsDelivery(t *testing.T) {
	ctx := context.Background()
	a := NewNode(Config{})
	b := NewNode(Config{})
	defer a.Destroy()

	delivered := make(chan WireMessage, 4)
	b.OnMessage(func(msg WireMessage) { delivered <- msg })
	if err := a.Initialize(ctx, "0xaa-destroy"); err != nil {
		t.Fatalf("init a: %v", err)
	}
	if err := b.Initialize(ctx, "0xbb-destroy"); err != nil {
		t.Fatalf("init b: %v", err)
	}

	b.Destroy()
	// The message lands in the mailbox now; no callback may fire.
	if err := a.SendMessage(ctx, WireMessage{ID: "m1", Recipient: "0xbb-destroy", Content: "late"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case msg := <-delivered:
		t.Fatalf("delivery after destroy: %v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDestroyBeforeInitializeIsSafe(t *testing.T) {
	n := NewNode(Config{})
	n.Destroy()
	n.Destroy()
}

func TestConnectionStatusIsPolled(t *testing.T) {
	n := NewNode(Config{})
	if n.ConnectionStatus().Connected {
		t.Fatalf("uninitialized node must report disconnected")
	}
	if err := n.Initialize(context.Background(), "0xaa-status"); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer n.Destroy()
	if !n.ConnectionStatus().Connected {
		t.Fatalf("initialized mock node must report connected")
	}
}

func TestSendRateLimit(t *testing.T) {
	n := NewNode(Config{SendRatePerSec: 1, SendBurst: 1})
	defer n.Destroy()
	if err := n.Initialize(context.Background(), "0xaa-ratelimit"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := n.SendMessage(context.Background(), WireMessage{ID: "m1", Recipient: "0xbb-rl", Content: "one"}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	err := n.SendMessage(context.Background(), WireMessage{ID: "m2", Recipient: "0xbb-rl", Content: "two"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}
