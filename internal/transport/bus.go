package transport

import (
	"context"
	"sync"

	"kraken-chat/go-backend/pkg/models"
)

// memoryBus routes wire messages between in-process nodes. Messages
// for recipients without a live subscription wait in a mailbox and
// drain on subscribe. The online set is exactly the set of subscribed
// identities; every change is pushed to all presence watchers as a
// full replacement set.
type memoryBus struct {
	mu          sync.Mutex
	subscribers map[string]func(WireMessage)
	watchers    map[string]func(models.PresenceSet)
	mailbox     map[string][]WireMessage
}

var globalBus = &memoryBus{
	subscribers: make(map[string]func(WireMessage)),
	watchers:    make(map[string]func(models.PresenceSet)),
	mailbox:     make(map[string][]WireMessage),
}

func (b *memoryBus) publish(msg WireMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if handler, ok := b.subscribers[msg.Recipient]; ok {
		go handler(msg)
		return
	}
	b.mailbox[msg.Recipient] = append(b.mailbox[msg.Recipient], msg)
}

func (b *memoryBus) subscribe(identity string, onMessage func(WireMessage), onPresence func(models.PresenceSet)) {
	b.mu.Lock()
	b.subscribers[identity] = onMessage
	if onPresence != nil {
		b.watchers[identity] = onPresence
	}
	pending := append([]WireMessage(nil), b.mailbox[identity]...)
	delete(b.mailbox, identity)
	b.notifyPresenceLocked()
	b.mu.Unlock()

	for _, msg := range pending {
		onMessage(msg)
	}
}

func (b *memoryBus) unsubscribe(identity string) {
	b.mu.Lock()
	delete(b.subscribers, identity)
	delete(b.watchers, identity)
	b.notifyPresenceLocked()
	b.mu.Unlock()
}

func (b *memoryBus) peerCount(identity string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := len(b.subscribers)
	if _, ok := b.subscribers[identity]; ok {
		count--
	}
	return count
}

func (b *memoryBus) notifyPresenceLocked() {
	online := make(models.PresenceSet, len(b.subscribers))
	for id := range b.subscribers {
		online[id] = struct{}{}
	}
	for _, watch := range b.watchers {
		set := make(models.PresenceSet, len(online))
		for id := range online {
			set[id] = struct{}{}
		}
		go watch(set)
	}
}

// busBackend adapts the shared in-process bus to the backend contract.
type busBackend struct {
	mu     sync.Mutex
	selfID string
	active bool
}

func newBusBackend() backend {
	return &busBackend{}
}

func (b *busBackend) Start(_ context.Context, _ Config) error { return nil }

func (b *busBackend) Stop() {
	b.Unsubscribe()
}

func (b *busBackend) PeerCount() int {
	b.mu.Lock()
	selfID := b.selfID
	b.mu.Unlock()
	return globalBus.peerCount(selfID)
}

func (b *busBackend) SetIdentity(identityID string) {
	b.mu.Lock()
	b.selfID = identityID
	b.mu.Unlock()
}

func (b *busBackend) Subscribe(onMessage func(WireMessage), onPresence func(models.PresenceSet)) error {
	b.mu.Lock()
	selfID := b.selfID
	b.active = true
	b.mu.Unlock()
	globalBus.subscribe(selfID, onMessage, onPresence)
	return nil
}

func (b *busBackend) Publish(_ context.Context, msg WireMessage) error {
	globalBus.publish(msg)
	return nil
}

func (b *busBackend) Unsubscribe() {
	b.mu.Lock()
	selfID := b.selfID
	active := b.active
	b.active = false
	b.mu.Unlock()
	if active && selfID != "" {
		globalBus.unsubscribe(selfID)
	}
}
