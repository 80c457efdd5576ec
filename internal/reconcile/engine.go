// Package reconcile keeps one identity's client-visible message state
// consistent across everything that can mutate it: local sends,
// transport deliveries and presence updates. All mutations funnel
// through a single consumer loop, so state transitions never race and
// summaries are re-derived exactly once per change.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"kraken-chat/go-backend/internal/platform/metrics"
	"kraken-chat/go-backend/internal/storage"
	"kraken-chat/go-backend/internal/transport"
	"kraken-chat/go-backend/pkg/models"
)

var (
	ErrClosed          = errors.New("reconcile engine is closed")
	ErrEmptyRecipient  = errors.New("recipient is required")
	ErrEmptyContent    = errors.New("message content is required")
	ErrAlreadyStarted  = errors.New("reconcile engine already started")
	errMessageUnknown  = errors.New("message id is not tracked")
	errTransportAbsent = errors.New("no transport configured")
)

const mutationQueueSize = 256

type Deps struct {
	Self   string
	Local  *storage.LocalStore
	Node   *transport.Node
	Hub    *Hub
	Logger *slog.Logger
}

// Engine owns the in-memory view of one identity's messages. Readers
// get copies; writers go through the mutation queue.
type Engine struct {
	self  string
	local *storage.LocalStore
	node  *transport.Node
	hub   *Hub
	log   *slog.Logger

	mutations chan func()
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	started bool

	mu        sync.RWMutex
	messages  []models.Message
	known     map[string]struct{}
	summaries []models.ConversationSummary
	presence  models.PresenceSet
}

func NewEngine(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		self:      models.NormalizeIdentity(deps.Self),
		local:     deps.Local,
		node:      deps.Node,
		hub:       deps.Hub,
		log:       logger,
		mutations: make(chan func(), mutationQueueSize),
		done:      make(chan struct{}),
		known:     make(map[string]struct{}),
		presence:  models.PresenceSet{},
	}
}

// Start loads the cached history, wires transport callbacks and spins
// up the mutation loop. It must be called exactly once.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true

	if e.local != nil {
		for _, msg := range e.local.ListMessages() {
			e.messages = append(e.messages, msg)
			e.known[msg.ID] = struct{}{}
		}
	}
	e.summaries = DeriveSummaries(e.messages, e.self)

	e.wg.Add(1)
	go e.run(ctx)

	if e.node != nil {
		e.node.OnMessage(func(wire transport.WireMessage) {
			msg := messageFromWire(wire)
			if err := e.Ingest(msg); err != nil && !errors.Is(err, ErrClosed) {
				e.log.Warn("inbound message dropped", "error", err)
			}
		})
		e.node.OnPresence(func(set models.PresenceSet) {
			_ = e.apply(func() { e.replacePresence(set) })
		})
	}
	return nil
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case <-ctx.Done():
			e.closeOnce.Do(func() { close(e.done) })
			return
		case fn := <-e.mutations:
			fn()
		}
	}
}

// Close stops the mutation loop. Mutations that have not been applied
// yet are discarded; snapshot readers keep working.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.done) })
	e.wg.Wait()
}

// apply runs fn on the mutation loop and waits for it to finish.
func (e *Engine) apply(fn func()) error {
	applied := make(chan struct{})
	wrapped := func() {
		defer close(applied)
		fn()
	}
	select {
	case e.mutations <- wrapped:
	case <-e.done:
		return ErrClosed
	}
	select {
	case <-applied:
		return nil
	case <-e.done:
		return ErrClosed
	}
}

// Ingest merges one message into the engine regardless of which
// channel produced it. A message whose id is already tracked is
// discarded, which is what makes a dual delivery of the same message
// over the durable path and the P2P path converge to one entry.
func (e *Engine) Ingest(msg models.Message) error {
	msg = models.NormalizeMessage(msg)
	if msg.ID == "" {
		return storage.ErrInvalidMessage
	}
	return e.apply(func() { e.merge(msg) })
}

// merge runs on the mutation loop.
func (e *Engine) merge(msg models.Message) bool {
	e.mu.Lock()
	if _, ok := e.known[msg.ID]; ok {
		e.mu.Unlock()
		metrics.DedupHits.Inc()
		return false
	}
	e.known[msg.ID] = struct{}{}
	e.messages = append(e.messages, msg)
	sort.SliceStable(e.messages, func(i, j int) bool {
		return e.messages[i].Timestamp.Before(e.messages[j].Timestamp)
	})
	e.summaries = DeriveSummaries(e.messages, e.self)
	e.mu.Unlock()

	metrics.MergesTotal.Inc()
	if e.local != nil {
		if err := e.local.SaveMessage(msg); err != nil {
			e.log.Warn("cache write failed", "error", err)
		}
	}
	if e.hub != nil {
		e.hub.Publish(MethodMessageNew, msg)
		e.hub.Publish(MethodConversationUpdated, models.PairKey(msg.Sender, msg.Receiver))
	}
	return true
}

// Send creates an outbound message, makes it visible immediately with
// status sending, then resolves it to sent or failed from the
// transport outcome. A failed message stays in the list with its
// error; retrying is the caller's decision.
func (e *Engine) Send(ctx context.Context, recipient, content string, encrypted bool) (models.Message, error) {
	recipient = models.NormalizeIdentity(recipient)
	if recipient == "" {
		return models.Message{}, ErrEmptyRecipient
	}
	if content == "" {
		return models.Message{}, ErrEmptyContent
	}

	msg := models.Message{
		ID:        uuid.NewString(),
		Sender:    e.self,
		Receiver:  recipient,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Status:    models.StatusSending,
		Transport: models.TransportP2P,
		Encrypted: encrypted,
	}
	if err := e.apply(func() { e.merge(msg) }); err != nil {
		return models.Message{}, err
	}

	sendErr := e.deliver(ctx, msg)

	finalStatus := models.StatusSent
	errText := ""
	if sendErr != nil {
		finalStatus = models.StatusFailed
		errText = sendErr.Error()
	}
	if err := e.apply(func() { e.transition(msg.ID, finalStatus, errText) }); err != nil {
		return msg, err
	}
	metrics.SendsTotal.WithLabelValues(finalStatus).Inc()

	msg.Status = finalStatus
	msg.Error = errText
	if sendErr != nil {
		e.log.Warn("send failed", "recipient", recipient, "error", sendErr)
	}
	return msg, sendErr
}

func (e *Engine) deliver(ctx context.Context, msg models.Message) error {
	if e.node == nil {
		return errors.Join(transport.ErrUnavailable, errTransportAbsent)
	}
	return e.node.SendMessage(ctx, transport.WireMessage{
		ID:        msg.ID,
		Sender:    msg.Sender,
		Recipient: msg.Receiver,
		Content:   msg.Content,
		Encrypted: msg.Encrypted,
		SentAt:    msg.Timestamp,
	})
}

// transition runs on the mutation loop. The message keeps its id and
// position; only status and error change.
func (e *Engine) transition(messageID, status, errText string) {
	e.mu.Lock()
	idx := -1
	for i := range e.messages {
		if e.messages[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		e.log.Warn("status transition for unknown message", "error", errMessageUnknown)
		return
	}
	merged := models.MergeStatus(e.messages[idx].Status, status)
	e.messages[idx].Status = merged
	if merged == status {
		// A rejected downgrade keeps the error of the state that won.
		e.messages[idx].Error = errText
	}
	updated := e.messages[idx]
	e.summaries = DeriveSummaries(e.messages, e.self)
	e.mu.Unlock()

	if e.local != nil {
		if _, err := e.local.UpdateMessageStatus(messageID, status); err != nil {
			e.log.Warn("cache status update failed", "error", err)
		}
	}
	if e.hub != nil {
		e.hub.Publish(MethodMessageStatus, updated)
	}
}

// replacePresence runs on the mutation loop. Each transport delivery
// carries the full online set and supersedes the previous one.
func (e *Engine) replacePresence(set models.PresenceSet) {
	next := make(models.PresenceSet, len(set))
	for id := range set {
		next[models.NormalizeIdentity(id)] = struct{}{}
	}
	e.mu.Lock()
	e.presence = next
	e.mu.Unlock()

	if e.hub != nil {
		e.hub.Publish(MethodPresenceUpdated, len(next))
	}
}

// Messages returns a timestamp-ascending copy of the tracked messages.
func (e *Engine) Messages() []models.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.Message, len(e.messages))
	copy(out, e.messages)
	return out
}

// Summaries returns the current per-conversation rollups, newest
// first.
func (e *Engine) Summaries() []models.ConversationSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.ConversationSummary, len(e.summaries))
	copy(out, e.summaries)
	return out
}

// Presence returns a copy of the latest full online set.
func (e *Engine) Presence() models.PresenceSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(models.PresenceSet, len(e.presence))
	for id := range e.presence {
		out[id] = struct{}{}
	}
	return out
}

func messageFromWire(wire transport.WireMessage) models.Message {
	return models.Message{
		ID:        wire.ID,
		Sender:    wire.Sender,
		Receiver:  wire.Recipient,
		Content:   wire.Content,
		Timestamp: wire.SentAt,
		Status:    models.StatusDelivered,
		Transport: models.TransportP2P,
		Encrypted: wire.Encrypted,
	}
}
