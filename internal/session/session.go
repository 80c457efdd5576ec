// Package session wires one identity's runtime: credential
// resolution, durable store, encrypted local cache, transport node and
// the reconciliation engine. Everything a session needs is owned by
// the Session value; there is no package-level state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"kraken-chat/go-backend/internal/config"
	"kraken-chat/go-backend/internal/identity"
	"kraken-chat/go-backend/internal/reconcile"
	"kraken-chat/go-backend/internal/storage"
	"kraken-chat/go-backend/internal/transport"
	"kraken-chat/go-backend/pkg/models"
)

type Options struct {
	// Email and RawID are the two credential shapes; exactly one side
	// must resolve. See identity.ParseCredential.
	Email string
	RawID string

	Config config.Config
	Logger *slog.Logger
}

type Session struct {
	credential identity.Credential
	durable    *storage.DurableStore
	cache      *storage.LocalStore
	node       *transport.Node
	engine     *reconcile.Engine
	hub        *reconcile.Hub
	log        *slog.Logger
	localOnly  bool
}

// Open resolves the credential, opens both stores, brings up the
// transport and starts the engine. A transport that fails to
// initialize is not fatal: the session degrades to local-only and the
// first send reports the transport as unavailable.
func Open(ctx context.Context, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config

	cred, err := identity.ParseCredential(opts.Email, opts.RawID)
	if err != nil {
		return nil, fmt.Errorf("resolve credential: %w", err)
	}
	self := cred.Identity()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	durable, err := storage.OpenDurableStore(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open durable store: %w", err)
	}

	cache, err := storage.NewPersistentLocalStore(cfg.Cache.Path, cfg.CachePassphrase())
	if err != nil {
		durable.Close()
		return nil, fmt.Errorf("open local cache: %w", err)
	}

	s := &Session{
		credential: cred,
		durable:    durable,
		cache:      cache,
		hub:        reconcile.NewHub(256),
		log:        logger,
	}

	// The engine starts first so its handlers are registered before
	// Initialize: a backend may drain its offline mailbox during
	// Initialize, and those deliveries must land in the engine.
	node := transport.NewNode(cfg.Network)
	s.engine = reconcile.NewEngine(reconcile.Deps{
		Self:   self,
		Local:  cache,
		Node:   node,
		Hub:    s.hub,
		Logger: logger,
	})
	if err := s.engine.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}

	if err := node.Initialize(ctx, self); err != nil {
		logger.Warn("transport unavailable, running local-only", "error", err)
		node.Destroy()
		s.localOnly = true
	} else {
		s.node = node
	}

	if err := s.backfill(ctx); err != nil {
		logger.Warn("durable backfill incomplete", "error", err)
	}

	logger.Info("session opened",
		"kind", cred.Kind(),
		"local_only", s.localOnly,
	)
	return s, nil
}

// backfill merges the durable history into the engine. Messages the
// cache already held are discarded by id.
func (s *Session) backfill(ctx context.Context) error {
	msgs, err := s.durable.ListMessages(ctx, s.Identity())
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := s.engine.Ingest(msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) Identity() string { return s.credential.Identity() }

func (s *Session) Credential() identity.Credential { return s.credential }

// LocalOnly reports whether the session came up without a transport.
func (s *Session) LocalOnly() bool { return s.localOnly }

// SendMessage sends over the transport and persists through the
// conversation materializer. The durable write uses the id the engine
// assigned, so replaying the same message from the store later
// deduplicates cleanly. A transport failure still persists the failed
// message; the caller decides whether to retry.
func (s *Session) SendMessage(ctx context.Context, recipient, content string, encrypted bool) (models.Message, error) {
	msg, sendErr := s.engine.Send(ctx, recipient, content, encrypted)
	if sendErr != nil && !errors.Is(sendErr, transport.ErrUnavailable) {
		return msg, sendErr
	}
	if msg.ID == "" {
		return msg, sendErr
	}

	persisted, err := s.durable.InsertMessage(ctx, s.Identity(), msg)
	if err != nil {
		s.log.Warn("durable persist failed", "error", err)
		return msg, errors.Join(sendErr, err)
	}
	return persisted, sendErr
}

func (s *Session) Messages() []models.Message { return s.engine.Messages() }

func (s *Session) Summaries() []models.ConversationSummary { return s.engine.Summaries() }

func (s *Session) Presence() models.PresenceSet { return s.engine.Presence() }

func (s *Session) Conversations(ctx context.Context) ([]models.Conversation, error) {
	return s.durable.ListConversations(ctx, s.Identity())
}

func (s *Session) SaveProfile(ctx context.Context, profile models.Profile) error {
	return s.durable.SaveProfile(ctx, s.Identity(), profile)
}

func (s *Session) Profiles(ctx context.Context) ([]models.Profile, error) {
	return s.durable.ListProfiles(ctx, s.Identity())
}

// Subscribe attaches to the notification hub. See Hub.Subscribe.
func (s *Session) Subscribe(fromSeq int64) ([]reconcile.Event, <-chan reconcile.Event, func()) {
	return s.hub.Subscribe(fromSeq)
}

// TransportStatus reports the polled connection state; local-only
// sessions are permanently disconnected.
func (s *Session) TransportStatus() transport.Status {
	if s.node == nil {
		return transport.Status{State: transport.StateDisconnected}
	}
	return s.node.ConnectionStatus()
}

// Close tears the session down in reverse dependency order. It is
// safe to call on a partially opened session.
func (s *Session) Close() {
	if s.engine != nil {
		s.engine.Close()
	}
	if s.node != nil {
		s.node.Destroy()
	}
	if s.durable != nil {
		if err := s.durable.Close(); err != nil {
			s.log.Warn("durable store close failed", "error", err)
		}
	}
}
