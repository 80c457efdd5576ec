package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"kraken-chat/go-backend/internal/securestore"
	"kraken-chat/go-backend/pkg/models"
)

var ErrMessageIDConflict = errors.New("message id conflict")

// LocalStore is the session-local durable message cache: everything
// the session has seen, queryable without a network round trip. It
// backs the reconciliation engine when the durable store is
// unreachable (local-only mode).
type LocalStore struct {
	mu       sync.RWMutex
	messages map[string]models.Message
	path     string
	secret   string
}

func NewLocalStore() *LocalStore {
	return &LocalStore{messages: make(map[string]models.Message)}
}

func NewPersistentLocalStore(path, passphrase string) (*LocalStore, error) {
	s := &LocalStore{
		messages: make(map[string]models.Message),
		path:     path,
		secret:   passphrase,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// SaveMessage stores a message. Re-saving an identical message is a
// no-op; a different message under an existing id is a conflict, since
// ids are the cross-transport deduplication key.
func (s *LocalStore) SaveMessage(msg models.Message) error {
	msg = models.NormalizeMessage(msg)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.messages[msg.ID]; ok {
		if messagesEqual(existing, msg) {
			return nil
		}
		return ErrMessageIDConflict
	}
	next := cloneMessages(s.messages)
	next[msg.ID] = msg
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.messages = next
	return nil
}

func (s *LocalStore) UpdateMessageStatus(messageID, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return false, nil
	}
	msg.Status = models.MergeStatus(msg.Status, status)
	next := cloneMessages(s.messages)
	next[messageID] = msg
	if err := s.persistLocked(next); err != nil {
		return false, err
	}
	s.messages = next
	return true, nil
}

func (s *LocalStore) GetMessage(messageID string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[messageID]
	return msg, ok
}

// ListMessages returns the current snapshot ordered by timestamp
// ascending. Safe to call repeatedly; always the durable state.
func (s *LocalStore) ListMessages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, 0, len(s.messages))
	for _, msg := range s.messages {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func (s *LocalStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *LocalStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	decoded := data
	if s.secret != "" {
		decoded, err = securestore.Decrypt(s.secret, data)
		if err != nil {
			if errors.Is(err, securestore.ErrLegacyData) {
				decoded = data
			} else {
				return err
			}
		}
	}

	var snapshot struct {
		Messages map[string]models.Message `json:"messages"`
	}
	if err := json.Unmarshal(decoded, &snapshot); err != nil {
		return err
	}
	if snapshot.Messages != nil {
		s.messages = snapshot.Messages
	}
	return nil
}

func (s *LocalStore) persistLocked(messages map[string]models.Message) error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	snapshot := struct {
		Messages map[string]models.Message `json:"messages"`
	}{Messages: messages}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if s.secret != "" {
		data, err = securestore.Encrypt(s.secret, data)
		if err != nil {
			return err
		}
	}
	return os.WriteFile(s.path, data, 0o600)
}

func cloneMessages(in map[string]models.Message) map[string]models.Message {
	out := make(map[string]models.Message, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func messagesEqual(a, b models.Message) bool {
	return a.ID == b.ID &&
		a.Sender == b.Sender &&
		a.Receiver == b.Receiver &&
		a.Content == b.Content &&
		a.Timestamp.Equal(b.Timestamp) &&
		a.Status == b.Status &&
		a.Encrypted == b.Encrypted
}
