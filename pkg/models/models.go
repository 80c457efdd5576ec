package models

import (
	"strings"
	"time"
)

// Message status lifecycle. A message is created client-side as
// StatusSending and moves to StatusSent or StatusFailed at the send
// boundary; StatusDelivered and StatusPendingDecryption come from
// transport events.
const (
	StatusSending           = "sending"
	StatusSent              = "sent"
	StatusDelivered         = "delivered"
	StatusPendingDecryption = "pending_decryption"
	StatusFailed            = "failed"
)

// Transport tags identify which channel delivered a message.
const (
	TransportStore = "store"
	TransportP2P   = "p2p"
)

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Sender         string    `json:"sender"`
	Receiver       string    `json:"receiver"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Status         string    `json:"status"`
	Transport      string    `json:"transport"`
	Encrypted      bool      `json:"encrypted"`
	Error          string    `json:"error,omitempty"`
	Retries        int       `json:"retries,omitempty"`
}

type Profile struct {
	Address   string    `json:"address"`
	Username  string    `json:"username"`
	Bio       string    `json:"bio,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type AttachmentMeta struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	Name      string    `json:"name"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// PresenceSet is the full online-peer set reported by the transport.
// Each delivery supersedes the previous set.
type PresenceSet map[string]struct{}

func NormalizeMessage(msg Message) Message {
	msg.ID = strings.TrimSpace(msg.ID)
	msg.ConversationID = strings.TrimSpace(msg.ConversationID)
	msg.Sender = NormalizeIdentity(msg.Sender)
	msg.Receiver = NormalizeIdentity(msg.Receiver)
	if msg.Status == "" {
		msg.Status = StatusSent
	}
	if msg.Transport == "" {
		msg.Transport = TransportStore
	}
	return msg
}

// NormalizeIdentity canonicalizes a wallet address for use as a
// principal key. Identities compare case-insensitively.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// MergeStatus keeps status transitions monotonic so a message never
// moves backwards from delivered to sent when the two transports race.
func MergeStatus(current, candidate string) string {
	if statusRank(candidate) >= statusRank(current) {
		return candidate
	}
	return current
}

func statusRank(status string) int {
	switch status {
	case StatusSending:
		return 1
	case StatusPendingDecryption:
		return 2
	case StatusSent:
		return 3
	case StatusDelivered:
		return 4
	case StatusFailed:
		return 5
	default:
		return 0
	}
}
