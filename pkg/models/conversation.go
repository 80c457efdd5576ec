package models

import (
	"strings"
	"time"
)

type Conversation struct {
	ID              string    `json:"id"`
	Participants    []string  `json:"participants"`
	LastMessage     string    `json:"last_message"`
	LastMessageTime time.Time `json:"last_message_time"`
	IsGroup         bool      `json:"is_group"`
	GroupName       string    `json:"group_name,omitempty"`
	GroupAvatar     string    `json:"group_avatar,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ConversationSummary is the client-side derived view of a thread. It
// is recomputed from the full message list, never stored.
type ConversationSummary struct {
	PairKey         string    `json:"pair_key"`
	Peer            string    `json:"peer"`
	LastMessage     string    `json:"last_message"`
	LastMessageTime time.Time `json:"last_message_time"`
	LastMessageID   string    `json:"last_message_id"`
	Encrypted       bool      `json:"encrypted"`
}

// PairKey maps the unordered participant pair to its canonical key.
// Non-group conversations carry at most one row per key.
func PairKey(a, b string) string {
	a = NormalizeIdentity(a)
	b = NormalizeIdentity(b)
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

func (c Conversation) HasParticipant(identity string) bool {
	identity = NormalizeIdentity(identity)
	for _, p := range c.Participants {
		if NormalizeIdentity(p) == identity {
			return true
		}
	}
	return false
}

// OtherParticipant returns the peer side of a direct conversation.
func (c Conversation) OtherParticipant(identity string) string {
	identity = NormalizeIdentity(identity)
	for _, p := range c.Participants {
		if NormalizeIdentity(p) != identity {
			return NormalizeIdentity(p)
		}
	}
	return identity
}

func NormalizeParticipants(participants []string) []string {
	out := make([]string, 0, len(participants))
	seen := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		p = NormalizeIdentity(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func JoinParticipants(participants []string) string {
	return strings.Join(NormalizeParticipants(participants), ",")
}

func SplitParticipants(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return NormalizeParticipants(strings.Split(raw, ","))
}
