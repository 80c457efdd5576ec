package reconcile

import (
	"sort"

	"kraken-chat/go-backend/pkg/models"
)

// DeriveSummaries reduces a message list to one summary per peer
// conversation of self. It is a pure function of its inputs: the same
// messages and identity always produce the same slice, regardless of
// prior engine state.
//
// The representative message of each pair is the one with the highest
// timestamp; on equal timestamps the later element of msgs wins, so a
// timestamp-ascending input resolves ties in insertion order.
func DeriveSummaries(msgs []models.Message, self string) []models.ConversationSummary {
	self = models.NormalizeIdentity(self)

	latest := make(map[string]models.Message)
	for _, msg := range msgs {
		if msg.Sender != self && msg.Receiver != self {
			continue
		}
		key := models.PairKey(msg.Sender, msg.Receiver)
		if prev, ok := latest[key]; ok && msg.Timestamp.Before(prev.Timestamp) {
			continue
		}
		latest[key] = msg
	}

	summaries := make([]models.ConversationSummary, 0, len(latest))
	for key, msg := range latest {
		peer := msg.Sender
		if peer == self {
			peer = msg.Receiver
		}
		summaries = append(summaries, models.ConversationSummary{
			PairKey:         key,
			Peer:            peer,
			LastMessage:     msg.Content,
			LastMessageTime: msg.Timestamp,
			LastMessageID:   msg.ID,
			Encrypted:       msg.Encrypted,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].LastMessageTime.Equal(summaries[j].LastMessageTime) {
			return summaries[i].LastMessageTime.After(summaries[j].LastMessageTime)
		}
		return summaries[i].PairKey < summaries[j].PairKey
	})
	return summaries
}
