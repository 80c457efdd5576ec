// Package metrics registers the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "krakenchat_messages_inserted_total",
		Help: "Messages committed to the durable store.",
	})
	ConversationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "krakenchat_conversations_created_total",
		Help: "Conversations lazily materialized from first messages.",
	})
	ConversationConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "krakenchat_conversation_conflict_retries_total",
		Help: "Materializer retries after losing the pair-key race.",
	})
	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "krakenchat_sends_total",
		Help: "Outbound sends by terminal status.",
	}, []string{"status"})
	MergesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "krakenchat_reconcile_merges_total",
		Help: "Messages merged into the reconciliation view.",
	})
	DedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "krakenchat_reconcile_dedup_hits_total",
		Help: "Messages discarded because their id was already merged.",
	})
)
