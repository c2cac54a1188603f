// Package durable holds the relational source of truth for conversation sequence counters
// and message idempotency records.
package durable

import (
	"context"
	"time"
)

// ConversationSequence is the persisted counter row for one conversation.
type ConversationSequence struct {
	ConversationID string
	CurrentSeq     int64
	LastMessageAt  time.Time
	UpdatedAt      time.Time
}

// IdempotencyRecord maps a client message id to the server message id that won.
type IdempotencyRecord struct {
	ConversationID string
	ClientMsgID    string
	ServerMsgID    string
	SenderID       string
	CreatedAt      time.Time
}

// InsertResult is the outcome of an idempotency insert that did not fail.
type InsertResult int

const (
	// InsertOK means the record was created by this call.
	InsertOK InsertResult = iota + 1
	// InsertDuplicate means a record for (conversation_id, client_msg_id) already existed.
	InsertDuplicate
)

func (r InsertResult) String() string {
	switch r {
	case InsertOK:
		return "ok"
	case InsertDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// SequenceStore persists per-conversation sequence counters.
//
// Requirements:
//   - current_seq never decreases through MaxMergeSequence or IncrementSequence
//   - IncrementSequence is atomic per conversation across processes
type SequenceStore interface {
	// CurrentSequence returns the stored counter, or 0 when the conversation has none.
	CurrentSequence(ctx context.Context, conversationID string) (int64, error)
	// MaxMergeSequence upserts current_seq = GREATEST(current_seq, seq).
	MaxMergeSequence(ctx context.Context, conversationID string, seq int64) error
	// IncrementSequence upserts current_seq = current_seq + 1 and returns the new value.
	IncrementSequence(ctx context.Context, conversationID string) (int64, error)
	// SetSequence force-writes current_seq (administrative reset).
	SetSequence(ctx context.Context, conversationID string, seq int64) error
}

// IdempotencyStore persists idempotency records under a unique
// (conversation_id, client_msg_id) constraint.
type IdempotencyStore interface {
	InsertIdempotency(ctx context.Context, rec IdempotencyRecord) (InsertResult, error)
	// LookupServerMsgID returns ok=false when no record exists.
	LookupServerMsgID(ctx context.Context, conversationID, clientMsgID string) (serverMsgID string, ok bool, err error)
	DeleteIdempotency(ctx context.Context, conversationID, clientMsgID string) (bool, error)
	// DeleteIdempotencyBefore deletes at most limit records created before the cutoff.
	// A non-positive limit deletes every matching record.
	DeleteIdempotencyBefore(ctx context.Context, before time.Time, limit int) (int64, error)
	CountIdempotency(ctx context.Context, conversationID string) (int64, error)
}

// Store is the full durable contract.
type Store interface {
	SequenceStore
	IdempotencyStore
	Ping(ctx context.Context) error
	Close() error
}

func validateRecord(op string, rec IdempotencyRecord) error {
	switch {
	case rec.ConversationID == "":
		return invalid(op, "missing conversation_id")
	case rec.ClientMsgID == "":
		return invalid(op, "missing client_msg_id")
	case rec.ServerMsgID == "":
		return invalid(op, "missing server_msg_id")
	}
	return nil
}
