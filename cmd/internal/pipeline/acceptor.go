// Package pipeline is the caller-side control flow that turns a client submission
// into a final (sequence number, server message id) pair before the message body is
// persisted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"imchat/cmd/internal/ids"
)

// ErrInvalidInput is returned for missing identifiers.
var ErrInvalidInput = errors.New("pipeline: invalid input")

// DefaultShards is the number of message tables a conversation can be routed to.
const DefaultShards = 32

// Sequencer allocates per-conversation sequence numbers.
type Sequencer interface {
	NextSequence(ctx context.Context, conversationID string) (int64, error)
}

// Deduplicator enforces first-writer-wins per (conversation, client message id).
type Deduplicator interface {
	CheckMessageExists(ctx context.Context, conversationID, clientMsgID string) (string, bool, error)
	CheckAndRecord(ctx context.Context, conversationID, clientMsgID, serverMsgID, senderID string) (string, bool, error)
}

// Accepted is the final assignment for a submission. For a duplicate, ServerMsgID is
// the id of the earlier submission and Seq is zero: the caller must not persist again.
type Accepted struct {
	Seq         int64
	ServerMsgID string
	Shard       int
	Duplicate   bool
}

// Acceptor is safe for concurrent use.
type Acceptor struct {
	seq   Sequencer
	dedup Deduplicator
	log   *slog.Logger
	shard func(conversationID string) int
	newID func(now time.Time) (string, error)
	now   func() time.Time
}

// Option configures an Acceptor.
type Option func(*Acceptor)

// WithLogger sets the structured logger (default slog.Default()).
func WithLogger(log *slog.Logger) Option {
	return func(a *Acceptor) {
		if log != nil {
			a.log = log
		}
	}
}

// WithShardFunc overrides conversation routing (default ShardOf with DefaultShards).
func WithShardFunc(fn func(conversationID string) int) Option {
	return func(a *Acceptor) {
		if fn != nil {
			a.shard = fn
		}
	}
}

// WithIDGenerator overrides server message id generation (default ids.NewServerMsgID).
func WithIDGenerator(fn func(now time.Time) (string, error)) Option {
	return func(a *Acceptor) {
		if fn != nil {
			a.newID = fn
		}
	}
}

// NewAcceptor constructs an Acceptor.
func NewAcceptor(seq Sequencer, dedup Deduplicator, opts ...Option) (*Acceptor, error) {
	if seq == nil || dedup == nil {
		return nil, errors.New("pipeline: nil dependency")
	}
	a := &Acceptor{
		seq:   seq,
		dedup: dedup,
		log:   slog.Default(),
		shard: func(c string) int { return ShardOf(c, DefaultShards) },
		newID: ids.NewServerMsgID,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Accept resolves a submission. A resubmission is answered from the idempotency
// record without allocating. A fresh submission allocates a sequence number, then
// records its server message id; if a concurrent duplicate wins that record, the
// allocated number is abandoned and the winner is returned.
func (a *Acceptor) Accept(ctx context.Context, conversationID, clientMsgID, senderID string) (Accepted, error) {
	if conversationID == "" || clientMsgID == "" {
		return Accepted{}, ErrInvalidInput
	}
	shard := a.shard(conversationID)

	existing, ok, err := a.dedup.CheckMessageExists(ctx, conversationID, clientMsgID)
	if err != nil {
		return Accepted{}, err
	}
	if ok {
		return Accepted{ServerMsgID: existing, Shard: shard, Duplicate: true}, nil
	}

	seq, err := a.seq.NextSequence(ctx, conversationID)
	if err != nil {
		return Accepted{}, fmt.Errorf("pipeline: allocate: %w", err)
	}

	id, err := a.newID(a.now())
	if err != nil {
		return Accepted{}, fmt.Errorf("pipeline: server msg id: %w", err)
	}

	effective, dup, err := a.dedup.CheckAndRecord(ctx, conversationID, clientMsgID, id, senderID)
	if err != nil {
		return Accepted{}, err
	}
	if dup {
		a.log.Info("pipeline.seq_abandoned",
			"conversation_id", conversationID,
			"client_msg_id", clientMsgID,
			"seq", seq,
		)
		return Accepted{ServerMsgID: effective, Shard: shard, Duplicate: true}, nil
	}

	return Accepted{Seq: seq, ServerMsgID: id, Shard: shard}, nil
}

// ShardOf maps a conversation to one of n shards with FNV-1a.
func ShardOf(conversationID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return int(h.Sum32() % uint32(n))
}
