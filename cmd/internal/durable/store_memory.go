package durable

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a dev-only fallback when DB is not configured. It is also the
// durable tier used by component tests.
type InMemoryStore struct {
	mu     sync.Mutex
	seqs   map[string]ConversationSequence
	idem   map[idemKey]IdempotencyRecord
	now    func() time.Time
	closed bool
}

type idemKey struct {
	conversationID string
	clientMsgID    string
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		seqs: make(map[string]ConversationSequence),
		idem: make(map[idemKey]IdempotencyRecord),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Close marks the store closed; later calls fail with ErrClosed.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) begin(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return OpError{Op: op, Kind: ErrClosed}
	}
	return nil
}

// Ping implements Store.
func (s *InMemoryStore) Ping(ctx context.Context) error {
	if err := s.begin(ctx, "durable.Ping"); err != nil {
		return err
	}
	s.mu.Unlock()
	return nil
}

// CurrentSequence implements SequenceStore.
func (s *InMemoryStore) CurrentSequence(ctx context.Context, conversationID string) (int64, error) {
	const op = "durable.CurrentSequence"
	if conversationID == "" {
		return 0, invalid(op, "missing conversation_id")
	}
	if err := s.begin(ctx, op); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	return s.seqs[conversationID].CurrentSeq, nil
}

// MaxMergeSequence implements SequenceStore.
func (s *InMemoryStore) MaxMergeSequence(ctx context.Context, conversationID string, seq int64) error {
	const op = "durable.MaxMergeSequence"
	if conversationID == "" {
		return invalid(op, "missing conversation_id")
	}
	if seq < 0 {
		return invalid(op, "negative seq")
	}
	if err := s.begin(ctx, op); err != nil {
		return err
	}
	defer s.mu.Unlock()

	now := s.now()
	row := s.seqs[conversationID]
	row.ConversationID = conversationID
	row.CurrentSeq = max(row.CurrentSeq, seq)
	row.LastMessageAt = now
	row.UpdatedAt = now
	s.seqs[conversationID] = row
	return nil
}

// IncrementSequence implements SequenceStore.
func (s *InMemoryStore) IncrementSequence(ctx context.Context, conversationID string) (int64, error) {
	const op = "durable.IncrementSequence"
	if conversationID == "" {
		return 0, invalid(op, "missing conversation_id")
	}
	if err := s.begin(ctx, op); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	now := s.now()
	row := s.seqs[conversationID]
	row.ConversationID = conversationID
	row.CurrentSeq++
	row.LastMessageAt = now
	row.UpdatedAt = now
	s.seqs[conversationID] = row
	return row.CurrentSeq, nil
}

// SetSequence implements SequenceStore.
func (s *InMemoryStore) SetSequence(ctx context.Context, conversationID string, seq int64) error {
	const op = "durable.SetSequence"
	if conversationID == "" {
		return invalid(op, "missing conversation_id")
	}
	if seq < 0 {
		return invalid(op, "negative seq")
	}
	if err := s.begin(ctx, op); err != nil {
		return err
	}
	defer s.mu.Unlock()

	row := s.seqs[conversationID]
	row.ConversationID = conversationID
	row.CurrentSeq = seq
	row.UpdatedAt = s.now()
	s.seqs[conversationID] = row
	return nil
}

// Sequence returns a copy of the stored counter row.
func (s *InMemoryStore) Sequence(conversationID string) (ConversationSequence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.seqs[conversationID]
	return row, ok
}

// InsertIdempotency implements IdempotencyStore.
func (s *InMemoryStore) InsertIdempotency(ctx context.Context, rec IdempotencyRecord) (InsertResult, error) {
	const op = "durable.InsertIdempotency"
	if err := validateRecord(op, rec); err != nil {
		return 0, err
	}
	if err := s.begin(ctx, op); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	k := idemKey{rec.ConversationID, rec.ClientMsgID}
	if _, ok := s.idem[k]; ok {
		return InsertDuplicate, nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.idem[k] = rec
	return InsertOK, nil
}

// LookupServerMsgID implements IdempotencyStore.
func (s *InMemoryStore) LookupServerMsgID(ctx context.Context, conversationID, clientMsgID string) (string, bool, error) {
	const op = "durable.LookupServerMsgID"
	if conversationID == "" || clientMsgID == "" {
		return "", false, invalid(op, "missing conversation_id or client_msg_id")
	}
	if err := s.begin(ctx, op); err != nil {
		return "", false, err
	}
	defer s.mu.Unlock()

	rec, ok := s.idem[idemKey{conversationID, clientMsgID}]
	return rec.ServerMsgID, ok, nil
}

// DeleteIdempotency implements IdempotencyStore.
func (s *InMemoryStore) DeleteIdempotency(ctx context.Context, conversationID, clientMsgID string) (bool, error) {
	const op = "durable.DeleteIdempotency"
	if conversationID == "" || clientMsgID == "" {
		return false, invalid(op, "missing conversation_id or client_msg_id")
	}
	if err := s.begin(ctx, op); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	k := idemKey{conversationID, clientMsgID}
	if _, ok := s.idem[k]; !ok {
		return false, nil
	}
	delete(s.idem, k)
	return true, nil
}

// DeleteIdempotencyBefore implements IdempotencyStore.
func (s *InMemoryStore) DeleteIdempotencyBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	const op = "durable.DeleteIdempotencyBefore"
	if before.IsZero() {
		return 0, invalid(op, "missing cutoff")
	}
	if err := s.begin(ctx, op); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	var n int64
	for k, rec := range s.idem {
		if limit > 0 && n >= int64(limit) {
			break
		}
		if rec.CreatedAt.Before(before) {
			delete(s.idem, k)
			n++
		}
	}
	return n, nil
}

// CountIdempotency implements IdempotencyStore.
func (s *InMemoryStore) CountIdempotency(ctx context.Context, conversationID string) (int64, error) {
	const op = "durable.CountIdempotency"
	if conversationID == "" {
		return 0, invalid(op, "missing conversation_id")
	}
	if err := s.begin(ctx, op); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	var n int64
	for k := range s.idem {
		if k.conversationID == conversationID {
			n++
		}
	}
	return n, nil
}
