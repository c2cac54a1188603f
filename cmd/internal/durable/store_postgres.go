package durable

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Counter updates are single-statement upserts; row locks serialize writers per conversation.
// - Idempotency relies on the (conversation_id, client_msg_id) unique constraint.
type PostgresStore struct {
	pool      *pgxpool.Pool
	schema    string
	opTimeout time.Duration
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "imchat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("durable: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("durable: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithOpTimeout bounds every statement (default 2s).
func WithOpTimeout(d time.Duration) PostgresOption {
	return func(s *PostgresStore) error {
		if d <= 0 {
			return errors.New("durable: op timeout must be > 0")
		}
		s.opTimeout = d
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:      pool,
		schema:    "imchat",
		opTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("durable: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping acquires a connection and pings the server.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// CurrentSequence implements SequenceStore.
func (s *PostgresStore) CurrentSequence(ctx context.Context, conversationID string) (int64, error) {
	const op = "durable.CurrentSequence"
	if conversationID == "" {
		return 0, invalid(op, "missing conversation_id")
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT current_seq FROM `+pgIdent(s.schema, "conversation_sequences")+`
		  WHERE conversation_id = $1`,
		conversationID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// MaxMergeSequence implements SequenceStore.
func (s *PostgresStore) MaxMergeSequence(ctx context.Context, conversationID string, seq int64) error {
	const op = "durable.MaxMergeSequence"
	if conversationID == "" {
		return invalid(op, "missing conversation_id")
	}
	if seq < 0 {
		return invalid(op, "negative seq")
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	t := pgIdent(s.schema, "conversation_sequences")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+t+` AS cs (conversation_id, current_seq, last_message_at, updated_at)
		 VALUES ($1, $2, now(), now())
		 ON CONFLICT (conversation_id) DO UPDATE
		    SET current_seq     = GREATEST(cs.current_seq, EXCLUDED.current_seq),
		        last_message_at = now(),
		        updated_at      = now()`,
		conversationID, seq,
	)
	return err
}

// IncrementSequence implements SequenceStore.
func (s *PostgresStore) IncrementSequence(ctx context.Context, conversationID string) (int64, error) {
	const op = "durable.IncrementSequence"
	if conversationID == "" {
		return 0, invalid(op, "missing conversation_id")
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	t := pgIdent(s.schema, "conversation_sequences")
	var seq int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+t+` AS cs (conversation_id, current_seq, last_message_at, updated_at)
		 VALUES ($1, 1, now(), now())
		 ON CONFLICT (conversation_id) DO UPDATE
		    SET current_seq     = cs.current_seq + 1,
		        last_message_at = now(),
		        updated_at      = now()
		 RETURNING current_seq`,
		conversationID,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// SetSequence implements SequenceStore.
func (s *PostgresStore) SetSequence(ctx context.Context, conversationID string, seq int64) error {
	const op = "durable.SetSequence"
	if conversationID == "" {
		return invalid(op, "missing conversation_id")
	}
	if seq < 0 {
		return invalid(op, "negative seq")
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	t := pgIdent(s.schema, "conversation_sequences")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+t+` AS cs (conversation_id, current_seq, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (conversation_id) DO UPDATE
		    SET current_seq = EXCLUDED.current_seq,
		        updated_at  = now()`,
		conversationID, seq,
	)
	return err
}

// InsertIdempotency implements IdempotencyStore.
func (s *PostgresStore) InsertIdempotency(ctx context.Context, rec IdempotencyRecord) (InsertResult, error) {
	const op = "durable.InsertIdempotency"
	if err := validateRecord(op, rec); err != nil {
		return 0, err
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "message_idempotency")+`
		   (conversation_id, client_msg_id, server_msg_id, sender_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.ConversationID, rec.ClientMsgID, rec.ServerMsgID, rec.SenderID, createdAt,
	)
	if err != nil {
		if pgIsUniqueViolation(err) {
			return InsertDuplicate, nil
		}
		return 0, err
	}
	return InsertOK, nil
}

// LookupServerMsgID implements IdempotencyStore.
func (s *PostgresStore) LookupServerMsgID(ctx context.Context, conversationID, clientMsgID string) (string, bool, error) {
	const op = "durable.LookupServerMsgID"
	if conversationID == "" || clientMsgID == "" {
		return "", false, invalid(op, "missing conversation_id or client_msg_id")
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT server_msg_id FROM `+pgIdent(s.schema, "message_idempotency")+`
		  WHERE conversation_id = $1 AND client_msg_id = $2`,
		conversationID, clientMsgID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// DeleteIdempotency implements IdempotencyStore.
func (s *PostgresStore) DeleteIdempotency(ctx context.Context, conversationID, clientMsgID string) (bool, error) {
	const op = "durable.DeleteIdempotency"
	if conversationID == "" || clientMsgID == "" {
		return false, invalid(op, "missing conversation_id or client_msg_id")
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgIdent(s.schema, "message_idempotency")+`
		  WHERE conversation_id = $1 AND client_msg_id = $2`,
		conversationID, clientMsgID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteIdempotencyBefore implements IdempotencyStore.
func (s *PostgresStore) DeleteIdempotencyBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	const op = "durable.DeleteIdempotencyBefore"
	if before.IsZero() {
		return 0, invalid(op, "missing cutoff")
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	t := pgIdent(s.schema, "message_idempotency")

	var (
		tag pgconn.CommandTag
		err error
	)
	if limit <= 0 {
		tag, err = s.pool.Exec(ctx, `DELETE FROM `+t+` WHERE created_at < $1`, before)
	} else {
		// Postgres has no DELETE ... LIMIT; bound the batch through ctid.
		tag, err = s.pool.Exec(ctx,
			`DELETE FROM `+t+`
			  WHERE ctid IN (
			    SELECT ctid FROM `+t+`
			     WHERE created_at < $1
			     LIMIT $2
			  )`,
			before, limit,
		)
	}
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CountIdempotency implements IdempotencyStore.
func (s *PostgresStore) CountIdempotency(ctx context.Context, conversationID string) (int64, error) {
	const op = "durable.CountIdempotency"
	if conversationID == "" {
		return 0, invalid(op, "missing conversation_id")
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(s.schema, "message_idempotency")+`
		  WHERE conversation_id = $1`,
		conversationID,
	).Scan(&n)
	return n, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}
