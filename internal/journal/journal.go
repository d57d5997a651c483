// Package journal records the conversation between the user and the
// assistant in PostgreSQL. Every completed turn appends a user entry and an
// assistant entry; nothing reads the journal back during a session, so a
// missing or failing journal never affects a turn.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the conversation_log table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS conversation_log (
    id           BIGSERIAL PRIMARY KEY,
    conversation TEXT NOT NULL DEFAULT '',
    role         TEXT NOT NULL,
    origin       TEXT NOT NULL DEFAULT '',
    content      TEXT NOT NULL,
    payload      JSONB NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_conversation_log_conversation ON conversation_log(conversation, created_at);
`

// Role identifies who produced an entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one journal line.
type Entry struct {
	ID int64

	// Conversation is the continuation token the entry belongs to. Empty for
	// entries written before the first successful exchange.
	Conversation string

	Role Role

	// Origin is "typed" or "transcribed" for user entries.
	Origin string

	Content string

	// Values holds the structured parameters of assistant entries.
	Values map[string]json.Number

	CreatedAt time.Time
}

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a conversation journal backed by PostgreSQL.
type Store struct {
	db    DB
	close func()
}

// New creates a Store over an existing connection or pool. The caller is
// responsible for calling [Store.Migrate] and for closing db.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open connects a pool to dsn, pings it, and migrates the schema. Close
// releases the pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	s := &Store{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool opened by [Open]. It is a no-op for stores created
// with [New].
func (s *Store) Close() {
	if s.close != nil {
		s.close()
	}
}

// Ping checks that the database answers a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("journal: ping: %w", err)
	}
	return nil
}

// Migrate executes the [Schema] DDL.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// Append inserts entries in order, filling in their ID and CreatedAt.
func (s *Store) Append(ctx context.Context, entries ...*Entry) error {
	const query = `
		INSERT INTO conversation_log (conversation, role, origin, content, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	for _, e := range entries {
		if e.Role != RoleUser && e.Role != RoleAssistant {
			return fmt.Errorf("journal: invalid role %q", e.Role)
		}
		values := e.Values
		if values == nil {
			values = map[string]json.Number{}
		}
		payload, err := json.Marshal(values)
		if err != nil {
			return fmt.Errorf("journal: marshal payload: %w", err)
		}
		err = s.db.QueryRow(ctx, query,
			e.Conversation, string(e.Role), e.Origin, e.Content, payload,
		).Scan(&e.ID, &e.CreatedAt)
		if err != nil {
			return fmt.Errorf("journal: append: %w", err)
		}
	}
	return nil
}

// Recent returns up to limit of the newest entries, oldest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	const query = `
		SELECT id, conversation, role, origin, content, payload, created_at
		FROM (
			SELECT * FROM conversation_log ORDER BY id DESC LIMIT $1
		) recent
		ORDER BY id ASC`

	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			role    string
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.Conversation, &role, &e.Origin, &e.Content, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.Role = Role(role)
		e.Values = map[string]json.Number{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Values); err != nil {
				return nil, fmt.Errorf("journal: unmarshal payload: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate: %w", err)
	}
	return out, nil
}
