package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgCreateTurns = `CREATE TABLE IF NOT EXISTS history_turns (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	role         TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
	content      TEXT NOT NULL CHECK (content <> ''),
	pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	pgCreateTurnsIndex = `CREATE INDEX IF NOT EXISTS idx_history_turns_user_created
	ON history_turns (user_id, created_at DESC)`

	pgInsertTurn = `INSERT INTO history_turns (id, user_id, session_id, role, content, pii_redacted, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`

	// Newest first so LIMIT keeps the tail; callers get it reversed.
	pgSelectTail = `SELECT id, user_id, session_id, role, content, pii_redacted, created_at
FROM history_turns
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`
)

// pgConn is the part of pgxpool.Pool the store uses.
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore persists history turns in PostgreSQL.
type PostgresStore struct {
	db    pgConn
	close func()
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := newPostgresStore(ctx, pool, pool.Close)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newPostgresStore(ctx context.Context, db pgConn, closeFn func()) (*PostgresStore, error) {
	for _, stmt := range []string{pgCreateTurns, pgCreateTurnsIndex} {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create history schema: %w", err)
		}
	}
	if closeFn == nil {
		closeFn = func() {}
	}
	return &PostgresStore{db: db, close: closeFn}, nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, pgInsertTurn,
		record.ID, record.UserID, record.SessionID, record.Role,
		record.Content, record.PIIRedacted, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn %s: %w", record.ID, err)
	}
	return nil
}

func (s *PostgresStore) RecentContext(ctx context.Context, userID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = DefaultMaxHistory
	}
	rows, err := s.db.Query(ctx, pgSelectTail, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history tail: %w", err)
	}
	items, err := pgx.CollectRows(rows, scanTurn)
	if err != nil {
		return nil, fmt.Errorf("read history tail: %w", err)
	}
	reverse(items)
	return items, nil
}

func scanTurn(row pgx.CollectableRow) (TurnRecord, error) {
	var r TurnRecord
	err := row.Scan(&r.ID, &r.UserID, &r.SessionID, &r.Role, &r.Content, &r.PIIRedacted, &r.CreatedAt)
	r.CreatedAt = r.CreatedAt.UTC()
	return r, err
}

func (s *PostgresStore) Close() error {
	s.close()
	return nil
}
