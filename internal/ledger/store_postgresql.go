package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore implements Store for PostgreSQL databases.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates a PostgreSQL ledger store, creating tables and
// indexes if they do not exist.
func NewPostgreSQLStore(pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			task_type TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			details JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger_entries table: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS balances (
			user_id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create balances table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_entries(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_ledger_status ON ledger_entries(status)",
		"CREATE INDEX IF NOT EXISTS idx_ledger_created ON ledger_entries(created_at)",
	}
	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &PostgreSQLStore{pool: pool}, nil
}

// Append stores a new entry and assigns its id.
func (s *PostgreSQLStore) Append(ctx context.Context, e *Entry) (*Entry, error) {
	var details []byte
	if len(e.Details) > 0 {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			return nil, fmt.Errorf("marshal entry details: %w", err)
		}
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO ledger_entries
			(user_id, amount, balance_after, task_type, provider, model, status, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		e.UserID, e.Amount, e.BalanceAfter, e.TaskType, e.Provider, e.Model,
		string(e.Status), details, e.CreatedAt,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	stored := *e
	stored.ID = id
	return &stored, nil
}

// UpdateEntry terminalizes a reserved entry in place, merging detail keys
// into the stored JSONB.
func (s *PostgreSQLStore) UpdateEntry(ctx context.Context, id int64, status Status, details map[string]any) error {
	updates, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal detail updates: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE ledger_entries
		SET status = $1, details = COALESCE(details, '{}'::jsonb) || $2::jsonb
		WHERE id = $3`,
		string(status), updates, id)
	if err != nil {
		return fmt.Errorf("update ledger entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Balance returns the live balance for a user (0 for unknown users).
func (s *PostgreSQLStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		"SELECT balance FROM balances WHERE user_id = $1", userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// SetBalance stores the live balance for a user.
func (s *PostgreSQLStore) SetBalance(ctx context.Context, userID string, balance int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO balances (user_id, balance) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET balance = EXCLUDED.balance`,
		userID, balance)
	if err != nil {
		return fmt.Errorf("write balance: %w", err)
	}
	return nil
}

// ListByUser returns a user's entries in ascending id order.
func (s *PostgreSQLStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	query := `
		SELECT id, user_id, amount, balance_after, task_type, provider, model, status, details, created_at
		FROM ledger_entries WHERE user_id = $1 ORDER BY id ASC`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var status string
		var details []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.BalanceAfter,
			&e.TaskType, &e.Provider, &e.Model, &status, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Status = Status(status)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("unmarshal entry details: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgreSQLStore) Close() error {
	return nil
}
