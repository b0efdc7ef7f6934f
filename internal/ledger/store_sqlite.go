package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// SQLiteStore implements Store for SQLite databases.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite ledger store, creating tables and indexes
// if they do not exist.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			amount INTEGER NOT NULL,
			balance_after INTEGER NOT NULL,
			task_type TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			details JSON,
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger_entries table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS balances (
			user_id TEXT PRIMARY KEY,
			balance INTEGER NOT NULL DEFAULT 0
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
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Append stores a new entry and assigns its id.
func (s *SQLiteStore) Append(ctx context.Context, e *Entry) (*Entry, error) {
	details, err := marshalDetails(e.Details)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries
			(user_id, amount, balance_after, task_type, provider, model, status, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Amount, e.BalanceAfter, e.TaskType, e.Provider, e.Model,
		string(e.Status), details, e.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read inserted id: %w", err)
	}

	stored := *e
	stored.ID = id
	return &stored, nil
}

// UpdateEntry terminalizes a reserved entry in place, merging detail keys
// into the stored JSON.
func (s *SQLiteStore) UpdateEntry(ctx context.Context, id int64, status Status, details map[string]any) error {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT details FROM ledger_entries WHERE id = ?", id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read entry details: %w", err)
	}

	merged, err := mergeDetails(raw.String, details)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE ledger_entries SET status = ?, details = ? WHERE id = ?",
		string(status), merged, id)
	if err != nil {
		return fmt.Errorf("update ledger entry: %w", err)
	}
	return nil
}

// Balance returns the live balance for a user (0 for unknown users).
func (s *SQLiteStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		"SELECT balance FROM balances WHERE user_id = ?", userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// SetBalance stores the live balance for a user.
func (s *SQLiteStore) SetBalance(ctx context.Context, userID string, balance int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balances (user_id, balance) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET balance = excluded.balance`,
		userID, balance)
	if err != nil {
		return fmt.Errorf("write balance: %w", err)
	}
	return nil
}

// ListByUser returns a user's entries in ascending id order.
func (s *SQLiteStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	query := `
		SELECT id, user_id, amount, balance_after, task_type, provider, model, status, details, created_at
		FROM ledger_entries WHERE user_id = ? ORDER BY id ASC`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var status string
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.BalanceAfter,
			&e.TaskType, &e.Provider, &e.Model, &status, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Status = Status(status)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("unmarshal entry details: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Close is a no-op; the *sql.DB is owned by the caller.
func (s *SQLiteStore) Close() error {
	return nil
}

func marshalDetails(details map[string]any) (any, error) {
	if len(details) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshal entry details: %w", err)
	}
	return string(b), nil
}

func mergeDetails(raw string, updates map[string]any) (string, error) {
	merged := make(map[string]any)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &merged); err != nil {
			return "", fmt.Errorf("unmarshal stored details: %w", err)
		}
	}
	for k, v := range updates {
		merged[k] = v
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("marshal merged details: %w", err)
	}
	return string(b), nil
}
