// Package ledger implements the credit-reservation ledger: an append-only
// transaction log plus a per-user balance, with reserve/settle/cancel
// semantics so credits are held before a vendor call and reconciled once the
// true cost is known.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested ledger entry was not found.
var ErrNotFound = errors.New("ledger entry not found")

// Status is the lifecycle state of a ledger entry.
type Status string

const (
	// StatusReserved is a provisional debit awaiting settlement or cancellation.
	StatusReserved Status = "reserved"
	// StatusSettled marks a reservation reconciled against actual usage.
	StatusSettled Status = "settled"
	// StatusCanceled marks a reservation refunded in full.
	StatusCanceled Status = "canceled"
	// StatusCharge is a direct debit: a settlement delta or a flat deduction.
	StatusCharge Status = "charge"
	// StatusRefund is a credit: a settlement delta, a cancellation refund,
	// or an administrative grant.
	StatusRefund Status = "refund"
	// StatusFailed is a zero-amount audit record of a failed operation.
	StatusFailed Status = "failed"
)

// Entry is one immutable balance-change record. Amount is signed: negative
// for debits, positive for credits. BalanceAfter snapshots the user balance
// immediately after the entry was applied; replaying a user's entries in id
// order must reproduce every snapshot exactly.
type Entry struct {
	ID           int64          `json:"id"`
	UserID       string         `json:"user_id"`
	Amount       int64          `json:"amount"`
	BalanceAfter int64          `json:"balance_after"`
	TaskType     string         `json:"task_type"`
	Provider     string         `json:"provider,omitempty"`
	Model        string         `json:"model,omitempty"`
	Status       Status         `json:"status"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Store persists ledger entries and balances. Implementations must be safe
// for concurrent use across users; per-user write serialization is enforced
// by the Ledger service, not the store.
type Store interface {
	// Append writes a new entry, assigns its id, and returns the stored copy.
	Append(ctx context.Context, e *Entry) (*Entry, error)

	// UpdateEntry terminalizes a reserved entry in place, replacing its
	// status and merging the given detail keys.
	UpdateEntry(ctx context.Context, id int64, status Status, details map[string]any) error

	// Balance returns the live balance for a user (0 for unknown users).
	Balance(ctx context.Context, userID string) (int64, error)

	// SetBalance stores the live balance for a user.
	SetBalance(ctx context.Context, userID string, balance int64) error

	// ListByUser returns a user's entries in ascending id order.
	// A limit <= 0 returns all entries.
	ListByUser(ctx context.Context, userID string, limit int) ([]*Entry, error)

	// Close releases store resources.
	Close() error
}
