package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"genforge/internal/core"
	"genforge/internal/pricing"
)

// Ledger coordinates pricing resolution, balance mutation, and entry
// append. All balance read-modify-writes go through a per-user lock.
type Ledger struct {
	store   Store
	pricing *pricing.Registry
	locks   *userLocks
}

// New creates a Ledger over the given store and pricing registry.
func New(store Store, registry *pricing.Registry) *Ledger {
	return &Ledger{
		store:   store,
		pricing: registry,
		locks:   newUserLocks(),
	}
}

// Reservation is the handle to one provisional debit. It must reach exactly
// one terminal outcome (Settle or Cancel) before its originating request
// completes.
type Reservation struct {
	EntryID  int64
	UserID   string
	Amount   int64 // reserved credits, positive
	TaskType string
	Provider string
	Model    string

	// rule is the resolved pricing rule, pinned at reservation time so
	// settlement uses the same rule family even if rules are replaced
	// mid-request.
	rule pricing.Rule

	terminal atomic.Bool
}

// SettlementResult reports the outcome of reconciling a reservation.
type SettlementResult struct {
	ReservedCost int64 `json:"reserved_cost"`
	ActualCost   int64 `json:"actual_cost"`
	// Delta is actual minus reserved: negative produced a refund, positive
	// an additional charge.
	Delta int64 `json:"delta"`
	// OutstandingDelta is the part of a positive delta the balance could not
	// cover.  Recorded, not enforced: content already delivered is never
	// clawed back.
	OutstandingDelta int64 `json:"outstanding_delta,omitempty"`
}

// Reserve resolves the estimated cost for the operation and debits it from
// the user's balance, appending a reserved entry. Fails with an
// insufficient-credits error when the balance cannot cover the estimate.
func (l *Ledger) Reserve(ctx context.Context, userID, taskType, provider, model string, usage core.UsageDetails) (*Reservation, error) {
	rule, err := l.pricing.Resolve(taskType, provider, model)
	if err != nil {
		return nil, err
	}
	cost := pricing.EstimateCost(rule, usage)

	unlock := l.locks.acquire(userID)
	defer unlock()

	balance, err := l.store.Balance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	if balance < cost {
		return nil, core.NewInsufficientCreditsError(cost, balance)
	}

	newBalance := balance - cost
	if err := l.store.SetBalance(ctx, userID, newBalance); err != nil {
		return nil, fmt.Errorf("debit balance: %w", err)
	}

	entry, err := l.store.Append(ctx, &Entry{
		UserID:       userID,
		Amount:       -cost,
		BalanceAfter: newBalance,
		TaskType:     taskType,
		Provider:     provider,
		Model:        model,
		Status:       StatusReserved,
		Details: map[string]any{
			"estimated":     true,
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		},
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		// Roll the debit back; the balance mutation and the append must
		// stand or fall together.
		if rbErr := l.store.SetBalance(ctx, userID, balance); rbErr != nil {
			slog.Error("ledger: failed to roll back balance after append error",
				"user_id", userID, "error", rbErr)
		}
		return nil, fmt.Errorf("append reservation: %w", err)
	}

	return &Reservation{
		EntryID:  entry.ID,
		UserID:   userID,
		Amount:   cost,
		TaskType: taskType,
		Provider: provider,
		Model:    model,
		rule:     rule,
	}, nil
}

// Settle reconciles a reservation against actual usage. A negative delta
// refunds the difference; a positive delta charges up to the available
// balance and records any shortfall as an outstanding delta. The reserved
// entry is terminalized to settled with a cross-reference to the companion
// entry. Settling an already-terminal reservation is a no-op.
func (l *Ledger) Settle(ctx context.Context, res *Reservation, actual core.UsageDetails) (*SettlementResult, error) {
	if res == nil {
		return nil, fmt.Errorf("nil reservation")
	}
	// Claim the handle up front so a concurrent Settle/Cancel no-ops, but
	// release the claim if the store writes fail before the refund or charge
	// lands. The reservation stays live so failure-path cleanup can still
	// cancel it.
	if res.terminal.Swap(true) {
		return nil, nil
	}

	actualCost := pricing.EstimateCost(res.rule, actual)
	delta := actualCost - res.Amount

	unlock := l.locks.acquire(res.UserID)
	defer unlock()

	result := &SettlementResult{
		ReservedCost: res.Amount,
		ActualCost:   actualCost,
		Delta:        delta,
	}

	settleDetails := map[string]any{
		"actual_cost":   actualCost,
		"input_tokens":  actual.InputTokens,
		"output_tokens": actual.OutputTokens,
	}

	if delta != 0 {
		balance, err := l.store.Balance(ctx, res.UserID)
		if err != nil {
			res.terminal.Store(false)
			return nil, fmt.Errorf("read balance: %w", err)
		}

		companion := &Entry{
			UserID:    res.UserID,
			TaskType:  res.TaskType,
			Provider:  res.Provider,
			Model:     res.Model,
			CreatedAt: time.Now().UTC(),
			Details: map[string]any{
				"settlement_for": res.EntryID,
			},
		}

		if delta < 0 {
			refund := -delta
			companion.Status = StatusRefund
			companion.Amount = refund
			companion.BalanceAfter = balance + refund
		} else {
			charge := delta
			if charge > balance {
				charge = balance
			}
			result.OutstandingDelta = delta - charge
			companion.Status = StatusCharge
			companion.Amount = -charge
			companion.BalanceAfter = balance - charge
			if result.OutstandingDelta > 0 {
				companion.Details["outstanding_delta"] = result.OutstandingDelta
				settleDetails["outstanding_delta"] = result.OutstandingDelta
			}
		}

		if err := l.store.SetBalance(ctx, res.UserID, companion.BalanceAfter); err != nil {
			res.terminal.Store(false)
			return nil, fmt.Errorf("apply settlement delta: %w", err)
		}
		stored, err := l.store.Append(ctx, companion)
		if err != nil {
			// The balance mutation and the companion entry stand or fall
			// together, as in Reserve.
			if rbErr := l.store.SetBalance(ctx, res.UserID, balance); rbErr != nil {
				slog.Error("ledger: failed to roll back balance after settlement append error",
					"user_id", res.UserID, "error", rbErr)
			}
			res.terminal.Store(false)
			return nil, fmt.Errorf("append settlement entry: %w", err)
		}
		settleDetails["settlement_entry_id"] = stored.ID
	}

	// Past this point the economics are applied; the handle stays terminal
	// even if the status flip fails, because a later Cancel refunding on top
	// of the settlement would corrupt the balance.
	if err := l.store.UpdateEntry(ctx, res.EntryID, StatusSettled, settleDetails); err != nil {
		return nil, fmt.Errorf("mark reservation settled: %w", err)
	}
	return result, nil
}

// Cancel refunds the full reserved amount and marks the reservation
// canceled. Idempotent: canceling an already-settled or already-canceled
// reservation is a no-op, because failure-path cleanup calls it
// speculatively.
func (l *Ledger) Cancel(ctx context.Context, res *Reservation, reason string) error {
	if res == nil {
		return nil
	}
	// Same claim-and-release discipline as Settle: the handle only stays
	// terminal once the refund has actually landed.
	if res.terminal.Swap(true) {
		return nil
	}

	unlock := l.locks.acquire(res.UserID)
	defer unlock()

	balance, err := l.store.Balance(ctx, res.UserID)
	if err != nil {
		res.terminal.Store(false)
		return fmt.Errorf("read balance: %w", err)
	}
	newBalance := balance + res.Amount
	if err := l.store.SetBalance(ctx, res.UserID, newBalance); err != nil {
		res.terminal.Store(false)
		return fmt.Errorf("refund balance: %w", err)
	}

	refund, err := l.store.Append(ctx, &Entry{
		UserID:       res.UserID,
		Amount:       res.Amount,
		BalanceAfter: newBalance,
		TaskType:     res.TaskType,
		Provider:     res.Provider,
		Model:        res.Model,
		Status:       StatusRefund,
		Details: map[string]any{
			"cancel_for":    res.EntryID,
			"cancel_reason": reason,
		},
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		if rbErr := l.store.SetBalance(ctx, res.UserID, balance); rbErr != nil {
			slog.Error("ledger: failed to roll back balance after cancel append error",
				"user_id", res.UserID, "error", rbErr)
		}
		res.terminal.Store(false)
		return fmt.Errorf("append cancel refund: %w", err)
	}

	if err := l.store.UpdateEntry(ctx, res.EntryID, StatusCanceled, map[string]any{
		"cancel_reason":   reason,
		"refund_entry_id": refund.ID,
	}); err != nil {
		return fmt.Errorf("mark reservation canceled: %w", err)
	}
	return nil
}

// Deduct is the non-reservation fast path for operations whose cost is known
// up front (flat or duration pricing). Fails with an insufficient-credits
// error when the balance cannot cover the cost.
func (l *Ledger) Deduct(ctx context.Context, userID, taskType, provider, model string, usage core.UsageDetails) (*Entry, error) {
	rule, err := l.pricing.Resolve(taskType, provider, model)
	if err != nil {
		return nil, err
	}
	cost := pricing.EstimateCost(rule, usage)

	unlock := l.locks.acquire(userID)
	defer unlock()

	balance, err := l.store.Balance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	if balance < cost {
		return nil, core.NewInsufficientCreditsError(cost, balance)
	}

	newBalance := balance - cost
	if err := l.store.SetBalance(ctx, userID, newBalance); err != nil {
		return nil, fmt.Errorf("debit balance: %w", err)
	}
	return l.store.Append(ctx, &Entry{
		UserID:       userID,
		Amount:       -cost,
		BalanceAfter: newBalance,
		TaskType:     taskType,
		Provider:     provider,
		Model:        model,
		Status:       StatusCharge,
		CreatedAt:    time.Now().UTC(),
	})
}

// LogFailure appends a zero-amount failed entry for auditability. It never
// affects the balance and never returns an error; internal failures are
// logged and swallowed.
func (l *Ledger) LogFailure(ctx context.Context, userID, taskType, provider, model, errorText string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["error"] = errorText

	unlock := l.locks.acquire(userID)
	defer unlock()

	balance, err := l.store.Balance(ctx, userID)
	if err != nil {
		slog.Warn("ledger: failure log skipped, balance unreadable", "user_id", userID, "error", err)
		return
	}
	if _, err := l.store.Append(ctx, &Entry{
		UserID:       userID,
		Amount:       0,
		BalanceAfter: balance,
		TaskType:     taskType,
		Provider:     provider,
		Model:        model,
		Status:       StatusFailed,
		Details:      details,
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		slog.Warn("ledger: failed to append failure entry", "user_id", userID, "error", err)
	}
}

// Grant credits a user's balance (administrative top-up).
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64, reason string) (*Entry, error) {
	if amount <= 0 {
		return nil, core.NewInvalidRequestError("grant amount must be positive", nil)
	}

	unlock := l.locks.acquire(userID)
	defer unlock()

	balance, err := l.store.Balance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	newBalance := balance + amount
	if err := l.store.SetBalance(ctx, userID, newBalance); err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}
	return l.store.Append(ctx, &Entry{
		UserID:       userID,
		Amount:       amount,
		BalanceAfter: newBalance,
		TaskType:     "credit_grant",
		Status:       StatusRefund,
		Details:      map[string]any{"reason": reason},
		CreatedAt:    time.Now().UTC(),
	})
}

// Balance returns the user's live balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	return l.store.Balance(ctx, userID)
}

// Transactions returns the user's entries in ascending id order.
func (l *Ledger) Transactions(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	return l.store.ListByUser(ctx, userID, limit)
}

// Verify replays a user's entries in id order, checking that each
// BalanceAfter equals the running sum and that the final sum matches the
// live balance. This is the external auditor's conservation check.
func (l *Ledger) Verify(ctx context.Context, userID string) error {
	entries, err := l.store.ListByUser(ctx, userID, 0)
	if err != nil {
		return err
	}

	var running int64
	for _, e := range entries {
		running += e.Amount
		if e.BalanceAfter != running {
			return fmt.Errorf("entry %d: balance_after %d does not match replayed sum %d",
				e.ID, e.BalanceAfter, running)
		}
	}

	live, err := l.store.Balance(ctx, userID)
	if err != nil {
		return err
	}
	if live != running {
		return fmt.Errorf("live balance %d does not match replayed sum %d", live, running)
	}
	return nil
}
