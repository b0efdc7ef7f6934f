package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore keeps the ledger in process memory. Used in tests and for
// single-node deployments without durability requirements.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []*Entry
	balances map[string]int64
	nextID   int64
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]int64),
		nextID:   1,
	}
}

// Append stores a new entry and assigns its id.
func (s *MemoryStore) Append(_ context.Context, e *Entry) (*Entry, error) {
	if e == nil || e.UserID == "" {
		return nil, fmt.Errorf("entry user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := cloneEntry(e)
	if err != nil {
		return nil, err
	}
	c.ID = s.nextID
	s.nextID++
	s.entries = append(s.entries, c)

	return cloneEntry(c)
}

// UpdateEntry terminalizes a reserved entry in place.
func (s *MemoryStore) UpdateEntry(_ context.Context, id int64, status Status, details map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.ID != id {
			continue
		}
		e.Status = status
		if e.Details == nil {
			e.Details = make(map[string]any, len(details))
		}
		for k, v := range details {
			e.Details[k] = v
		}
		return nil
	}
	return ErrNotFound
}

// Balance returns the live balance for a user (0 for unknown users).
func (s *MemoryStore) Balance(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[userID], nil
}

// SetBalance stores the live balance for a user.
func (s *MemoryStore) SetBalance(_ context.Context, userID string, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = balance
	return nil
}

// ListByUser returns a user's entries in ascending id order.
func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for _, e := range s.entries {
		if e.UserID != userID {
			continue
		}
		c, err := cloneEntry(e)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close releases resources (no-op for memory store).
func (s *MemoryStore) Close() error {
	return nil
}

// cloneEntry deep-copies an entry so callers never share Details maps with
// the store.
func cloneEntry(src *Entry) (*Entry, error) {
	if src == nil {
		return nil, fmt.Errorf("entry is nil")
	}
	b, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}
	var dst Entry
	if err := json.Unmarshal(b, &dst); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &dst, nil
}
