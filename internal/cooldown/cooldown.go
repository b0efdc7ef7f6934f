// Package cooldown tracks providers that recently returned quota or
// throttle errors. The router consults it to deprioritize cooling providers
// without dropping them from the candidate list.
// Supports both a local in-memory tracker and Redis for multi-instance deployments.
package cooldown

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long a provider stays marked after a quota error.
const DefaultTTL = 2 * time.Minute

// Tracker records and reports provider cooldowns.
// Implementations must be safe for concurrent use.
type Tracker interface {
	// Mark flags a provider as cooling down for the tracker's TTL.
	Mark(ctx context.Context, provider string) error

	// Cooling reports whether a provider is currently cooling down.
	Cooling(ctx context.Context, provider string) bool

	// Close releases any resources held by the tracker.
	Close() error
}

// LocalTracker is an in-memory Tracker for single-instance deployments.
type LocalTracker struct {
	mu  sync.Mutex
	ttl time.Duration
	// until maps provider -> cooldown expiry.
	until map[string]time.Time
}

// NewLocalTracker creates an in-memory tracker. A non-positive ttl uses
// DefaultTTL.
func NewLocalTracker(ttl time.Duration) *LocalTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LocalTracker{
		ttl:   ttl,
		until: make(map[string]time.Time),
	}
}

// Mark flags a provider as cooling down.
func (t *LocalTracker) Mark(_ context.Context, provider string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.until[provider] = time.Now().Add(t.ttl)
	return nil
}

// Cooling reports whether a provider is currently cooling down, pruning the
// entry once expired.
func (t *LocalTracker) Cooling(_ context.Context, provider string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	expiry, ok := t.until[provider]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(t.until, provider)
		return false
	}
	return true
}

// Close releases resources (no-op for the local tracker).
func (t *LocalTracker) Close() error {
	return nil
}
