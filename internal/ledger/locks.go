package ledger

import "sync"

// userLocks serializes balance mutations per user. Two concurrent requests
// from the same user must never interleave their read-modify-write balance
// updates; requests from different users proceed independently.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the mutex for userID and returns its release func.
// Lock entries are never evicted; the per-user footprint is one mutex.
func (l *userLocks) acquire(userID string) func() {
	l.mu.Lock()
	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
