package execution

import (
	"fmt"
	"sync"
	"time"
)

// idempotencyTTL is how long an executed transaction blocks duplicates.
const idempotencyTTL = 24 * time.Hour

type idemEntry struct {
	transactionID string
	storedAt      time.Time
}

// IdempotencyStore remembers executed transactions by a coarse fingerprint
// so an identical retry returns the original result instead of paying twice.
type IdempotencyStore struct {
	mu    sync.Mutex
	items map[string]idemEntry
	now   func() time.Time
}

func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{
		items: make(map[string]idemEntry),
		now:   time.Now,
	}
}

// Key fingerprints a payment down to the minute. Two identical payments in
// the same minute collide on purpose: that is the duplicate we are guarding
// against, and a legitimate repeat a minute later gets a fresh key.
func Key(userID, merchantVPA string, amount float64, at time.Time) string {
	return fmt.Sprintf("%s:%s:%v:%s", userID, merchantVPA, amount, at.UTC().Format("200601021504"))
}

// Reserve atomically records the key if it is absent. It returns the
// transaction ID of the prior execution when the key is already held.
func (s *IdempotencyStore) Reserve(key, transactionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, ok := s.items[key]; ok {
		if now.Sub(entry.storedAt) < idempotencyTTL {
			return entry.transactionID, false
		}
		delete(s.items, key)
	}

	s.items[key] = idemEntry{transactionID: transactionID, storedAt: now}
	return transactionID, true
}

// Release frees a key reserved by a transaction that did not complete, so a
// retry after a transient failure is not misreported as a duplicate.
func (s *IdempotencyStore) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, key)
}

// Sweep drops expired entries. Callers run it periodically; correctness does
// not depend on it because Reserve re-checks age.
func (s *IdempotencyStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, entry := range s.items {
		if now.Sub(entry.storedAt) >= idempotencyTTL {
			delete(s.items, key)
			removed++
		}
	}
	return removed
}

func (s *IdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.items)
}
