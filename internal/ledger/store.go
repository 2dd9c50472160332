package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store used by tests and single-node runs.
// AppendEntries is atomic under the store mutex.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) AppendEntries(ctx context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, entries...)
	return nil
}

func (s *MemoryStore) EntriesForPayment(ctx context.Context, paymentID uuid.UUID) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, e := range s.entries {
		if e.PaymentID == paymentID {
			out = append(out, e)
		}
	}

	// Debit leg first, matching the order the saga wrote them.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Type < out[j].Type
	})
	return out, nil
}

// AllEntries returns every persisted entry. Used by audit sweeps and tests.
func (s *MemoryStore) AllEntries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}
