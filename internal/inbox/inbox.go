// Package inbox deduplicates inbound domain events. Each external event id
// is recorded before its side effects run, so a redelivered message is
// acknowledged without re-applying it.
package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one received external event.
type Record struct {
	ID          uuid.UUID
	EventID     string // external event id, unique
	EventType   string
	Payload     []byte
	ReceivedAt  time.Time
	Processed   bool
	ProcessedAt time.Time
	RetryCount  int
	LastError   string
}

// Store persists inbox records.
type Store interface {
	// InsertIfAbsent records the event unless its id was already seen.
	// Returns false when the event is a duplicate.
	InsertIfAbsent(ctx context.Context, r Record) (bool, error)

	MarkProcessed(ctx context.Context, eventID string) error
	RecordFailure(ctx context.Context, eventID string, lastError string) error
	Get(ctx context.Context, eventID string) (Record, bool, error)
}

// MemoryStore is the in-process Store used by tests and single-node runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) InsertIfAbsent(ctx context.Context, r Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[r.EventID]; ok {
		return false, nil
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now().UTC()
	}
	s.records[r.EventID] = r
	return true, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[eventID]
	if !ok {
		return nil
	}
	r.Processed = true
	r.ProcessedAt = time.Now().UTC()
	s.records[eventID] = r
	return nil
}

func (s *MemoryStore) RecordFailure(ctx context.Context, eventID string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[eventID]
	if !ok {
		return nil
	}
	r.RetryCount++
	r.LastError = lastError
	s.records[eventID] = r
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, eventID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[eventID]
	return r, ok, nil
}
