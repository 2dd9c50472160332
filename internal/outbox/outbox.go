// Package outbox holds domain events pending publication. Rows are written
// in the same step as the state transition that caused them and flushed to
// NATS by the relay, giving at-least-once delivery without a two-phase
// commit between the database and the transport.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"minibank/internal/event"
)

var ErrDuplicateEvent = errors.New("outbox event already recorded")

// Record is one pending or published domain event.
type Record struct {
	ID          uuid.UUID
	EventID     string // Envelope event id, unique
	EventType   string
	SubjectID   uuid.UUID
	Payload     []byte // JSON-encoded envelope
	CreatedAt   time.Time
	Published   bool
	PublishedAt time.Time
	RetryCount  int
	LastError   string
}

// Store persists outbox records.
type Store interface {
	Append(ctx context.Context, r Record) error
	FetchUnpublished(ctx context.Context, limit int) ([]Record, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error

	// RecordFailure increments the retry count (monotonic) and records the
	// publish error for the next relay pass.
	RecordFailure(ctx context.Context, id uuid.UUID, lastError string) error

	// DeletePublishedBefore removes published rows older than the cutoff.
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// FromEnvelope wraps a domain event envelope into an outbox record.
func FromEnvelope(env event.Envelope) (Record, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:        uuid.New(),
		EventID:   env.EventID,
		EventType: env.EventType,
		SubjectID: env.SubjectID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// MemoryStore is the in-process Store used by tests and single-node runs.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
	byEvent map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byEvent: make(map[string]int)}
}

func (s *MemoryStore) Append(ctx context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEvent[r.EventID]; ok {
		return ErrDuplicateEvent
	}
	s.byEvent[r.EventID] = len(s.records)
	s.records = append(s.records, r)
	return nil
}

func (s *MemoryStore) FetchUnpublished(ctx context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, r := range s.records {
		if !r.Published {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkPublished(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.records {
		if s.records[i].ID == id {
			s.records[i].Published = true
			s.records[i].PublishedAt = time.Now().UTC()
			return nil
		}
	}
	return errors.New("outbox record not found")
}

func (s *MemoryStore) RecordFailure(ctx context.Context, id uuid.UUID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.records {
		if s.records[i].ID == id {
			s.records[i].RetryCount++
			s.records[i].LastError = lastError
			return nil
		}
	}
	return errors.New("outbox record not found")
}

func (s *MemoryStore) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	var removed int64
	for _, r := range s.records {
		if r.Published && r.PublishedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept

	s.byEvent = make(map[string]int, len(s.records))
	for i, r := range s.records {
		s.byEvent[r.EventID] = i
	}
	return removed, nil
}
