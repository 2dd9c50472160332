package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("payment not found")

	// ErrVersionConflict indicates a concurrent writer updated the payment
	// first. Callers must re-read and retry through the same write path.
	ErrVersionConflict = errors.New("payment version conflict")
)

// Store persists payments. Create is atomic over the payment row and its
// request-id mapping: a crash between the two cannot produce two payments
// for one request.
type Store interface {
	// Create persists p and binds its RequestID in the same atomic step.
	// If the RequestID is already bound (within the validity window), no
	// write happens and the previously bound payment is returned with
	// created=false.
	Create(ctx context.Context, p *Payment) (existing *Payment, created bool, err error)

	Get(ctx context.Context, id uuid.UUID) (*Payment, error)
	GetByRequestID(ctx context.Context, requestID string) (*Payment, error)

	// Update writes p if the stored version matches p.Version, then bumps
	// the version. Returns ErrVersionConflict otherwise.
	Update(ctx context.Context, p *Payment) error

	// ListStalled returns non-final payments not updated since the cutoff,
	// for the recovery sweeper.
	ListStalled(ctx context.Context, cutoff time.Time) ([]*Payment, error)
}

// RequestWindow is how long a request id stays bound to its payment.
// After expiry a repeated request id is treated as a fresh request.
const RequestWindow = 24 * time.Hour

// MemoryStore is the in-process Store used by tests and single-node runs.
type MemoryStore struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*Payment
	requests map[string]requestBinding
	now      func() time.Time
}

type requestBinding struct {
	paymentID uuid.UUID
	boundAt   time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[uuid.UUID]*Payment),
		requests: make(map[string]requestBinding),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test hook for window expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Create(ctx context.Context, p *Payment) (*Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.requests[p.RequestID]; ok && s.now().Sub(b.boundAt) < RequestWindow {
		if existing, ok := s.payments[b.paymentID]; ok {
			return existing.Clone(), false, nil
		}
	}

	s.payments[p.ID] = p.Clone()
	s.requests[p.RequestID] = requestBinding{paymentID: p.ID, boundAt: s.now()}
	return p.Clone(), true, nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) GetByRequestID(ctx context.Context, requestID string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	p, ok := s.payments[b.paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.payments[p.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != p.Version {
		return ErrVersionConflict
	}

	next := p.Clone()
	next.Version++
	s.payments[p.ID] = next
	p.Version = next.Version
	return nil
}

func (s *MemoryStore) ListStalled(ctx context.Context, cutoff time.Time) ([]*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stalled []*Payment
	for _, p := range s.payments {
		if !p.IsFinal() && p.UpdatedAt.Before(cutoff) {
			stalled = append(stalled, p.Clone())
		}
	}
	return stalled, nil
}
