// Package idempotency maps caller-supplied request identifiers to the
// payment they produced, with a bounded validity window. The guard is the
// replay fast path; the payment store's request binding is the durable
// source of truth behind it.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Window is how long a registered request id stays valid. An expired
// record permits the request id to be reused for a genuinely new payment.
const Window = 24 * time.Hour

// Guard is an atomic test-and-set from request id to payment id.
type Guard interface {
	// RegisterIfAbsent binds requestID to paymentID unless a live binding
	// exists. Returns the bound payment id and whether this call created
	// the binding (distinguishes "new request" from "replay").
	RegisterIfAbsent(ctx context.Context, requestID string, paymentID uuid.UUID) (uuid.UUID, bool, error)

	// Lookup returns the live binding for requestID, if any.
	Lookup(ctx context.Context, requestID string) (uuid.UUID, bool, error)
}

// MemoryGuard is the in-process Guard used by tests and single-node runs.
type MemoryGuard struct {
	mu      sync.Mutex
	records map[string]record
	now     func() time.Time
}

type record struct {
	paymentID uuid.UUID
	createdAt time.Time
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{
		records: make(map[string]record),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test hook for window expiry.
func (g *MemoryGuard) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

func (g *MemoryGuard) RegisterIfAbsent(ctx context.Context, requestID string, paymentID uuid.UUID) (uuid.UUID, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.records[requestID]; ok && g.now().Sub(r.createdAt) < Window {
		return r.paymentID, false, nil
	}

	g.records[requestID] = record{paymentID: paymentID, createdAt: g.now()}
	return paymentID, true, nil
}

func (g *MemoryGuard) Lookup(ctx context.Context, requestID string) (uuid.UUID, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.records[requestID]
	if !ok || g.now().Sub(r.createdAt) >= Window {
		return uuid.Nil, false, nil
	}
	return r.paymentID, true, nil
}
