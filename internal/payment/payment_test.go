package payment_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"minibank/internal/payment"
)

func newPayment(t *testing.T) *payment.Payment {
	t.Helper()
	p, err := payment.New("req-1", uuid.New(), uuid.New(), 15_000, "USD")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// ============================================================================
// Test: validation
// ============================================================================

func TestNew_RejectsEmptyRequestID(t *testing.T) {
	_, err := payment.New("", uuid.New(), uuid.New(), 100, "USD")
	if !errors.Is(err, payment.ErrEmptyRequestID) {
		t.Errorf("got %v, want ErrEmptyRequestID", err)
	}
}

func TestNew_RejectsSameAccount(t *testing.T) {
	id := uuid.New()
	_, err := payment.New("req", id, id, 100, "USD")
	if !errors.Is(err, payment.ErrSameAccount) {
		t.Errorf("got %v, want ErrSameAccount", err)
	}
}

func TestNew_RejectsNonPositiveAmount(t *testing.T) {
	for _, amount := range []int64{0, -1, -15_000} {
		_, err := payment.New("req", uuid.New(), uuid.New(), amount, "USD")
		if !errors.Is(err, payment.ErrNonPositive) {
			t.Errorf("amount=%d: got %v, want ErrNonPositive", amount, err)
		}
	}
}

func TestNew_RejectsUnknownCurrency(t *testing.T) {
	_, err := payment.New("req", uuid.New(), uuid.New(), 100, "DOGE")
	if !errors.Is(err, payment.ErrUnknownCurrency) {
		t.Errorf("got %v, want ErrUnknownCurrency", err)
	}
}

func TestNew_StartsRequested(t *testing.T) {
	p := newPayment(t)
	if p.Status != payment.StatusRequested {
		t.Errorf("got %s, want REQUESTED", p.Status)
	}
	if p.Version != 0 {
		t.Errorf("initial version should be 0, got %d", p.Version)
	}
}

// ============================================================================
// Test: state machine
// ============================================================================

func TestHappyPathTransitions(t *testing.T) {
	p := newPayment(t)

	steps := []struct {
		name string
		fn   func() error
		want payment.Status
	}{
		{"MarkDebited", p.MarkDebited, payment.StatusDebited},
		{"MarkCredited", p.MarkCredited, payment.StatusCredited},
		{"MarkCompleted", p.MarkCompleted, payment.StatusCompleted},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		if p.Status != s.want {
			t.Fatalf("%s: got %s, want %s", s.name, p.Status, s.want)
		}
	}
	if !p.IsFinal() {
		t.Error("COMPLETED should be final")
	}
}

func TestIllegalTransitions(t *testing.T) {
	p := newPayment(t)
	if err := p.MarkCredited(); !errors.Is(err, payment.ErrIllegalTransition) {
		t.Errorf("REQUESTED→CREDITED: got %v, want ErrIllegalTransition", err)
	}
	if err := p.MarkCompleted(); !errors.Is(err, payment.ErrIllegalTransition) {
		t.Errorf("REQUESTED→COMPLETED: got %v, want ErrIllegalTransition", err)
	}
	if err := p.MarkCompensated(); !errors.Is(err, payment.ErrIllegalTransition) {
		t.Errorf("REQUESTED→COMPENSATED: got %v, want ErrIllegalTransition", err)
	}
}

func TestCompensationOnlyFromDebited(t *testing.T) {
	p := newPayment(t)
	if err := p.MarkDebited(); err != nil {
		t.Fatal(err)
	}
	if err := p.MarkCompensated(); err != nil {
		t.Fatalf("DEBITED→COMPENSATED: %v", err)
	}
	if !p.IsFinal() {
		t.Error("COMPENSATED should be final")
	}
}

func TestTerminalStatusIsFrozen(t *testing.T) {
	p := newPayment(t)
	if err := p.MarkFailed(payment.StatusFailedInsufficientFunds, "insufficient funds"); err != nil {
		t.Fatal(err)
	}
	if err := p.MarkDebited(); !errors.Is(err, payment.ErrIllegalTransition) {
		t.Errorf("transition out of terminal status: got %v, want ErrIllegalTransition", err)
	}
	if err := p.MarkFailed(payment.StatusFailedSystemError, "again"); !errors.Is(err, payment.ErrIllegalTransition) {
		t.Errorf("double fail: got %v, want ErrIllegalTransition", err)
	}
}

func TestMarkFailed_RejectsNonFailureStatus(t *testing.T) {
	p := newPayment(t)
	if err := p.MarkFailed(payment.StatusCompleted, "nope"); !errors.Is(err, payment.ErrIllegalTransition) {
		t.Errorf("got %v, want ErrIllegalTransition", err)
	}
}

func TestRecordFailureReason_KeepsStatus(t *testing.T) {
	p := newPayment(t)
	if err := p.MarkDebited(); err != nil {
		t.Fatal(err)
	}
	p.RecordFailureReason("credit leg timed out")
	if p.Status != payment.StatusDebited {
		t.Errorf("status changed to %s, want DEBITED", p.Status)
	}
	if !p.RequiresCompensation() {
		t.Error("debited payment with failure reason should require compensation")
	}
}

// ============================================================================
// Test: MemoryStore
// ============================================================================

func TestStore_CreateBindsRequestID(t *testing.T) {
	store := payment.NewMemoryStore()
	ctx := context.Background()

	p := newPayment(t)
	first, created, err := store.Create(ctx, p)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}

	dup, _ := payment.New(p.RequestID, uuid.New(), uuid.New(), 999, "USD")
	second, created, err := store.Create(ctx, dup)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("duplicate request id should not create a second payment")
	}
	if second.ID != first.ID {
		t.Errorf("got payment %s, want original %s", second.ID, first.ID)
	}
}

func TestStore_RequestWindowExpiry(t *testing.T) {
	store := payment.NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	p := newPayment(t)
	if _, created, err := store.Create(ctx, p); err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}

	// Past the validity window the same request id starts a fresh payment.
	now = now.Add(payment.RequestWindow + time.Minute)
	fresh, _ := payment.New(p.RequestID, uuid.New(), uuid.New(), 500, "USD")
	stored, created, err := store.Create(ctx, fresh)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("expired binding should permit a new payment")
	}
	if stored.ID == p.ID {
		t.Error("new payment should have a new id")
	}
}

func TestStore_UpdateVersionConflict(t *testing.T) {
	store := payment.NewMemoryStore()
	ctx := context.Background()

	p := newPayment(t)
	if _, _, err := store.Create(ctx, p); err != nil {
		t.Fatal(err)
	}

	a, _ := store.Get(ctx, p.ID)
	b, _ := store.Get(ctx, p.ID)

	if err := a.MarkDebited(); err != nil {
		t.Fatal(err)
	}
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("first update: %v", err)
	}

	if err := b.MarkDebited(); err != nil {
		t.Fatal(err)
	}
	if err := store.Update(ctx, b); !errors.Is(err, payment.ErrVersionConflict) {
		t.Errorf("stale update: got %v, want ErrVersionConflict", err)
	}
}

func TestStore_ListStalled(t *testing.T) {
	store := payment.NewMemoryStore()
	ctx := context.Background()

	inflight := newPayment(t)
	if _, _, err := store.Create(ctx, inflight); err != nil {
		t.Fatal(err)
	}

	done, _ := payment.New("req-done", uuid.New(), uuid.New(), 100, "USD")
	done.MarkDebited()
	done.MarkCredited()
	done.MarkCompleted()
	if _, _, err := store.Create(ctx, done); err != nil {
		t.Fatal(err)
	}

	stalled, err := store.ListStalled(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stalled) != 1 || stalled[0].ID != inflight.ID {
		t.Errorf("got %d stalled payments, want only the in-flight one", len(stalled))
	}
}
