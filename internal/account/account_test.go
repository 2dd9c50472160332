package account_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"minibank/internal/account"
	"minibank/internal/observability"
)

// Prometheus collectors register globally; one set for the whole package.
var testMetrics = observability.NewMetrics()

func setup(t *testing.T) (*account.MemoryStore, *account.Service, *account.Account) {
	t.Helper()
	store := account.NewMemoryStore()
	svc := account.NewService(store, zerolog.Nop(), testMetrics)
	acct := account.NewAccount("ACC-001", "Alice")
	if err := store.CreateAccount(context.Background(), acct); err != nil {
		t.Fatal(err)
	}
	return store, svc, acct
}

// ============================================================================
// Test: Balance arithmetic
// ============================================================================

func TestBalance_CreditDebit(t *testing.T) {
	b := account.ZeroBalance(account.NewAccount("n", "h").ID, "USD")

	b, err := b.Credit(100_000)
	if err != nil {
		t.Fatal(err)
	}
	b, err = b.Debit(15_000)
	if err != nil {
		t.Fatal(err)
	}
	if b.AvailableMinor != 85_000 {
		t.Errorf("available: got %d, want 85000", b.AvailableMinor)
	}
	if b.TotalMinor() != 85_000 {
		t.Errorf("total: got %d, want 85000", b.TotalMinor())
	}
}

func TestBalance_DebitInsufficientFunds(t *testing.T) {
	b := account.ZeroBalance(account.NewAccount("n", "h").ID, "USD")
	b, _ = b.Credit(10_000)

	if _, err := b.Debit(15_000); !errors.Is(err, account.ErrInsufficientFunds) {
		t.Errorf("got %v, want ErrInsufficientFunds", err)
	}
}

func TestBalance_ReserveKeepsTotal(t *testing.T) {
	b := account.ZeroBalance(account.NewAccount("n", "h").ID, "USD")
	b, _ = b.Credit(50_000)

	b, err := b.Reserve(20_000)
	if err != nil {
		t.Fatal(err)
	}
	if b.AvailableMinor != 30_000 || b.ReservedMinor != 20_000 {
		t.Errorf("got available=%d reserved=%d", b.AvailableMinor, b.ReservedMinor)
	}
	if b.TotalMinor() != 50_000 {
		t.Errorf("reserve must not change total, got %d", b.TotalMinor())
	}
}

func TestBalance_ReleaseAndSettleReservation(t *testing.T) {
	b := account.ZeroBalance(account.NewAccount("n", "h").ID, "USD")
	b, _ = b.Credit(50_000)
	b, _ = b.Reserve(20_000)

	released, err := b.ReleaseReservation(20_000)
	if err != nil {
		t.Fatal(err)
	}
	if released.AvailableMinor != 50_000 || released.ReservedMinor != 0 {
		t.Errorf("release: got available=%d reserved=%d", released.AvailableMinor, released.ReservedMinor)
	}

	settled, err := b.SettleReservation(20_000)
	if err != nil {
		t.Fatal(err)
	}
	if settled.TotalMinor() != 30_000 {
		t.Errorf("settle: total got %d, want 30000", settled.TotalMinor())
	}
}

func TestBalance_RejectsNonPositiveAmounts(t *testing.T) {
	b := account.ZeroBalance(account.NewAccount("n", "h").ID, "USD")
	if _, err := b.Credit(0); !errors.Is(err, account.ErrNegativeAmount) {
		t.Errorf("Credit(0): got %v, want ErrNegativeAmount", err)
	}
	if _, err := b.Debit(-5); !errors.Is(err, account.ErrNegativeAmount) {
		t.Errorf("Debit(-5): got %v, want ErrNegativeAmount", err)
	}
}

// ============================================================================
// Test: Service
// ============================================================================

func TestService_CreditThenDebit(t *testing.T) {
	_, svc, acct := setup(t)
	ctx := context.Background()

	creditsBefore := promtest.ToFloat64(testMetrics.BalanceOperations.WithLabelValues("credit"))

	if _, err := svc.PostCredit(ctx, acct.ID, 100_000, "USD", ""); err != nil {
		t.Fatal(err)
	}
	bal, err := svc.PostDebit(ctx, acct.ID, 15_000, "USD", "")
	if err != nil {
		t.Fatal(err)
	}
	if bal.AvailableMinor != 85_000 {
		t.Errorf("got %d, want 85000", bal.AvailableMinor)
	}
	if bal.Version != 2 {
		t.Errorf("version: got %d, want 2", bal.Version)
	}

	if got := promtest.ToFloat64(testMetrics.BalanceOperations.WithLabelValues("credit")); got != creditsBefore+1 {
		t.Errorf("credit operations counter: got %v, want %v", got, creditsBefore+1)
	}
}

func TestService_OperationIDReplayAppliesOnce(t *testing.T) {
	_, svc, acct := setup(t)
	ctx := context.Background()

	if _, err := svc.PostCredit(ctx, acct.ID, 100_000, "USD", "op-seed"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PostDebit(ctx, acct.ID, 15_000, "USD", "op-debit-1"); err != nil {
		t.Fatal(err)
	}

	// Replaying the same operation id is a no-op returning the balance.
	bal, err := svc.PostDebit(ctx, acct.ID, 15_000, "USD", "op-debit-1")
	if err != nil {
		t.Fatal(err)
	}
	if bal.AvailableMinor != 85_000 {
		t.Errorf("replay re-applied the debit: got %d, want 85000", bal.AvailableMinor)
	}

	// A fresh operation id applies normally.
	bal, err = svc.PostDebit(ctx, acct.ID, 15_000, "USD", "op-debit-2")
	if err != nil {
		t.Fatal(err)
	}
	if bal.AvailableMinor != 70_000 {
		t.Errorf("got %d, want 70000", bal.AvailableMinor)
	}
}

func TestService_RejectsInactiveAccount(t *testing.T) {
	store, svc, acct := setup(t)
	ctx := context.Background()

	if err := store.UpdateAccountStatus(ctx, acct.ID, account.StatusSuspended); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PostCredit(ctx, acct.ID, 100, "USD", ""); !errors.Is(err, account.ErrAccountInactive) {
		t.Errorf("got %v, want ErrAccountInactive", err)
	}
}

func TestService_UnknownAccount(t *testing.T) {
	_, svc, _ := setup(t)
	if _, err := svc.PostCredit(context.Background(), account.NewAccount("x", "y").ID, 100, "USD", ""); !errors.Is(err, account.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestService_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	_, svc, acct := setup(t)
	ctx := context.Background()

	if _, err := svc.PostCredit(ctx, acct.ID, 100_000, "USD", ""); err != nil {
		t.Fatal(err)
	}

	// 20 goroutines each debit 10_000 from a 100_000 balance; at most 10
	// can succeed and the balance must never go negative.
	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.PostDebit(ctx, acct.ID, 10_000, "USD", ""); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	bal, err := svc.GetBalance(ctx, acct.ID, "USD")
	if err != nil {
		t.Fatal(err)
	}
	if bal.AvailableMinor < 0 {
		t.Fatalf("balance went negative: %d", bal.AvailableMinor)
	}
	if got := int64(100_000) - int64(succeeded)*10_000; bal.AvailableMinor != got {
		t.Errorf("balance %d inconsistent with %d successful debits", bal.AvailableMinor, succeeded)
	}
	if succeeded > 10 {
		t.Errorf("%d debits succeeded, max possible is 10", succeeded)
	}
}

// conflictStore rejects every balance write, for exercising the retry
// exhaustion path.
type conflictStore struct {
	*account.MemoryStore
}

func (s *conflictStore) SaveBalance(ctx context.Context, b account.Balance, expectedVersion int64, operationID string) error {
	return account.ErrConcurrentModification
}

func TestService_RetriesExhaustedCountsConflicts(t *testing.T) {
	mem := account.NewMemoryStore()
	store := &conflictStore{MemoryStore: mem}
	svc := account.NewService(store, zerolog.Nop(), testMetrics)
	acct := account.NewAccount("ACC-CONFLICT", "Alice")
	ctx := context.Background()
	if err := mem.CreateAccount(ctx, acct); err != nil {
		t.Fatal(err)
	}

	conflictsBefore := promtest.ToFloat64(testMetrics.BalanceConflicts)
	exhaustedBefore := promtest.ToFloat64(testMetrics.BalanceRetriesExhausted)

	if _, err := svc.PostCredit(ctx, acct.ID, 100, "USD", ""); !errors.Is(err, account.ErrConcurrentModification) {
		t.Fatalf("got %v, want ErrConcurrentModification", err)
	}

	if got := promtest.ToFloat64(testMetrics.BalanceConflicts); got <= conflictsBefore {
		t.Errorf("conflict counter did not move: %v", got)
	}
	if got := promtest.ToFloat64(testMetrics.BalanceRetriesExhausted); got != exhaustedBefore+1 {
		t.Errorf("exhausted counter: got %v, want %v", got, exhaustedBefore+1)
	}
}

func TestStore_SaveBalanceVersionConflict(t *testing.T) {
	store, _, acct := setup(t)
	ctx := context.Background()

	b, err := store.GetBalance(ctx, acct.ID, "USD")
	if err != nil {
		t.Fatal(err)
	}
	b1, _ := b.Credit(100)
	if err := store.SaveBalance(ctx, b1, b.Version, ""); err != nil {
		t.Fatal(err)
	}

	// A second writer holding the stale version must be rejected.
	b2, _ := b.Credit(200)
	if err := store.SaveBalance(ctx, b2, b.Version, ""); !errors.Is(err, account.ErrConcurrentModification) {
		t.Errorf("got %v, want ErrConcurrentModification", err)
	}
}

func TestStore_SaveBalanceRecordsOperationID(t *testing.T) {
	store, _, acct := setup(t)
	ctx := context.Background()

	b, _ := store.GetBalance(ctx, acct.ID, "USD")
	b1, _ := b.Credit(100)
	if err := store.SaveBalance(ctx, b1, b.Version, "op-1"); err != nil {
		t.Fatal(err)
	}

	applied, err := store.OperationApplied(ctx, "op-1")
	if err != nil || !applied {
		t.Errorf("operation should be recorded: applied=%v err=%v", applied, err)
	}
	applied, _ = store.OperationApplied(ctx, "op-2")
	if applied {
		t.Error("unknown operation id reported as applied")
	}

	// Writing under an already-recorded operation id must be rejected even
	// with a fresh version.
	current, _ := store.GetBalance(ctx, acct.ID, "USD")
	b2, _ := current.Credit(100)
	if err := store.SaveBalance(ctx, b2, current.Version, "op-1"); !errors.Is(err, account.ErrConcurrentModification) {
		t.Errorf("got %v, want ErrConcurrentModification", err)
	}
}
