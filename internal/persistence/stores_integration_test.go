package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"minibank/internal/account"
	"minibank/internal/ledger"
	"minibank/internal/observability"
	"minibank/internal/outbox"
	"minibank/internal/payment"
	"minibank/internal/persistence"
	"minibank/internal/testutil"
)

// These tests exercise the Postgres stores end to end and need a running
// test database with migrations applied.

// Prometheus collectors register globally; one set for the whole package.
var testMetrics = observability.NewMetrics()

func newUUID(t *testing.T) uuid.UUID {
	t.Helper()
	return uuid.New()
}

func seedAccounts(t *testing.T, store *persistence.AccountStore) (*account.Account, *account.Account) {
	t.Helper()
	ctx := context.Background()

	from := account.NewAccount("IT-FROM-"+uuid.NewString()[:8], "Alice")
	to := account.NewAccount("IT-TO-"+uuid.NewString()[:8], "Bob")
	for _, a := range []*account.Account{from, to} {
		if err := store.CreateAccount(ctx, a); err != nil {
			t.Fatalf("seed account: %v", err)
		}
	}
	return from, to
}

func TestPaymentStore_CreateBindsRequestID(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	accounts := persistence.NewAccountStore(db)
	from, to := seedAccounts(t, accounts)

	store := persistence.NewPaymentStore(db)
	p, err := payment.New("req-db-1", from.ID, to.ID, 15_000, "USD")
	if err != nil {
		t.Fatal(err)
	}
	stored, created, err := store.Create(ctx, p)
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}

	dup, err := payment.New("req-db-1", from.ID, to.ID, 15_000, "USD")
	if err != nil {
		t.Fatal(err)
	}
	bound, created, err := store.Create(ctx, dup)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second create with the same request id should not create")
	}
	if bound.ID != stored.ID {
		t.Errorf("bound to %s, want %s", bound.ID, stored.ID)
	}

	byReq, err := store.GetByRequestID(ctx, "req-db-1")
	if err != nil {
		t.Fatal(err)
	}
	if byReq.ID != stored.ID {
		t.Errorf("lookup by request id: got %s, want %s", byReq.ID, stored.ID)
	}
}

func TestPaymentStore_UpdateDetectsConcurrentWriter(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	accounts := persistence.NewAccountStore(db)
	from, to := seedAccounts(t, accounts)

	store := persistence.NewPaymentStore(db)
	p, _ := payment.New("req-db-2", from.ID, to.ID, 15_000, "USD")
	if _, _, err := store.Create(ctx, p); err != nil {
		t.Fatal(err)
	}

	stale := p.Clone()
	if err := p.MarkDebited(); err != nil {
		t.Fatal(err)
	}
	if err := store.Update(ctx, p); err != nil {
		t.Fatal(err)
	}

	if err := stale.MarkDebited(); err != nil {
		t.Fatal(err)
	}
	if err := store.Update(ctx, stale); !errors.Is(err, payment.ErrVersionConflict) {
		t.Errorf("stale update: got %v, want ErrVersionConflict", err)
	}
}

func TestAccountStore_SaveBalanceVersionGuard(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	accounts := persistence.NewAccountStore(db)
	a, _ := seedAccounts(t, accounts)

	bal, err := accounts.GetBalance(ctx, a.ID, "USD")
	if err != nil {
		t.Fatal(err)
	}
	bal.AvailableMinor = 50_000
	if err := accounts.SaveBalance(ctx, bal, 0, ""); err != nil {
		t.Fatal(err)
	}

	// A second write against the already-consumed version must conflict.
	bal.AvailableMinor = 99_999
	if err := accounts.SaveBalance(ctx, bal, 0, ""); !errors.Is(err, account.ErrConcurrentModification) {
		t.Errorf("got %v, want ErrConcurrentModification", err)
	}

	current, err := accounts.GetBalance(ctx, a.ID, "USD")
	if err != nil {
		t.Fatal(err)
	}
	if current.AvailableMinor != 50_000 || current.Version != 1 {
		t.Errorf("got available=%d version=%d", current.AvailableMinor, current.Version)
	}
}

func TestAccountStore_SaveBalanceRecordsOperationID(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	accounts := persistence.NewAccountStore(db)
	a, _ := seedAccounts(t, accounts)

	bal, err := accounts.GetBalance(ctx, a.ID, "USD")
	if err != nil {
		t.Fatal(err)
	}
	bal.AvailableMinor = 50_000
	if err := accounts.SaveBalance(ctx, bal, 0, "op-db-1"); err != nil {
		t.Fatal(err)
	}

	applied, err := accounts.OperationApplied(ctx, "op-db-1")
	if err != nil || !applied {
		t.Fatalf("operation should be recorded: applied=%v err=%v", applied, err)
	}

	// A write carrying an already-recorded operation id must be rejected
	// even with the current version, and must leave the balance untouched.
	current, err := accounts.GetBalance(ctx, a.ID, "USD")
	if err != nil {
		t.Fatal(err)
	}
	current.AvailableMinor = 99_999
	if err := accounts.SaveBalance(ctx, current, current.Version, "op-db-1"); !errors.Is(err, account.ErrConcurrentModification) {
		t.Errorf("got %v, want ErrConcurrentModification", err)
	}
	after, err := accounts.GetBalance(ctx, a.ID, "USD")
	if err != nil {
		t.Fatal(err)
	}
	if after.AvailableMinor != 50_000 {
		t.Errorf("balance changed under a replayed operation id: got %d", after.AvailableMinor)
	}
}

func TestLedgerStore_RejectsDuplicateLeg(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	accounts := persistence.NewAccountStore(db)
	from, to := seedAccounts(t, accounts)
	store := persistence.NewLedgerStore(db)
	journal := ledger.NewJournal(store, zerolog.Nop(), testMetrics)

	p, _ := payment.New("req-db-3", from.ID, to.ID, 15_000, "USD")
	if err := journal.RecordPaymentEntries(ctx, p.ID, from.ID, to.ID, 15_000, "USD"); err != nil {
		t.Fatal(err)
	}
	if _, err := journal.RecordLeg(ctx, p.ID, from.ID, ledger.EntryTypeDebit, 15_000, "USD"); !errors.Is(err, ledger.ErrDuplicatePayment) {
		t.Errorf("got %v, want ErrDuplicatePayment", err)
	}

	entries, err := store.EntriesForPayment(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("got %d entries, want 2", len(entries))
	}
}

func TestOutboxStore_RoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store := persistence.NewOutboxStore(db)
	rec := outbox.Record{
		ID:        newUUID(t),
		EventID:   "evt-db-1",
		EventType: "PAYMENT_COMPLETED",
		SubjectID: newUUID(t),
		Payload:   []byte(`{"event_id":"evt-db-1"}`),
		CreatedAt: time.Now().UTC(),
	}
	if err := store.Append(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := store.Append(ctx, rec); !errors.Is(err, outbox.ErrDuplicateEvent) {
		t.Errorf("duplicate append: got %v, want ErrDuplicateEvent", err)
	}

	pending, err := store.FetchUnpublished(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}

	if err := store.MarkPublished(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	pending, _ = store.FetchUnpublished(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("published record still pending")
	}
}
