package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"minibank/internal/event"
	"minibank/internal/outbox"
)

func record(t *testing.T) outbox.Record {
	t.Helper()
	env := event.PaymentEvent(event.TypePaymentCompleted, uuid.New(), 15_000, "USD", "req-1")
	r, err := outbox.FromEnvelope(env)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestAppend_RejectsDuplicateEventID(t *testing.T) {
	store := outbox.NewMemoryStore()
	ctx := context.Background()

	r := record(t)
	if err := store.Append(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := store.Append(ctx, r); !errors.Is(err, outbox.ErrDuplicateEvent) {
		t.Errorf("got %v, want ErrDuplicateEvent", err)
	}
}

func TestFetchUnpublished_SkipsPublished(t *testing.T) {
	store := outbox.NewMemoryStore()
	ctx := context.Background()

	a, b := record(t), record(t)
	store.Append(ctx, a)
	store.Append(ctx, b)

	if err := store.MarkPublished(ctx, a.ID); err != nil {
		t.Fatal(err)
	}

	pending, err := store.FetchUnpublished(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Errorf("got %d pending, want only the unpublished record", len(pending))
	}
}

func TestFetchUnpublished_RespectsLimit(t *testing.T) {
	store := outbox.NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		store.Append(ctx, record(t))
	}

	pending, err := store.FetchUnpublished(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Errorf("got %d, want 3", len(pending))
	}
}

func TestRecordFailure_IncrementsRetryCount(t *testing.T) {
	store := outbox.NewMemoryStore()
	ctx := context.Background()

	r := record(t)
	store.Append(ctx, r)

	store.RecordFailure(ctx, r.ID, "nats: timeout")
	store.RecordFailure(ctx, r.ID, "nats: no responders")

	pending, _ := store.FetchUnpublished(ctx, 1)
	if pending[0].RetryCount != 2 {
		t.Errorf("retry count: got %d, want 2", pending[0].RetryCount)
	}
	if pending[0].LastError != "nats: no responders" {
		t.Errorf("last error: got %q", pending[0].LastError)
	}
}

func TestDeletePublishedBefore_KeepsPendingAndRecent(t *testing.T) {
	store := outbox.NewMemoryStore()
	ctx := context.Background()

	old, pending := record(t), record(t)
	store.Append(ctx, old)
	store.Append(ctx, pending)
	store.MarkPublished(ctx, old.ID)

	removed, err := store.DeletePublishedBefore(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed %d, want 1", removed)
	}

	left, _ := store.FetchUnpublished(ctx, 10)
	if len(left) != 1 || left[0].ID != pending.ID {
		t.Error("unpublished record must survive cleanup")
	}

	// The freed event id may be appended again afterwards.
	if err := store.Append(ctx, outbox.Record{ID: uuid.New(), EventID: old.EventID, EventType: old.EventType, Payload: old.Payload}); err != nil {
		t.Errorf("re-append after cleanup: %v", err)
	}
}
