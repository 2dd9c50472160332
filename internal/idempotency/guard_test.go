package idempotency_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"minibank/internal/idempotency"
)

func TestRegisterIfAbsent_FirstCallerWins(t *testing.T) {
	g := idempotency.NewMemoryGuard()
	ctx := context.Background()

	first := uuid.New()
	bound, created, err := g.RegisterIfAbsent(ctx, "req-1", first)
	if err != nil || !created || bound != first {
		t.Fatalf("first register: bound=%s created=%v err=%v", bound, created, err)
	}

	second := uuid.New()
	bound, created, err = g.RegisterIfAbsent(ctx, "req-1", second)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second register should not create")
	}
	if bound != first {
		t.Errorf("got %s, want the first payment %s", bound, first)
	}
}

func TestLookup_MissingReturnsNotFound(t *testing.T) {
	g := idempotency.NewMemoryGuard()
	_, ok, err := g.Lookup(context.Background(), "never-seen")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("lookup of unknown request id should report absent")
	}
}

func TestWindowExpiry(t *testing.T) {
	g := idempotency.NewMemoryGuard()
	ctx := context.Background()

	now := time.Now()
	g.SetClock(func() time.Time { return now })

	first := uuid.New()
	if _, created, _ := g.RegisterIfAbsent(ctx, "req-1", first); !created {
		t.Fatal("first register should create")
	}

	now = now.Add(idempotency.Window + time.Second)

	if _, ok, _ := g.Lookup(ctx, "req-1"); ok {
		t.Error("expired binding should not be returned")
	}

	second := uuid.New()
	bound, created, err := g.RegisterIfAbsent(ctx, "req-1", second)
	if err != nil {
		t.Fatal(err)
	}
	if !created || bound != second {
		t.Errorf("expired request id should rebind: bound=%s created=%v", bound, created)
	}
}

func TestRegisterIfAbsent_ConcurrentSingleWinner(t *testing.T) {
	g := idempotency.NewMemoryGuard()
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	bindings := make(map[uuid.UUID]bool)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bound, created, err := g.RegisterIfAbsent(ctx, "req-race", uuid.New())
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			if created {
				winners++
			}
			bindings[bound] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("got %d winners, want exactly 1", winners)
	}
	if len(bindings) != 1 {
		t.Errorf("all callers should observe the same binding, got %d distinct", len(bindings))
	}
}
