package wallet

import (
	"context"
	"sync"
	"testing"
)

func TestGetOrCreateIsLazyAndIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	w, err := store.GetOrCreate(ctx, "w1", ClassUser)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if w.Balance != 0 || w.Version != 1 {
		t.Fatalf("fresh wallet should start at balance 0 version 1, got %+v", w)
	}

	again, err := store.GetOrCreate(ctx, "w1", ClassBusiness)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if again.Class != ClassUser {
		t.Fatalf("existing wallet must keep its class, got %s", again.Class)
	}
}

func TestMutateRejectsStaleVersion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	w, _ := store.GetOrCreate(ctx, "w1", ClassUser)

	if _, err := store.Mutate(ctx, "w1", w.Version, 100); err != nil {
		t.Fatalf("first mutation: %v", err)
	}
	if _, err := store.Mutate(ctx, "w1", w.Version, 100); err != ErrVersionConflict {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestMutateRejectsOverdraw(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	w, _ := store.GetOrCreate(ctx, "w1", ClassUser)

	w, _ = store.Mutate(ctx, "w1", w.Version, 500)
	if _, err := store.Mutate(ctx, "w1", w.Version, -501); err != ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	// The rejected mutation must not advance anything.
	current, _ := store.Get(ctx, "w1")
	if current.Balance != 500 || current.Version != w.Version {
		t.Fatalf("rejected mutation leaked state: %+v", current)
	}
}

func TestGetUnknownWallet(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLockerSerializesAndReleases(t *testing.T) {
	locker := NewLocker()

	var mu sync.Mutex
	inCritical := 0
	maxCritical := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locker.Lock("b", "a", "a")
			mu.Lock()
			inCritical++
			if inCritical > maxCritical {
				maxCritical = inCritical
			}
			mu.Unlock()

			mu.Lock()
			inCritical--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxCritical != 1 {
		t.Fatalf("critical section overlapped: max %d", maxCritical)
	}
}
