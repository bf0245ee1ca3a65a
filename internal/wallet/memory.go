package wallet

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	mu      sync.RWMutex
	wallets map[string]Wallet
}

// NewMemoryStore constructs a concurrency-safe in-memory store for tests.
func NewMemoryStore() Store {
	return &memoryStore{wallets: make(map[string]Wallet)}
}

func (s *memoryStore) GetOrCreate(_ context.Context, id string, class Class) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.wallets[id]; ok {
		return w, nil
	}
	w := Wallet{
		ID:               id,
		Class:            class,
		DailyWindowStart: startOfDay(time.Now()),
		Version:          1,
		CreatedAt:        time.Now().UTC(),
	}
	s.wallets[id] = w
	return w, nil
}

func (s *memoryStore) Get(_ context.Context, id string) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return w, nil
}

func (s *memoryStore) Mutate(_ context.Context, id string, expectedVersion int64, delta int64) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	if w.Version != expectedVersion {
		return Wallet{}, ErrVersionConflict
	}
	if w.Balance+delta < 0 {
		return Wallet{}, ErrInsufficientFunds
	}
	w.Balance += delta
	w.Version++
	s.wallets[id] = w
	return w, nil
}

func (s *memoryStore) SetPinHash(_ context.Context, id string, hash []byte) error {
	return s.update(id, func(w *Wallet) {
		w.PINHash = hash
		w.FailedPinAttempts = 0
		w.PinLockedUntil = time.Time{}
	})
}

func (s *memoryStore) RecordPinAttempts(_ context.Context, id string, failed int, lockedUntil time.Time) error {
	return s.update(id, func(w *Wallet) {
		w.FailedPinAttempts = failed
		w.PinLockedUntil = lockedUntil
	})
}

func (s *memoryStore) SetDailySpent(_ context.Context, id string, spent int64, windowStart time.Time) error {
	return s.update(id, func(w *Wallet) {
		w.DailySpent = spent
		w.DailyWindowStart = windowStart
	})
}

func (s *memoryStore) SetFrozen(_ context.Context, id string, frozen bool) error {
	return s.update(id, func(w *Wallet) {
		w.Frozen = frozen
	})
}

func (s *memoryStore) update(id string, fn func(*Wallet)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return ErrNotFound
	}
	fn(&w)
	w.Version++
	s.wallets[id] = w
	return nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
