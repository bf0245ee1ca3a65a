package wallet

import (
	"sort"
	"sync"
)

// Locker serializes logical operations per wallet. Multi-wallet operations
// acquire their locks in sorted id order, so two concurrent operations
// touching overlapping wallets can never deadlock.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocker builds an empty locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for every distinct id and returns the release
// function. Release order is the reverse of acquisition.
func (l *Locker) Lock(ids ...string) func() {
	distinct := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		distinct = append(distinct, id)
	}
	sort.Strings(distinct)

	held := make([]*sync.Mutex, 0, len(distinct))
	for _, id := range distinct {
		held = append(held, l.mutexFor(id))
	}
	for _, m := range held {
		m.Lock()
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func (l *Locker) mutexFor(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}
