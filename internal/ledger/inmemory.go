package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inMemoryEngine struct {
	mu      sync.RWMutex
	entries map[string]Entry
	order   []string
}

// NewInMemory creates a concurrency-safe in-memory engine useful for unit tests.
func NewInMemory() Engine {
	return &inMemoryEngine{entries: make(map[string]Entry)}
}

func (e *inMemoryEngine) Append(_ context.Context, entry Entry) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	e.entries[entry.ID] = entry
	e.order = append(e.order, entry.ID)
	return entry.ID, nil
}

func (e *inMemoryEngine) MarkStatus(_ context.Context, entryID string, status Status) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.entries[entryID]
	if !ok {
		return ErrNotFound
	}
	if entry.Status.Terminal() {
		return ErrTerminal
	}
	entry.Status = status
	e.entries[entryID] = entry
	return nil
}

func (e *inMemoryEngine) FindByReference(_ context.Context, reference string) ([]Entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Entry
	for _, id := range e.order {
		if entry := e.entries[id]; entry.Reference == reference {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (e *inMemoryEngine) FindByExternalRef(_ context.Context, gateway, externalRef string) (Entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, id := range e.order {
		entry := e.entries[id]
		if entry.Gateway == gateway && entry.ExternalRef == externalRef {
			return entry, nil
		}
	}
	return Entry{}, ErrNotFound
}

func (e *inMemoryEngine) EntriesForWallet(_ context.Context, walletID string, limit int) ([]Entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Entry
	for _, id := range e.order {
		if entry := e.entries[id]; entry.WalletID == walletID {
			out = append(out, entry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
