package wallet

import (
	"context"
	"time"
)

// Store persists wallets with atomic, isolated mutation. Every committed
// write advances Version; Mutate is a compare-and-swap on it.
type Store interface {
	// GetOrCreate returns the wallet, creating it with a zero balance when the
	// id has never been seen. Creation is lazy on first reference.
	GetOrCreate(ctx context.Context, id string, class Class) (Wallet, error)

	// Get returns the wallet or ErrNotFound.
	Get(ctx context.Context, id string) (Wallet, error)

	// Mutate applies a signed balance delta if and only if the stored version
	// equals expectedVersion and the resulting balance is non-negative.
	// Either balance and version both advance, or nothing changes.
	Mutate(ctx context.Context, id string, expectedVersion int64, delta int64) (Wallet, error)

	// SetPinHash replaces the wallet's PIN hash and clears any lockout.
	SetPinHash(ctx context.Context, id string, hash []byte) error

	// RecordPinAttempts persists the failed-attempt counter and lockout
	// deadline so a restart cannot silently unlock a wallet.
	RecordPinAttempts(ctx context.Context, id string, failed int, lockedUntil time.Time) error

	// SetDailySpent persists the rolling-window spend accumulator.
	SetDailySpent(ctx context.Context, id string, spent int64, windowStart time.Time) error

	// SetFrozen flips the wallet-level freeze flag.
	SetFrozen(ctx context.Context, id string, frozen bool) error
}
