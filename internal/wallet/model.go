package wallet

import (
	"errors"
	"time"
)

// Class partitions wallets by owner type. Platform wallets collect fees and
// never pay them.
type Class string

const (
	ClassUser     Class = "USER"
	ClassBusiness Class = "BUSINESS"
	ClassPlatform Class = "PLATFORM"
)

var (
	// ErrNotFound indicates the wallet id is unknown.
	ErrNotFound = errors.New("wallet not found")

	// ErrInsufficientFunds occurs when a mutation would drive the balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrVersionConflict indicates the caller raced another writer and should
	// re-read the wallet before retrying.
	ErrVersionConflict = errors.New("wallet version conflict")
)

// Wallet is a stored-value account. Balance is minor currency units and is
// never negative. Version increments on every committed mutation.
type Wallet struct {
	ID                string
	Class             Class
	Balance           int64
	PINHash           []byte
	FailedPinAttempts int
	PinLockedUntil    time.Time
	Frozen            bool
	DailySpent        int64
	DailyWindowStart  time.Time
	Version           int64
	CreatedAt         time.Time
}

// HasPin reports whether a PIN has been set for the wallet.
func (w Wallet) HasPin() bool {
	return len(w.PINHash) > 0
}
