package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates no entry matched the lookup.
	ErrNotFound = errors.New("ledger entry not found")

	// ErrTerminal indicates an attempt to move an entry out of a terminal status.
	ErrTerminal = errors.New("ledger entry already terminal")
)

// Kind classifies one balance movement. Amount is always positive; the sign
// applied at replay is implied by the kind.
type Kind string

const (
	KindTopup            Kind = "TOPUP"
	KindTransferOut      Kind = "TRANSFER_OUT"
	KindTransferIn       Kind = "TRANSFER_IN"
	KindFee              Kind = "FEE"
	KindWithdraw         Kind = "WITHDRAW"
	KindWithdrawComplete Kind = "WITHDRAW_COMPLETE"

	// KindReversal restores a debited amount after the operation it belonged
	// to failed. KindClawback is its mirror: it takes back an amount that was
	// credited before the operation failed.
	KindReversal Kind = "REVERSAL"
	KindClawback Kind = "CLAWBACK"
)

// Status tracks an entry through the write-ahead pattern. PENDING and QUEUED
// are the only non-terminal statuses.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusQueued  Status = "QUEUED"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Entry is one immutable balance movement. Only Status may change after
// creation, and only from a non-terminal value.
type Entry struct {
	ID            string
	WalletID      string
	Kind          Kind
	Amount        int64
	Reference     string
	BalanceBefore int64
	BalanceAfter  int64
	Status        Status
	Gateway       string
	ExternalRef   string
	CreatedAt     time.Time
}

// SignedAmount returns the amount with the sign implied by the kind.
// WITHDRAW_COMPLETE records the settlement of an already-debited withdrawal
// and moves no money.
func (e Entry) SignedAmount() int64 {
	switch e.Kind {
	case KindTopup, KindTransferIn, KindReversal:
		return e.Amount
	case KindTransferOut, KindFee, KindWithdraw, KindClawback:
		return -e.Amount
	default:
		return 0
	}
}

// Engine is the append-only record of every balance movement. Entries are
// written before the corresponding wallet mutation and flipped to a terminal
// status after it, so the intention is durable before the effect.
type Engine interface {
	Append(ctx context.Context, entry Entry) (string, error)
	MarkStatus(ctx context.Context, entryID string, status Status) error
	FindByReference(ctx context.Context, reference string) ([]Entry, error)
	FindByExternalRef(ctx context.Context, gateway, externalRef string) (Entry, error)
	EntriesForWallet(ctx context.Context, walletID string, limit int) ([]Entry, error)
}
