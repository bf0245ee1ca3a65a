package policy

import (
	"errors"
	"time"

	"github.com/smart-pay/smart_pay/internal/wallet"
)

var (
	// ErrWalletFrozen blocks withdrawals and transfers from a frozen wallet.
	ErrWalletFrozen = errors.New("wallet frozen")

	// ErrLimitExceeded indicates the per-transaction or daily cap was hit.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrInvalidAmount rejects a non-positive movement amount.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// LimitPolicy applies the per-transaction cap, the rolling daily cap and the
// freeze flags. Read-only operations bypass it entirely.
type LimitPolicy struct {
	perTxCap     int64
	dailyCap     int64
	globalFreeze bool
	now          func() time.Time
}

// NewLimitPolicy builds a limit policy from policy configuration.
func NewLimitPolicy(perTxCap, dailyCap int64, globalFreeze bool) LimitPolicy {
	return LimitPolicy{perTxCap: perTxCap, dailyCap: dailyCap, globalFreeze: globalFreeze, now: time.Now}
}

// WithClock overrides the time source. Tests only.
func (p LimitPolicy) WithClock(now func() time.Time) LimitPolicy {
	p.now = now
	return p
}

// CheckFrozen rejects the operation when the platform or the wallet is frozen.
func (p LimitPolicy) CheckFrozen(w wallet.Wallet) error {
	if p.globalFreeze || w.Frozen {
		return ErrWalletFrozen
	}
	return nil
}

// CheckPerTransaction enforces the fixed per-transaction cap.
func (p LimitPolicy) CheckPerTransaction(amount int64) error {
	if amount > p.perTxCap {
		return ErrLimitExceeded
	}
	return nil
}

// CheckDaily enforces the rolling daily cap. It returns the spend accumulator
// and window start the caller must persist on success: when the current time
// has crossed the wallet's window boundary the accumulator restarts at zero.
func (p LimitPolicy) CheckDaily(w wallet.Wallet, amount int64) (spent int64, windowStart time.Time, err error) {
	now := p.now()
	windowStart = startOfDay(now)
	spent = w.DailySpent
	if w.DailyWindowStart.Before(windowStart) {
		spent = 0
	} else {
		windowStart = w.DailyWindowStart
	}
	if spent+amount > p.dailyCap {
		return 0, time.Time{}, ErrLimitExceeded
	}
	return spent, windowStart, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
