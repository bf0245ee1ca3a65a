package authz

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/smart-pay/smart_pay/internal/wallet"
)

var (
	// ErrInvalidPin indicates a PIN mismatch.
	ErrInvalidPin = errors.New("invalid PIN")

	// ErrPinLocked indicates the wallet is inside a lockout window. Even a
	// correct PIN is rejected until the window elapses.
	ErrPinLocked = errors.New("PIN locked")

	// ErrPinNotSet indicates the wallet has no PIN yet.
	ErrPinNotSet = errors.New("PIN not set")

	// ErrOtpInvalid indicates the code did not match the pending record.
	ErrOtpInvalid = errors.New("invalid OTP")

	// ErrOtpExpired indicates the pending record's TTL has elapsed.
	ErrOtpExpired = errors.New("OTP expired")
)

const otpDigits = 6

// Guard performs PIN verification with lockout and OTP issuance/confirmation
// for high-risk operations. Lockout counters live on the wallet row and
// pending OTPs in a durable store, so neither resets on process restart.
type Guard struct {
	wallets     wallet.Store
	pending     PendingStore
	maxAttempts int
	lockWindow  time.Duration
	otpTTL      time.Duration
	now         func() time.Time
}

// NewGuard builds an authorization guard.
func NewGuard(wallets wallet.Store, pending PendingStore, maxAttempts int, lockWindow, otpTTL time.Duration) *Guard {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Guard{
		wallets:     wallets,
		pending:     pending,
		maxAttempts: maxAttempts,
		lockWindow:  lockWindow,
		otpTTL:      otpTTL,
		now:         time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// SetPin hashes and stores a new PIN, clearing any lockout.
func (g *Guard) SetPin(ctx context.Context, walletID, newPin string) error {
	if len(newPin) < 4 {
		return fmt.Errorf("%w: PIN must be at least 4 digits", ErrInvalidPin)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPin), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return g.wallets.SetPinHash(ctx, walletID, hash)
}

// VerifyPin compares the PIN against the wallet's hash. A mismatch increments
// the failed-attempt counter; reaching the threshold starts the lock window
// and resets the counter. A match resets the counter. The raw PIN is never
// stored or logged.
func (g *Guard) VerifyPin(ctx context.Context, w wallet.Wallet, pin string) error {
	now := g.now()
	if now.Before(w.PinLockedUntil) {
		return ErrPinLocked
	}
	if !w.HasPin() {
		return ErrPinNotSet
	}

	if err := bcrypt.CompareHashAndPassword(w.PINHash, []byte(pin)); err != nil {
		failed := w.FailedPinAttempts + 1
		lockedUntil := w.PinLockedUntil
		if failed >= g.maxAttempts {
			lockedUntil = now.Add(g.lockWindow)
			failed = 0
		}
		if err := g.wallets.RecordPinAttempts(ctx, w.ID, failed, lockedUntil); err != nil {
			return err
		}
		if !lockedUntil.IsZero() && now.Before(lockedUntil) {
			return ErrPinLocked
		}
		return ErrInvalidPin
	}

	if w.FailedPinAttempts != 0 {
		if err := g.wallets.RecordPinAttempts(ctx, w.ID, 0, w.PinLockedUntil); err != nil {
			return err
		}
	}
	return nil
}

// IssueOtp generates a one-time code for the given action, stores its hash
// with a short TTL and returns the raw code for out-of-band delivery. Any
// previous pending authorization for the wallet is superseded.
func (g *Guard) IssueOtp(ctx context.Context, walletID, action string, payload []byte) (string, error) {
	code, err := randomCode(otpDigits)
	if err != nil {
		return "", err
	}
	now := g.now()
	auth := PendingAuthorization{
		WalletID:  walletID,
		OtpHash:   hashOtp(code),
		ExpiresAt: now.Add(g.otpTTL),
		Action:    action,
		Payload:   payload,
		CreatedAt: now,
	}
	if err := g.pending.Put(ctx, auth); err != nil {
		return "", err
	}
	return code, nil
}

// ConfirmOtp validates the code against the pending record. Confirmation is
// one-shot: a matching code consumes the record and an expired record is
// discarded, so neither can be replayed.
func (g *Guard) ConfirmOtp(ctx context.Context, walletID, otp string) (PendingAuthorization, error) {
	auth, err := g.pending.Get(ctx, walletID)
	if err != nil {
		return PendingAuthorization{}, err
	}
	if !g.now().Before(auth.ExpiresAt) {
		if err := g.pending.Delete(ctx, walletID); err != nil {
			return PendingAuthorization{}, err
		}
		return PendingAuthorization{}, ErrOtpExpired
	}
	if subtle.ConstantTimeCompare(hashOtp(otp), auth.OtpHash) != 1 {
		return PendingAuthorization{}, ErrOtpInvalid
	}
	if err := g.pending.Delete(ctx, walletID); err != nil {
		return PendingAuthorization{}, err
	}
	return auth, nil
}

func hashOtp(code string) []byte {
	sum := sha256.Sum256([]byte(code))
	return sum[:]
}

func randomCode(digits int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < digits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
